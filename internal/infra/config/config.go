package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORCHESTRA_"

// Config is the top-level application configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Registry     RegistryConfig     `yaml:"registry"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Runners      RunnersConfig      `yaml:"runners"`
	History      HistoryConfig      `yaml:"history"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Audit        AuditConfig        `yaml:"audit"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// OrchestratorConfig holds dispatch and admission settings.
type OrchestratorConfig struct {
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`
	MinOverlap          int `yaml:"min_overlap"` // smallest capability overlap for fan-out
}

// RegistryConfig lists the agent definition directories, in precedence order.
type RegistryConfig struct {
	Sources        []string `yaml:"sources"`
	ReloadSchedule string   `yaml:"reload_schedule,omitempty"` // cron expression or duration
}

// BreakerConfig holds per-agent circuit breaker settings.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// RunnersConfig selects and configures agent body runners.
type RunnersConfig struct {
	Default    string                 `yaml:"default"`
	Echo       EchoRunnerConfig       `yaml:"echo"`
	Subprocess SubprocessRunnerConfig `yaml:"subprocess"`
	HTTP       HTTPRunnerConfig       `yaml:"http"`
}

// EchoRunnerConfig configures the in-process echo runner.
type EchoRunnerConfig struct {
	Delay time.Duration `yaml:"delay,omitempty"`
}

// SubprocessRunnerConfig configures agents that run as child processes.
type SubprocessRunnerConfig struct {
	Command        []string `yaml:"command,omitempty"`
	Env            []string `yaml:"env,omitempty"`
	MaxOutputBytes int64    `yaml:"max_output_bytes"`
	WorkspaceDir   string   `yaml:"workspace_dir,omitempty"`
}

// HTTPRunnerConfig configures agents backed by a webhook.
type HTTPRunnerConfig struct {
	Endpoint         string            `yaml:"endpoint,omitempty"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	MaxResponseBytes int64             `yaml:"max_response_bytes"`
	DialTimeout      time.Duration     `yaml:"dial_timeout"`
	Pool             PoolConfig        `yaml:"pool"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// HistoryConfig bounds the recent-task history.
type HistoryConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl,omitempty"`
}

// GatewayConfig holds management surface settings.
type GatewayConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Addr           string          `yaml:"addr"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes   int64           `yaml:"max_body_bytes"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"` // WebSocket origin patterns
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// SchedulerConfig holds cron/scheduler settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// AuditConfig holds the management audit trail settings.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age,omitempty"`
	MaxSize string        `yaml:"max_size,omitempty"` // e.g. "100MB"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrentAgents: 3,
			MinOverlap:          1,
		},
		Registry: RegistryConfig{
			Sources: []string{"./agents"},
		},
		Breaker: BreakerConfig{
			MaxFailures: 3,
			Cooldown:    30 * time.Second,
		},
		Runners: RunnersConfig{
			Default: "echo",
			Subprocess: SubprocessRunnerConfig{
				MaxOutputBytes: 1 << 20,
			},
			HTTP: HTTPRunnerConfig{
				MaxResponseBytes: 1 << 20,
				DialTimeout:      10 * time.Second,
				Pool: PoolConfig{
					MaxIdleConns:        20,
					MaxIdleConnsPerHost: 10,
					MaxConnsPerHost:     20,
					IdleConnTimeout:     90 * time.Second,
				},
			},
		},
		History: HistoryConfig{
			MaxEntries: 200,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8090",
			RateLimit: RateLimitConfig{
				RequestsPerMin: 100,
				Burst:          20,
			},
			MaxBodyBytes: 1 << 20,
		},
		Audit: AuditConfig{
			Path: "audit.jsonl",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	// Relative agent sources resolve against the config file's directory.
	for i, src := range cfg.Registry.Sources {
		if src != "" && !filepath.IsAbs(src) {
			cfg.Registry.Sources[i] = filepath.Join(filepath.Dir(absPath), src)
		}
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func env(name string) string { return os.Getenv(EnvPrefix + name) }

func envInt(name string, dst *int) {
	if n, err := strconv.Atoi(env(name)); err == nil && n > 0 {
		*dst = n
	}
}

func envDuration(name string, dst *time.Duration) {
	if d, err := time.ParseDuration(env(name)); err == nil && d > 0 {
		*dst = d
	}
}

// ApplyEnvOverrides maps ORCHESTRA_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	envInt("MAX_CONCURRENT_AGENTS", &cfg.Orchestrator.MaxConcurrentAgents)
	envInt("MIN_OVERLAP", &cfg.Orchestrator.MinOverlap)

	if v := env("AGENT_SOURCES"); v != "" {
		cfg.Registry.Sources = splitAndTrim(v, ",")
	}
	if v := env("RELOAD_SCHEDULE"); v != "" {
		cfg.Registry.ReloadSchedule = v
	}

	envInt("BREAKER_MAX_FAILURES", &cfg.Breaker.MaxFailures)
	envDuration("BREAKER_COOLDOWN", &cfg.Breaker.Cooldown)

	if v := env("RUNNER_DEFAULT"); v != "" {
		cfg.Runners.Default = v
	}
	if v := env("SUBPROCESS_COMMAND"); v != "" {
		cfg.Runners.Subprocess.Command = strings.Fields(v)
	}
	if v := env("SUBPROCESS_WORKSPACE"); v != "" {
		cfg.Runners.Subprocess.WorkspaceDir = v
	}
	if v := env("HTTP_RUNNER_ENDPOINT"); v != "" {
		cfg.Runners.HTTP.Endpoint = v
	}

	envInt("HISTORY_MAX_ENTRIES", &cfg.History.MaxEntries)
	envDuration("HISTORY_TTL", &cfg.History.TTL)

	switch env("GATEWAY_ENABLED") {
	case "true", "1":
		cfg.Gateway.Enabled = true
	case "false", "0":
		cfg.Gateway.Enabled = false
	}
	if v := env("GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := env("GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"admin"},
		})
	}

	switch env("AUDIT_ENABLED") {
	case "true", "1":
		cfg.Audit.Enabled = true
	case "false", "0":
		cfg.Audit.Enabled = false
	}
	if v := env("AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}

	if v := env("LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := env("LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := env("TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := env("TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const encPrefix = "enc:"

// decryptSecrets decrypts "enc:..." gateway tokens and runner headers.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Gateway.Auth.Tokens {
		tok := &cfg.Gateway.Auth.Tokens[i]
		if !strings.HasPrefix(tok.Token, encPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(tok.Token, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("gateway auth token %s: %w", tok.Name, err)
		}
		tok.Token = plain
	}

	for k, v := range cfg.Runners.HTTP.Headers {
		if !strings.HasPrefix(v, encPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(v, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("http runner header %s: %w", k, err)
		}
		cfg.Runners.HTTP.Headers[k] = plain
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
