package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateOrchestrator(cfg, ve)
	validateRegistry(cfg, ve)
	validateBreaker(cfg, ve)
	validateRunners(cfg, ve)
	validateHistory(cfg, ve)
	validateGateway(cfg, ve)
	validateScheduler(cfg, ve)
	validateAudit(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	if cfg.Orchestrator.MaxConcurrentAgents <= 0 {
		ve.Add("orchestrator.max_concurrent_agents must be > 0")
	}
	if cfg.Orchestrator.MinOverlap < 0 {
		ve.Add("orchestrator.min_overlap must be >= 0")
	}
}

func validateRegistry(cfg *Config, ve *ValidationError) {
	if len(cfg.Registry.Sources) == 0 {
		ve.Add("registry.sources must list at least one directory")
	}
	for i, s := range cfg.Registry.Sources {
		if strings.TrimSpace(s) == "" {
			ve.Add("registry.sources[%d] must not be empty", i)
		}
	}
}

func validateBreaker(cfg *Config, ve *ValidationError) {
	if cfg.Breaker.MaxFailures <= 0 {
		ve.Add("breaker.max_failures must be > 0")
	}
	if cfg.Breaker.Cooldown <= 0 {
		ve.Add("breaker.cooldown must be > 0")
	}
}

// RunnerNames lists the runner names a definition may reference.
var RunnerNames = []string{"echo", "subprocess", "http"}

func validateRunners(cfg *Config, ve *ValidationError) {
	r := cfg.Runners
	switch r.Default {
	case "echo", "subprocess":
	case "http":
		if r.HTTP.Endpoint == "" {
			ve.Add("runners.http.endpoint is required when runners.default is http")
		}
	default:
		ve.Add("runners.default %q is invalid (want: %s)", r.Default, strings.Join(RunnerNames, ", "))
	}
	if r.Echo.Delay < 0 {
		ve.Add("runners.echo.delay must be >= 0")
	}
	if r.Subprocess.MaxOutputBytes <= 0 {
		ve.Add("runners.subprocess.max_output_bytes must be > 0")
	}
	if r.HTTP.Endpoint != "" {
		u, err := url.Parse(r.HTTP.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("runners.http.endpoint %q must be an absolute http(s) URL", r.HTTP.Endpoint)
		}
	}
	if r.HTTP.MaxResponseBytes <= 0 {
		ve.Add("runners.http.max_response_bytes must be > 0")
	}
	for k, v := range r.HTTP.Headers {
		if strings.ContainsAny(k+v, "\r\n") {
			ve.Add("runners.http.headers[%s] must not contain line breaks", k)
		}
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if cfg.History.MaxEntries <= 0 {
		ve.Add("history.max_entries must be > 0")
	}
	if cfg.History.TTL < 0 {
		ve.Add("history.ttl must be >= 0")
	}
}

var validRoles = map[string]bool{"admin": true, "operator": true, "viewer": true}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !g.Enabled {
		return
	}
	host, loopback := "", false
	if g.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if h, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	} else {
		host = h
		ip := net.ParseIP(h)
		loopback = h == "localhost" || (ip != nil && ip.IsLoopback())
	}
	if g.RateLimit.RequestsPerMin < 0 || g.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
	if g.MaxBodyBytes < 0 {
		ve.Add("gateway.max_body_bytes must be >= 0")
	}

	switch g.Auth.Type {
	case "":
		if len(g.Auth.Tokens) > 0 {
			ve.Add("gateway.auth.tokens set but gateway.auth.type is empty (want: static)")
		}
		if host != "" && !loopback {
			ve.Add("gateway.auth is required when gateway.addr %q is not a loopback address", g.Addr)
		}
	case "static":
		if len(g.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty when auth type is static")
		}
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static)", g.Auth.Type)
	}
	seen := make(map[string]bool)
	for i, t := range g.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		} else if seen[t.Token] {
			ve.Add("gateway.auth.tokens[%d]: duplicate token", i)
		}
		seen[t.Token] = true
		for _, role := range t.Roles {
			if !validRoles[role] {
				ve.Add("gateway.auth.tokens[%d].roles: unknown role %q (want: admin, operator, viewer)", i, role)
			}
		}
	}
}

// SchedulerActions lists the actions a scheduled task may name.
var SchedulerActions = []string{"registry_reload", "history_prune", "audit_retention"}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		switch t.Action {
		case "":
			ve.Add("scheduler.tasks[%d].action is required", i)
		case "registry_reload", "history_prune", "audit_retention":
		default:
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: %s)", i, t.Action, strings.Join(SchedulerActions, ", "))
		}
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	a := cfg.Audit
	if !a.Enabled {
		return
	}
	if a.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if a.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if _, err := ParseSize(a.MaxSize); err != nil {
		ve.Add("audit.max_size: %v", err)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

// ParseSize parses a human-readable size such as "100MB" or "512KB".
// An empty string is zero.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parse size %q: invalid number", s)
	}
	return n * multiplier, nil
}
