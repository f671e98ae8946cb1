package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"orchestra-ai/internal/infra/config"
	"orchestra-ai/internal/usecase/multiagent"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Some checks work without a valid config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agent sources", Fn: checkAgentSources},
		{Name: "Subprocess runner", Fn: checkSubprocessRunner},
		{Name: "HTTP runner", Fn: checkHTTPRunner},
		{Name: "Workspace", Fn: checkWorkspace},
		{Name: "Gateway", Fn: checkGateway},
	}

	fmt.Println("orchestra doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	_, warn, fail := runChecks(os.Stdout, cfg, checks)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before starting orchestra.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\norchestra should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed.")
	}
	return nil
}

// runChecks prints each result to w and returns the tallies.
func runChecks(w io.Writer, cfg *config.Config, checks []Check) (pass, warn, fail int) {
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	return pass, warn, fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusWarn, Message: "cannot check, config not loaded"}

// checkConfigFile returns a check that verifies the config file parses and
// validates. A missing file is only a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the values named above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkAgentSources loads the agent directories into a scratch registry.
func checkAgentSources(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}

	var missing []string
	for _, src := range cfg.Registry.Sources {
		if info, err := os.Stat(src); err != nil || !info.IsDir() {
			missing = append(missing, src)
		}
	}
	if len(missing) == len(cfg.Registry.Sources) {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no agent source directory exists: %s", strings.Join(missing, ", ")),
			Fix:     "Create the directory or fix registry.sources",
		}
	}

	reg := multiagent.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	report, err := reg.Load(context.Background(), cfg.Registry.Sources)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("load agents: %v", err)}
	}
	if report.Loaded == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no agent definitions found",
			Fix:     "Add *.yaml, *.json or *.md agent definitions to a source directory",
		}
	}

	msg := fmt.Sprintf("%d agent(s) loaded", report.Loaded)
	if len(report.Skipped) > 0 {
		var notes []string
		for _, s := range report.Skipped {
			notes = append(notes, fmt.Sprintf("%s (%s)", filepath.Base(s.Path), s.Reason))
		}
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s; skipped: %s", msg, strings.Join(notes, "; ")),
		}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

// checkSubprocessRunner verifies the default subprocess command is on PATH.
func checkSubprocessRunner(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	cmd := cfg.Runners.Subprocess.Command
	if len(cmd) == 0 {
		return CheckResult{Status: StatusPass, Message: "no default command configured"}
	}
	if _, err := exec.LookPath(cmd[0]); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("command %q not found", cmd[0]),
			Fix:     "Install it or fix runners.subprocess.command",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("command %q found", cmd[0])}
}

// checkHTTPRunner dials the webhook host.
func checkHTTPRunner(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	endpoint := cfg.Runners.HTTP.Endpoint
	if endpoint == "" {
		return CheckResult{Status: StatusPass, Message: "http runner not configured"}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad endpoint: %v", err)}
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot reach %s: %v", host, err),
			Fix:     "Start the webhook service or fix runners.http.endpoint",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s reachable", host)}
}

// checkWorkspace verifies the subprocess workspace directory is writable.
func checkWorkspace(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	dir := cfg.Runners.Subprocess.WorkspaceDir
	if dir == "" {
		return CheckResult{Status: StatusPass, Message: "no workspace directory configured"}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Fix permissions or change runners.subprocess.workspace_dir",
		}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Fix permissions or change runners.subprocess.workspace_dir",
		}
	}
	probe.Close()
	os.Remove(probe.Name())
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s writable", dir)}
}

// checkGateway verifies the gateway address is free and auth is set.
func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	gc := cfg.Gateway
	if !gc.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}

	ln, err := net.Listen("tcp", gc.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot bind %s: %v", gc.Addr, err),
			Fix:     "Stop the process using the port or change gateway.addr",
		}
	}
	ln.Close()

	if gc.Auth.Type == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s free, authentication disabled", gc.Addr),
			Fix:     "Set gateway.auth.type to static and add tokens",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s free, %d token(s) configured", gc.Addr, len(gc.Auth.Tokens)),
	}
}
