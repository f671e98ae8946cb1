package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"orchestra-ai/internal/adapter/runner"
	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/infra/config"
	"orchestra-ai/internal/usecase/multiagent"
)

// initRunners builds every runner the config enables. Echo is always present.
func initRunners(cfg *config.Config, log *slog.Logger) []domain.AgentRunner {
	runners := []domain.AgentRunner{runner.NewEchoRunner(cfg.Runners.Echo.Delay)}

	sub := cfg.Runners.Subprocess
	if len(sub.Command) > 0 || cfg.Runners.Default == "subprocess" {
		var ws *runner.Workspace
		if sub.WorkspaceDir != "" {
			ws = runner.NewWorkspace(sub.WorkspaceDir)
		}
		runners = append(runners, runner.NewSubprocessRunner(runner.SubprocessConfig{
			Command:        sub.Command,
			MaxOutputBytes: sub.MaxOutputBytes,
			Env:            sub.Env,
			Workspace:      ws,
		}, log))
	}

	hc := cfg.Runners.HTTP
	if hc.Endpoint != "" {
		client := &http.Client{Transport: runner.NewPooledTransport(hc.DialTimeout, runner.PoolConfig{
			MaxIdleConns:        hc.Pool.MaxIdleConns,
			MaxIdleConnsPerHost: hc.Pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:     hc.Pool.MaxConnsPerHost,
			IdleConnTimeout:     hc.Pool.IdleConnTimeout,
		})}
		runners = append(runners, runner.NewHTTPRunner(runner.HTTPConfig{
			Endpoint:         hc.Endpoint,
			Headers:          hc.Headers,
			MaxResponseBytes: hc.MaxResponseBytes,
		}, client, log))
	}

	names := make([]string, len(runners))
	for i, r := range runners {
		names[i] = r.Name()
	}
	log.Info("runners initialized", "runners", names, "default", cfg.Runners.Default)
	return runners
}

// initDispatcher wires the registry, admission, breakers and history into a
// dispatcher. The registry starts empty; the caller performs the first load.
func initDispatcher(cfg *config.Config, bus domain.EventBus, log *slog.Logger) (*multiagent.Dispatcher, error) {
	executor, err := multiagent.NewExecutor(initRunners(cfg, log), cfg.Runners.Default, log)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	d, err := multiagent.NewDispatcher(multiagent.DispatcherDeps{
		Registry:  multiagent.NewRegistry(log),
		Admission: multiagent.NewAdmissionController(cfg.Orchestrator.MaxConcurrentAgents),
		Executor:  executor,
		Breakers: multiagent.NewBreakerSet(multiagent.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			Cooldown:    cfg.Breaker.Cooldown,
		}, log),
		History:    multiagent.NewHistory(cfg.History.MaxEntries),
		Bus:        bus,
		Logger:     log,
		Sources:    cfg.Registry.Sources,
		MinOverlap: cfg.Orchestrator.MinOverlap,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	return d, nil
}
