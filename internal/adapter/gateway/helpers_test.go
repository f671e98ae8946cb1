package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"orchestra-ai/internal/adapter/runner"
	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/usecase/multiagent"
)

// --- test doubles ---

type testBus struct {
	mu       sync.Mutex
	handlers []domain.EventHandler
}

func (b *testBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	hs := make([]domain.EventHandler, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, event)
	}
}

func (b *testBus) Subscribe(_ domain.EventType, _ domain.EventHandler) func() { return func() {} }

func (b *testBus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	// The server is the only subscriber in these tests.
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers = nil
	}
}

func (b *testBus) Close() {}

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]TokenEntry{
		{Token: "test-token", Name: "tester", Roles: []string{RoleAdmin}},
		{Token: "op-token", Name: "ops", Roles: []string{RoleOperator}},
		{Token: "view-token", Name: "dashboard", Roles: []string{RoleViewer}},
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcRunner adapts a function to domain.AgentRunner.
type funcRunner struct {
	name string
	fn   func(ctx context.Context, call domain.AgentCall) (string, error)
}

func (r funcRunner) Name() string { return r.name }

func (r funcRunner) Run(ctx context.Context, call domain.AgentCall) (string, error) {
	return r.fn(ctx, call)
}

// newTestDispatcher builds a dispatcher with three runners: echo, "fail"
// (always errors) and "block" (waits for its deadline). Breakers open after
// a single failure.
func newTestDispatcher(t *testing.T, bus domain.EventBus, sources ...string) *multiagent.Dispatcher {
	t.Helper()
	logger := discardLogger()
	runners := []domain.AgentRunner{
		runner.NewEchoRunner(0),
		funcRunner{name: "fail", fn: func(context.Context, domain.AgentCall) (string, error) {
			return "", errors.New("model unavailable")
		}},
		funcRunner{name: "block", fn: func(ctx context.Context, _ domain.AgentCall) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}},
	}
	exec, err := multiagent.NewExecutor(runners, "echo", logger)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	d, err := multiagent.NewDispatcher(multiagent.DispatcherDeps{
		Registry:  multiagent.NewRegistry(logger),
		Admission: multiagent.NewAdmissionController(4),
		Executor:  exec,
		Breakers:  multiagent.NewBreakerSet(multiagent.BreakerConfig{MaxFailures: 1, Cooldown: time.Minute}, logger),
		History:   multiagent.NewHistory(10),
		Bus:       bus,
		Logger:    logger,
		Sources:   sources,
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func mustRegister(t *testing.T, d *multiagent.Dispatcher, def domain.AgentDefinition) {
	t.Helper()
	if _, err := d.Register(def, false); err != nil {
		t.Fatalf("Register(%s): %v", def.ID, err)
	}
}

// seedAgents registers the agents most handler tests work with.
func seedAgents(t *testing.T, d *multiagent.Dispatcher) {
	t.Helper()
	mustRegister(t, d, domain.AgentDefinition{
		ID: "reviewer", Description: "Reviews code", Capabilities: []string{"review", "go"},
		AllowedPaths: []string{"/repo/src"},
	})
	mustRegister(t, d, domain.AgentDefinition{
		ID: "linter", Description: "Lints code", Capabilities: []string{"review", "lint"},
	})
	mustRegister(t, d, domain.AgentDefinition{
		ID: "flaky", Description: "Always fails", Capabilities: []string{"flaky"}, Runner: "fail",
	})
	mustRegister(t, d, domain.AgentDefinition{
		ID: "sleeper", Description: "Never finishes", Capabilities: []string{"slow"}, Runner: "block", TimeoutSeconds: 1,
	})
}
