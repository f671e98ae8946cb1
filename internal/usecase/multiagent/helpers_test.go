package multiagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orchestra-ai/internal/domain"
)

// scriptedRunner is a deterministic runner whose per-agent behaviour is set
// by the test.
type scriptedRunner struct {
	mu     sync.Mutex
	delays map[string]time.Duration
	errs   map[string]error
	panics map[string]bool
	calls  atomic.Int32
	seen   []domain.AgentCall
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		delays: make(map[string]time.Duration),
		errs:   make(map[string]error),
		panics: make(map[string]bool),
	}
}

func (r *scriptedRunner) Name() string { return "scripted" }

func (r *scriptedRunner) setDelay(agentID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays[agentID] = d
}

func (r *scriptedRunner) setErr(agentID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.errs, agentID)
		return
	}
	r.errs[agentID] = err
}

func (r *scriptedRunner) setPanic(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panics[agentID] = true
}

func (r *scriptedRunner) Run(ctx context.Context, call domain.AgentCall) (string, error) {
	r.calls.Add(1)
	r.mu.Lock()
	delay := r.delays[call.AgentID]
	err := r.errs[call.AgentID]
	boom := r.panics[call.AgentID]
	r.seen = append(r.seen, call)
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if boom {
		panic("scripted panic")
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", call.AgentID, call.Prompt), nil
}

func (r *scriptedRunner) recorded() []domain.AgentCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AgentCall(nil), r.seen...)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func mustRegister(t *testing.T, r *Registry, def domain.AgentDefinition) Agent {
	t.Helper()
	a, err := r.Register(def, false)
	require.NoError(t, err)
	return a
}

func agentDef(id string, caps ...string) domain.AgentDefinition {
	return domain.AgentDefinition{
		ID:           id,
		Description:  id + " agent",
		Capabilities: caps,
	}
}

type testEngine struct {
	dispatcher *Dispatcher
	registry   *Registry
	runner     *scriptedRunner
	admission  *AdmissionController
	breakers   *BreakerSet
}

func newTestEngine(t *testing.T, maxConcurrent int, breaker BreakerConfig) *testEngine {
	t.Helper()
	logger := discardLogger()
	runner := newScriptedRunner()
	exec, err := NewExecutor([]domain.AgentRunner{runner}, runner.Name(), logger)
	require.NoError(t, err)

	reg := NewRegistry(logger)
	adm := NewAdmissionController(maxConcurrent)
	brk := NewBreakerSet(breaker, logger)
	d, err := NewDispatcher(DispatcherDeps{
		Registry:  reg,
		Admission: adm,
		Executor:  exec,
		Breakers:  brk,
		History:   NewHistory(10),
		Logger:    logger,
	})
	require.NoError(t, err)
	return &testEngine{dispatcher: d, registry: reg, runner: runner, admission: adm, breakers: brk}
}
