package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/infra/tracer"
)

// Executor runs one agent invocation under its own deadline. It never shares
// state between invocations: each run gets a fresh id and its own copy of the
// request context.
type Executor struct {
	runners       map[string]domain.AgentRunner
	defaultRunner string
	logger        *slog.Logger

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewExecutor creates an executor over the given runners. defaultRunner names
// the runner used by definitions that do not choose one.
func NewExecutor(runners []domain.AgentRunner, defaultRunner string, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = discardLogger()
	}
	byName := make(map[string]domain.AgentRunner, len(runners))
	for _, r := range runners {
		if _, dup := byName[r.Name()]; dup {
			return nil, fmt.Errorf("runner %q: %w", r.Name(), domain.ErrDuplicate)
		}
		byName[r.Name()] = r
	}
	if _, ok := byName[defaultRunner]; !ok {
		return nil, domain.NewSubSystemError("executor", "NewExecutor", domain.ErrRunnerNotFound, defaultRunner)
	}
	now := time.Now()
	return &Executor{
		runners:       byName,
		defaultRunner: defaultRunner,
		logger:        logger,
		entropy:       ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
	}, nil
}

// RunnerNames lists the configured runners.
func (e *Executor) RunnerNames() []string {
	names := make([]string, 0, len(e.runners))
	for n := range e.runners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasRunner reports whether name (or the default, when empty) is configured.
func (e *Executor) HasRunner(name string) bool {
	if name == "" {
		return true
	}
	_, ok := e.runners[name]
	return ok
}

func (e *Executor) newInvocationID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.entropy).String()
}

type runOutcome struct {
	output string
	err    error
}

// Run executes agent for req and always returns a terminal result: succeeded,
// failed (body error or panic) or timed_out (agent deadline or caller
// cancellation reached first).
func (e *Executor) Run(ctx context.Context, agent Agent, req domain.TaskRequest) domain.TaskResult {
	res := domain.TaskResult{
		TaskID:       req.TaskID,
		AgentID:      agent.ID,
		InvocationID: e.newInvocationID(),
		StartedAt:    time.Now(),
	}
	callCtx := cloneContext(req.Context)

	ctx, span := tracer.StartSpan(ctx, "orchestrator.invoke")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("agent.id", agent.ID),
		tracer.StringAttr("task.id", req.TaskID),
		tracer.StringAttr("invocation.id", res.InvocationID),
	)

	finish := func(status domain.TaskStatus, output string, err error) domain.TaskResult {
		res.EndedAt = time.Now()
		res.DurationMS = domain.DurationBetween(res.StartedAt, res.EndedAt)
		res.Status = status
		switch status {
		case domain.StatusSucceeded:
			res.Output = output
			tracer.SetOK(span)
		case domain.StatusFailed:
			res.Error = &domain.TaskError{Code: domain.ErrorCodeOf(err), Message: err.Error()}
			tracer.RecordError(span, err)
		case domain.StatusTimedOut:
			tracer.RecordError(span, err)
		}
		span.SetAttributes(
			tracer.StringAttr("status", string(status)),
			tracer.Int64Attr("duration_ms", res.DurationMS),
		)
		e.logger.Debug("agent invocation finished",
			"agent_id", agent.ID,
			"task_id", req.TaskID,
			"invocation_id", res.InvocationID,
			"status", string(status),
			"duration_ms", res.DurationMS,
		)
		return res
	}

	prompt, err := agent.RenderPrompt(req.TaskID, req.Payload, callCtx)
	if err != nil {
		return finish(domain.StatusFailed, "", domain.NewSubSystemError("executor", "Executor.Run", domain.ErrExecution, err.Error()))
	}

	name := agent.Runner
	if name == "" {
		name = e.defaultRunner
	}
	runner, ok := e.runners[name]
	if !ok {
		return finish(domain.StatusFailed, "", domain.NewSubSystemError("executor", "Executor.Run", domain.ErrRunnerNotFound, name))
	}

	call := domain.AgentCall{
		InvocationID: res.InvocationID,
		TaskID:       req.TaskID,
		AgentID:      agent.ID,
		Model:        agent.Model,
		Temperature:  agent.Temperature,
		Prompt:       prompt,
		Payload:      req.Payload,
		Context:      callCtx,
		Command:      agent.Command,
	}

	runCtx, cancel := context.WithTimeout(ctx, agent.Timeout())
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: fmt.Errorf("agent body panicked: %v", r)}
			}
		}()
		out, err := runner.Run(runCtx, call)
		done <- runOutcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return finish(domain.StatusSucceeded, o.output, nil)
		}
		if runCtx.Err() != nil && errors.Is(o.err, runCtx.Err()) {
			return finish(domain.StatusTimedOut, "", timeoutError(runCtx, agent))
		}
		return finish(domain.StatusFailed, "", domain.NewSubSystemError("executor", "Executor.Run", domain.ErrExecution, o.err.Error()))
	case <-runCtx.Done():
		return finish(domain.StatusTimedOut, "", timeoutError(runCtx, agent))
	}
}

func timeoutError(ctx context.Context, agent Agent) error {
	return fmt.Errorf("%w after %s (%s): %w", domain.ErrInvocationTimeout, agent.Timeout(), agent.ID, ctx.Err())
}

func cloneContext(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
