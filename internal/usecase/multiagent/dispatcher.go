package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/infra/tracer"
)

// DispatcherDeps holds the collaborators of a Dispatcher. Registry, Admission
// and Executor are required.
type DispatcherDeps struct {
	Registry  *Registry
	Admission *AdmissionController
	Executor  *Executor
	Breakers  *BreakerSet
	History   *History
	Bus       domain.EventBus
	Logger    *slog.Logger

	// Sources are the directories Reload scans.
	Sources []string
	// MinOverlap is the smallest capability overlap an agent needs to join a
	// fan-out. Values below 1 mean 1.
	MinOverlap int
}

// DispatchStats counts requests and invocation outcomes since start.
type DispatchStats struct {
	Requests      int64 `json:"requests"`
	RequestErrors int64 `json:"request_errors"`
	Succeeded     int64 `json:"succeeded"`
	Failed        int64 `json:"failed"`
	TimedOut      int64 `json:"timed_out"`
	Rejected      int64 `json:"rejected"`
}

// EngineStatus is the operational snapshot exposed by the management surface.
type EngineStatus struct {
	Agents     int             `json:"agents"`
	Admission  AdmissionStats  `json:"admission"`
	Breakers   []BreakerStatus `json:"breakers"`
	Counters   DispatchStats   `json:"counters"`
	History    int             `json:"history"`
	MinOverlap int             `json:"min_overlap"`
}

// Dispatcher resolves task targets, runs the selected agents through the
// admission pool and breakers, and aggregates their results.
type Dispatcher struct {
	registry   *Registry
	admission  *AdmissionController
	executor   *Executor
	breakers   *BreakerSet
	history    *History
	bus        domain.EventBus
	logger     *slog.Logger
	sources    []string
	minOverlap int

	requests      atomic.Int64
	requestErrors atomic.Int64
	succeeded     atomic.Int64
	failed        atomic.Int64
	timedOut      atomic.Int64
	rejected      atomic.Int64
}

// NewDispatcher wires a dispatcher. Missing optional collaborators get
// defaults: a fresh BreakerSet and History and no event bus.
func NewDispatcher(deps DispatcherDeps) (*Dispatcher, error) {
	if deps.Registry == nil || deps.Admission == nil || deps.Executor == nil {
		return nil, fmt.Errorf("dispatcher: registry, admission and executor are required: %w", domain.ErrInvalidInput)
	}
	logger := deps.Logger
	if logger == nil {
		logger = discardLogger()
	}
	if deps.Breakers == nil {
		deps.Breakers = NewBreakerSet(BreakerConfig{}, logger)
	}
	if deps.History == nil {
		deps.History = NewHistory(DefaultHistoryEntries)
	}
	minOverlap := deps.MinOverlap
	if minOverlap < 1 {
		minOverlap = 1
	}

	d := &Dispatcher{
		registry:   deps.Registry,
		admission:  deps.Admission,
		executor:   deps.Executor,
		breakers:   deps.Breakers,
		history:    deps.History,
		bus:        deps.Bus,
		logger:     logger,
		sources:    append([]string(nil), deps.Sources...),
		minOverlap: minOverlap,
	}
	d.breakers.OnStateChange(func(agentID string, from, to gobreaker.State) {
		d.publish(context.Background(), domain.NewEvent(domain.EventCircuitStateChanged, "",
			domain.CircuitEventPayload{AgentID: agentID, From: from.String(), To: to.String()}))
	})
	return d, nil
}

// Registry returns the agent registry the dispatcher resolves against.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// History returns the recent-task history.
func (d *Dispatcher) History() *History { return d.history }

// Dispatch runs a task request to completion and returns the aggregated
// response. Request-shape problems (unknown agent, no capability match,
// path outside scope, malformed target) are returned as errors before any
// agent runs. Invocation failures are reported inside the response.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.TaskRequest) (*domain.AggregatedResponse, error) {
	d.requests.Add(1)
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.dispatch")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("task.id", req.TaskID))

	targets, err := d.resolve(req)
	if err != nil {
		d.requestErrors.Add(1)
		tracer.RecordError(span, err)
		d.logger.Info("task rejected", "task_id", req.TaskID, "error", err)
		return nil, err
	}
	span.SetAttributes(tracer.IntAttr("task.targets", len(targets)))

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	ids := make([]string, len(targets))
	for i, a := range targets {
		ids[i] = a.ID
	}
	d.publish(ctx, domain.NewEvent(domain.EventTaskDispatched, req.TaskID, map[string]any{"agents": ids}))
	d.logger.Debug("task dispatched", "task_id", req.TaskID, "agents", ids)

	start := time.Now()
	results := make([]domain.TaskResult, len(targets))
	var wg sync.WaitGroup
	for i, a := range targets {
		wg.Add(1)
		go func(i int, a Agent) {
			defer wg.Done()
			results[i] = d.runOne(ctx, a, req)
		}(i, a)
	}
	wg.Wait()

	resp := Aggregate(req.TaskID, start, results)
	d.history.Record(resp)
	d.publish(ctx, domain.NewEvent(domain.EventTaskCompleted, req.TaskID, map[string]any{
		"overall_status":    resp.OverallStatus,
		"total_duration_ms": resp.TotalDurationMS,
	}))
	if resp.OverallStatus == domain.OverallSucceeded {
		tracer.SetOK(span)
	}
	span.SetAttributes(tracer.StringAttr("task.status", string(resp.OverallStatus)))
	d.logger.Info("task completed",
		"task_id", req.TaskID,
		"status", string(resp.OverallStatus),
		"results", len(resp.Results),
		"duration_ms", resp.TotalDurationMS,
	)
	return &resp, nil
}

// Invoke runs a single named agent and returns its result.
func (d *Dispatcher) Invoke(ctx context.Context, agentID string, req domain.TaskRequest) (domain.TaskResult, error) {
	req.Target = domain.TaskTarget{AgentID: agentID}
	req.FanOut = false
	resp, err := d.Dispatch(ctx, req)
	if err != nil {
		return domain.TaskResult{}, err
	}
	return resp.Results[0], nil
}

// resolve validates the target and returns the agents to run, in dispatch order.
func (d *Dispatcher) resolve(req domain.TaskRequest) ([]Agent, error) {
	explicit := strings.TrimSpace(req.Target.AgentID) != ""
	byCaps := len(req.Target.Capabilities) > 0
	switch {
	case explicit && byCaps:
		return nil, domain.NewSubSystemError("dispatcher", "Dispatcher.resolve", domain.ErrInvalidInput,
			"target must name an agent or capabilities, not both")
	case !explicit && !byCaps:
		return nil, domain.NewSubSystemError("dispatcher", "Dispatcher.resolve", domain.ErrInvalidInput,
			"target must name an agent or capabilities")
	}

	var targets []Agent
	if explicit {
		a, err := d.registry.Get(req.Target.AgentID)
		if err != nil {
			return nil, err
		}
		targets = []Agent{a}
	} else {
		for _, tag := range req.Target.Capabilities {
			if strings.TrimSpace(tag) == "" {
				return nil, domain.NewSubSystemError("dispatcher", "Dispatcher.resolve", domain.ErrInvalidInput,
					"capability tags must not be blank")
			}
		}
		matches := d.registry.FindByCapabilities(req.Target.Capabilities)
		if !req.FanOut {
			if len(matches) > 0 {
				targets = []Agent{matches[0].Agent}
			}
		} else {
			for _, m := range matches {
				if m.Overlap >= d.minOverlap {
					targets = append(targets, m.Agent)
				}
			}
		}
		if len(targets) == 0 {
			return nil, domain.NewSubSystemError("dispatcher", "Dispatcher.resolve", domain.ErrCapabilityMismatch,
				strings.Join(req.Target.Capabilities, ","))
		}
	}

	if p, ok := req.Context[domain.ContextPath]; ok {
		for _, a := range targets {
			if err := checkScope(a.AgentDefinition, p); err != nil {
				return nil, err
			}
		}
	}
	return targets, nil
}

// errUnsuccessful marks a failed or timed-out invocation to the breaker.
var errUnsuccessful = errors.New("invocation unsuccessful")

// runOne takes one agent through breaker pre-check, admission and execution.
func (d *Dispatcher) runOne(ctx context.Context, a Agent, req domain.TaskRequest) domain.TaskResult {
	queued := time.Now()

	var res domain.TaskResult
	if d.breakers.Open(a.ID) {
		res = rejectedResult(req.TaskID, a.ID, queued, domain.RejectCircuitOpen,
			domain.NewSubSystemError("breaker", "Dispatcher.runOne", domain.ErrCircuitOpen, a.ID))
	} else if release, err := d.admission.Acquire(ctx); err != nil {
		reason := domain.RejectCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			reason = domain.RejectPoolSaturated
		}
		res = rejectedResult(req.TaskID, a.ID, queued, reason, err)
	} else {
		var execErr error
		res, execErr = d.breakers.Execute(a.ID, func() (domain.TaskResult, error) {
			r := d.executor.Run(ctx, a, req)
			if !r.Succeeded() {
				return r, errUnsuccessful
			}
			return r, nil
		})
		release()
		if errors.Is(execErr, domain.ErrCircuitOpen) {
			res = rejectedResult(req.TaskID, a.ID, queued, domain.RejectCircuitOpen, execErr)
		}
	}

	d.count(res.Status)
	d.publish(ctx, domain.NewEvent(domain.EventInvocationCompleted, req.TaskID, domain.InvocationEventPayload{
		AgentID:      res.AgentID,
		InvocationID: res.InvocationID,
		Status:       res.Status,
		DurationMS:   res.DurationMS,
	}))
	return res
}

func rejectedResult(taskID, agentID string, queued time.Time, reason domain.RejectReason, err error) domain.TaskResult {
	now := time.Now()
	return domain.TaskResult{
		TaskID:  taskID,
		AgentID: agentID,
		Status:  domain.StatusRejected,
		Error: &domain.TaskError{
			Code:    domain.ErrorCodeOf(err),
			Reason:  reason,
			Message: err.Error(),
		},
		StartedAt:  queued,
		EndedAt:    now,
		DurationMS: domain.DurationBetween(queued, now),
	}
}

func (d *Dispatcher) count(status domain.TaskStatus) {
	switch status {
	case domain.StatusSucceeded:
		d.succeeded.Add(1)
	case domain.StatusFailed:
		d.failed.Add(1)
	case domain.StatusTimedOut:
		d.timedOut.Add(1)
	case domain.StatusRejected:
		d.rejected.Add(1)
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev domain.Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(context.WithoutCancel(ctx), ev)
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Requests:      d.requests.Load(),
		RequestErrors: d.requestErrors.Load(),
		Succeeded:     d.succeeded.Load(),
		Failed:        d.failed.Load(),
		TimedOut:      d.timedOut.Load(),
		Rejected:      d.rejected.Load(),
	}
}

// Status returns the operational snapshot.
func (d *Dispatcher) Status() EngineStatus {
	return EngineStatus{
		Agents:     d.registry.Len(),
		Admission:  d.admission.Stats(),
		Breakers:   d.breakers.Statuses(),
		Counters:   d.Stats(),
		History:    d.history.Len(),
		MinOverlap: d.minOverlap,
	}
}

// Register adds or overwrites an agent over the management surface.
func (d *Dispatcher) Register(def domain.AgentDefinition, overwrite bool) (Agent, error) {
	if !d.executor.HasRunner(def.Runner) {
		return Agent{}, domain.NewSubSystemError("dispatcher", "Dispatcher.Register", domain.ErrInvalidInput,
			fmt.Sprintf("unknown runner %q", def.Runner))
	}
	a, err := d.registry.Register(def, overwrite)
	if err != nil {
		return Agent{}, err
	}
	d.breakers.Forget(a.ID)
	d.publish(context.Background(), domain.NewEvent(domain.EventAgentRegistered, "", a.Summary()))
	return a, nil
}

// Replace swaps an existing agent's definition.
func (d *Dispatcher) Replace(def domain.AgentDefinition) (Agent, error) {
	if !d.executor.HasRunner(def.Runner) {
		return Agent{}, domain.NewSubSystemError("dispatcher", "Dispatcher.Replace", domain.ErrInvalidInput,
			fmt.Sprintf("unknown runner %q", def.Runner))
	}
	a, err := d.registry.Replace(def)
	if err != nil {
		return Agent{}, err
	}
	d.breakers.Forget(a.ID)
	d.publish(context.Background(), domain.NewEvent(domain.EventAgentRegistered, "", a.Summary()))
	return a, nil
}

// Remove unregisters an agent and drops its breaker.
func (d *Dispatcher) Remove(id string) error {
	if err := d.registry.Remove(id); err != nil {
		return err
	}
	d.breakers.Forget(id)
	d.publish(context.Background(), domain.NewEvent(domain.EventAgentRemoved, "", map[string]string{"agent_id": id}))
	return nil
}

// Reload re-reads the configured agent sources into the registry.
func (d *Dispatcher) Reload(ctx context.Context) (LoadReport, error) {
	report, err := d.registry.Load(ctx, d.sources)
	if err != nil {
		d.logger.Warn("agent registry reload failed, keeping previous table", "error", err)
		return report, err
	}
	skipped := make([]string, 0, len(report.Skipped))
	for _, s := range report.Skipped {
		skipped = append(skipped, s.Path)
	}
	d.publish(ctx, domain.NewEvent(domain.EventRegistryReloaded, "",
		domain.RegistryEventPayload{Loaded: report.Loaded, Skipped: skipped}))
	return report, nil
}
