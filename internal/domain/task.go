package domain

import "time"

// TaskTarget selects agents either by explicit id or by capability query.
// Exactly one of the two fields is set on a well-formed request.
type TaskTarget struct {
	AgentID      string   `json:"agent_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// IsExplicit reports whether the target names a single agent.
func (t TaskTarget) IsExplicit() bool { return t.AgentID != "" }

// TaskRequest is the input to the dispatcher.
type TaskRequest struct {
	TaskID   string            `json:"task_id"`
	Target   TaskTarget        `json:"target"`
	FanOut   bool              `json:"fan_out"`
	Payload  string            `json:"payload"`
	Context  map[string]string `json:"context,omitempty"`
	Deadline time.Time         `json:"deadline,omitzero"`
}

// ContextPath is the request context key checked against agent path scopes.
const ContextPath = "path"

// TaskStatus is the terminal state of one invocation.
type TaskStatus string

const (
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusTimedOut  TaskStatus = "timed_out"
	StatusRejected  TaskStatus = "rejected"
)

// RejectReason explains why an invocation never ran.
type RejectReason string

const (
	RejectCircuitOpen   RejectReason = "circuit_open"
	RejectPoolSaturated RejectReason = "pool_saturated"
	RejectCancelled     RejectReason = "cancelled"
)

// TaskError is the structured failure detail carried by failed and rejected results.
type TaskError struct {
	Code    ErrorCode    `json:"code"`
	Reason  RejectReason `json:"reason,omitempty"`
	Message string       `json:"message"`
}

// TaskResult is the outcome of exactly one physical attempt to run one agent.
type TaskResult struct {
	TaskID       string     `json:"task_id"`
	AgentID      string     `json:"agent_id"`
	InvocationID string     `json:"invocation_id,omitempty"`
	Status       TaskStatus `json:"status"`
	Output       string     `json:"output,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at"`
	DurationMS   int64      `json:"duration_ms"`
}

// Succeeded reports whether the agent ran and returned output.
func (r TaskResult) Succeeded() bool { return r.Status == StatusSucceeded }

// DurationBetween returns the non-negative millisecond span between two
// instants. Both carry monotonic readings when produced by time.Now.
func DurationBetween(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// OverallStatus summarises an aggregated response.
type OverallStatus string

const (
	OverallSucceeded OverallStatus = "succeeded"
	OverallPartial   OverallStatus = "partial"
	OverallFailed    OverallStatus = "failed"
)

// AggregatedResponse combines every result produced for one task request.
// Results are in dispatch order, not completion order.
type AggregatedResponse struct {
	TaskID          string        `json:"task_id"`
	Results         []TaskResult  `json:"results"`
	OverallStatus   OverallStatus `json:"overall_status"`
	TotalDurationMS int64         `json:"total_duration_ms"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
}
