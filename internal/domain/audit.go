package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditAgentRegister  AuditEventType = "agent_register"
	AuditAgentReplace   AuditEventType = "agent_replace"
	AuditAgentRemove    AuditEventType = "agent_remove"
	AuditRegistryReload AuditEventType = "registry_reload"
	AuditAgentInvoke    AuditEventType = "agent_invoke"
	AuditTaskDispatch   AuditEventType = "task_dispatch"
	AuditAccessDenied   AuditEventType = "access_denied"
)

// Audit outcomes.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditEvent represents a single auditable action on the management surface.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
