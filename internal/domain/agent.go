package domain

import (
	"context"
	"time"
)

// DefaultTimeoutSeconds applies when an agent definition omits timeout_seconds.
const DefaultTimeoutSeconds = 30

// SourceKind tags how an agent definition was authored.
type SourceKind string

const (
	// SourceStructured is a pure key-value document (YAML or JSON).
	SourceStructured SourceKind = "structured"
	// SourceTemplated is a YAML header block followed by a prompt template.
	SourceTemplated SourceKind = "templated"
)

// AgentDefinition describes a named, independently invokable agent.
// Definitions are immutable once registered; replacing one swaps the whole value.
type AgentDefinition struct {
	ID             string     `json:"id"                        yaml:"-"`
	Description    string     `json:"description"               yaml:"description"`
	Capabilities   []string   `json:"capabilities,omitempty"    yaml:"capabilities,omitempty"`
	AllowedPaths   []string   `json:"allowed_paths,omitempty"   yaml:"allowed_paths,omitempty"`
	ForbiddenPaths []string   `json:"forbidden_paths,omitempty" yaml:"forbidden_paths,omitempty"`
	Model          string     `json:"model,omitempty"           yaml:"model,omitempty"`
	Temperature    *float64   `json:"temperature,omitempty"     yaml:"temperature,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds"           yaml:"timeout_seconds,omitempty"`
	Runner         string     `json:"runner,omitempty"          yaml:"runner,omitempty"`
	Command        []string   `json:"command,omitempty"         yaml:"command,omitempty"`
	SourceKind     SourceKind `json:"source_kind"               yaml:"-"`
	Prompt         string     `json:"prompt,omitempty"          yaml:"-"`
	SourcePath     string     `json:"source_path,omitempty"     yaml:"-"`
	LoadedAt       time.Time  `json:"loaded_at"                 yaml:"-"`
}

// Timeout returns the per-invocation deadline for this agent.
func (d AgentDefinition) Timeout() time.Duration {
	secs := d.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// HasCapability reports whether the agent declares the given tag.
func (d AgentDefinition) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// AgentSummary is the listing view of a definition.
type AgentSummary struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

// Summary returns the listing view of d.
func (d AgentDefinition) Summary() AgentSummary {
	caps := d.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return AgentSummary{ID: d.ID, Description: d.Description, Capabilities: caps}
}

// AgentCall is everything a runner receives for one physical invocation.
// Each call owns its Context map; runners may not share it with other calls.
type AgentCall struct {
	InvocationID string            `json:"invocation_id"`
	TaskID       string            `json:"task_id"`
	AgentID      string            `json:"agent_id"`
	Model        string            `json:"model,omitempty"`
	Temperature  *float64          `json:"temperature,omitempty"`
	Prompt       string            `json:"prompt"`
	Payload      string            `json:"payload"`
	Context      map[string]string `json:"context,omitempty"`
	Command      []string          `json:"-"`
}

// AgentRunner performs the actual work of an agent body: a subprocess, a
// network call, or an in-process function. The engine treats it as opaque.
type AgentRunner interface {
	Name() string
	Run(ctx context.Context, call AgentCall) (string, error)
}
