package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace manages per-agent working directories under a common base path.
type Workspace struct {
	baseDir string
}

// NewWorkspace creates a Workspace rooted at baseDir.
func NewWorkspace(baseDir string) *Workspace {
	return &Workspace{baseDir: baseDir}
}

// AgentDir returns (and creates) the working directory for the given agent.
// Path: <baseDir>/agents/<agentID>
func (w *Workspace) AgentDir(agentID string) (string, error) {
	if err := checkSegment("agent ID", agentID); err != nil {
		return "", err
	}
	dir := filepath.Join(w.baseDir, "agents", agentID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("workspace: create agent dir: %w", err)
	}
	return dir, nil
}

// InvocationDir creates a scratch directory for one invocation beneath the
// agent's directory and returns it with a cleanup function.
// Path: <baseDir>/agents/<agentID>/runs/<invocationID>
func (w *Workspace) InvocationDir(agentID, invocationID string) (string, func(), error) {
	if err := checkSegment("invocation ID", invocationID); err != nil {
		return "", nil, err
	}
	agentDir, err := w.AgentDir(agentID)
	if err != nil {
		return "", nil, err
	}
	dir := filepath.Join(agentDir, "runs", invocationID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("workspace: create invocation dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func checkSegment(what, s string) error {
	if s == "" {
		return fmt.Errorf("workspace: %s must not be empty", what)
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return fmt.Errorf("workspace: %s %q contains invalid path characters", what, s)
	}
	return nil
}
