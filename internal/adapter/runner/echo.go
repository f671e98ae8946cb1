// Package runner provides the agent-body backends the executor hands rendered
// prompts to.
package runner

import (
	"context"
	"time"

	"orchestra-ai/internal/domain"
)

// EchoRunner returns the rendered prompt as the agent's output. It is the
// deterministic backend used for dry runs and tests; Delay simulates work.
type EchoRunner struct {
	Delay time.Duration
}

var _ domain.AgentRunner = EchoRunner{}

// NewEchoRunner creates an echo runner with the given simulated delay.
func NewEchoRunner(delay time.Duration) EchoRunner {
	return EchoRunner{Delay: delay}
}

func (EchoRunner) Name() string { return "echo" }

// Run waits for Delay (or ctx) and echoes the prompt back.
func (r EchoRunner) Run(ctx context.Context, call domain.AgentCall) (string, error) {
	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return call.Prompt, nil
}
