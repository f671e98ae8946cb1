package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"orchestra-ai/internal/domain"
)

// DefaultMaxOutputBytes caps captured stdout when no limit is configured.
const DefaultMaxOutputBytes = 1 << 20

// SubprocessConfig configures SubprocessRunner.
type SubprocessConfig struct {
	// Command is used for agents whose definition carries no command.
	Command []string
	// MaxOutputBytes bounds captured stdout; stderr is capped at 64 KiB.
	MaxOutputBytes int64
	// Env is appended to the parent environment.
	Env []string
	// Workspace, when set, gives each invocation its own scratch directory.
	Workspace *Workspace
}

// SubprocessRunner runs an agent as a child process. The AgentCall is written
// to stdin as one JSON line and trimmed stdout becomes the output. A non-zero
// exit is a failure.
type SubprocessRunner struct {
	cfg    SubprocessConfig
	logger *slog.Logger
}

var _ domain.AgentRunner = (*SubprocessRunner)(nil)

// NewSubprocessRunner creates a subprocess runner.
func NewSubprocessRunner(cfg SubprocessConfig, logger *slog.Logger) *SubprocessRunner {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessRunner{cfg: cfg, logger: logger}
}

func (r *SubprocessRunner) Name() string { return "subprocess" }

// Run starts the command under ctx; cancelling ctx kills the process.
func (r *SubprocessRunner) Run(ctx context.Context, call domain.AgentCall) (string, error) {
	argv := call.Command
	if len(argv) == 0 {
		argv = r.cfg.Command
	}
	if len(argv) == 0 || argv[0] == "" {
		return "", fmt.Errorf("subprocess: no command configured for agent %s", call.AgentID)
	}

	input, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("subprocess: encode call: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"ORCHESTRA_AGENT_ID="+call.AgentID,
		"ORCHESTRA_TASK_ID="+call.TaskID,
		"ORCHESTRA_INVOCATION_ID="+call.InvocationID,
	)

	if r.cfg.Workspace != nil {
		dir, cleanup, err := r.cfg.Workspace.InvocationDir(call.AgentID, call.InvocationID)
		if err != nil {
			return "", fmt.Errorf("subprocess: %w", err)
		}
		defer cleanup()
		cmd.Dir = dir
	}

	stdout := &cappedBuffer{limit: r.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: 64 << 10}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("subprocess %s exited with code %d: %s",
				argv[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("subprocess %s: %w", argv[0], err)
	}
	if stdout.truncated {
		r.logger.Warn("subprocess output truncated",
			"agent_id", call.AgentID,
			"invocation_id", call.InvocationID,
			"limit_bytes", r.cfg.MaxOutputBytes,
		)
	}
	r.logger.Debug("subprocess finished",
		"agent_id", call.AgentID,
		"command", argv[0],
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return strings.TrimSpace(stdout.String()), nil
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// while still reporting full writes, so the child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
