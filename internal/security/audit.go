// Package security holds the audit trail of the management surface.
package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/infra/tracer"
)

const auditFileMode = 0o600

// RetentionPolicy controls how long audit entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

// FileAuditLogger implements domain.AuditLogger by appending JSON lines to a
// file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention RetentionPolicy
	now       func() time.Time
}

var _ domain.AuditLogger = (*FileAuditLogger)(nil)

// NewFileAuditLogger opens path for appending, creating it with mode 0600.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditFileMode)
}

// SetRetention configures the policy applied by EnforceRetention.
func (a *FileAuditLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	a.retention = policy
	a.mu.Unlock()
}

// Log writes an event as a single JSON line. When ctx carries a recording
// span the event is also attached to it.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{
			tracer.StringAttr("audit.actor", event.Actor),
			tracer.StringAttr("audit.resource", event.Resource),
			tracer.StringAttr("audit.outcome", event.Outcome),
		}
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the audit log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the log keeping only entries newer than MaxAge,
// then drops the oldest entries until the file fits MaxSize. Logging is
// blocked while the file is rewritten.
func (a *FileAuditLogger) EnforceRetention(ctx context.Context) (removed int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policy := a.retention
	if policy.MaxAge <= 0 && policy.MaxSize <= 0 {
		return 0, nil
	}
	if policy.MaxAge <= 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = a.now().Add(-policy.MaxAge)
	}

	kept, removed, err := a.readKept(cutoff)
	if err != nil {
		return 0, err
	}

	var size int64
	for _, line := range kept {
		size += int64(len(line)) + 1
	}
	for policy.MaxSize > 0 && size > policy.MaxSize && len(kept) > 0 {
		size -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if err := a.rewrite(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// readKept returns the lines whose timestamp is not before cutoff. Lines
// without a parseable timestamp are kept.
func (a *FileAuditLogger) readKept(cutoff time.Time) (kept [][]byte, removed int, err error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, removed, nil
}

// rewrite replaces the log with lines via a temp file and reopens it. Must be
// called with a.mu held.
func (a *FileAuditLogger) rewrite(lines [][]byte) error {
	tmpPath := a.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, auditFileMode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	a.file.Close()
	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		a.file, _ = openAppend(a.path)
		return fmt.Errorf("rename temp file: %w", err)
	}
	a.file, err = openAppend(a.path)
	if err != nil {
		return fmt.Errorf("reopen after retention: %w", err)
	}
	return nil
}
