package multiagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"orchestra-ai/internal/domain"
)

// Agent is a registered definition together with its resolved prompt strategy.
type Agent struct {
	domain.AgentDefinition
	body promptBody
}

// Definition returns a copy of the agent's definition.
func (a Agent) Definition() domain.AgentDefinition { return a.AgentDefinition }

// RenderPrompt builds the prompt for one invocation of the agent.
func (a Agent) RenderPrompt(taskID, payload string, ctx map[string]string) (string, error) {
	if a.body == nil {
		return payload, nil
	}
	return a.body.render(promptInput{
		TaskID:  taskID,
		Payload: payload,
		Context: ctx,
		Agent:   a.AgentDefinition,
	})
}

// CapabilityMatch is one candidate returned by a capability query.
type CapabilityMatch struct {
	Agent   Agent
	Overlap int
}

// SkippedSource records a document that was not loaded and why.
type SkippedSource struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// LoadReport summarises one Load call.
type LoadReport struct {
	Loaded     int             `json:"loaded"`
	Skipped    []SkippedSource `json:"skipped,omitempty"`
	Overridden []string        `json:"overridden,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// table is an immutable snapshot of the registry. Writers build a new table
// and publish it with a single pointer store.
type table map[string]Agent

// Registry is the agent lookup table. Reads are lock-free against the current
// snapshot; writes are serialized and swap in a whole new snapshot, so readers
// observe either the old table or the new one, never a mix.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[table]
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = discardLogger()
	}
	r := &Registry{logger: logger, now: time.Now}
	empty := make(table)
	r.current.Store(&empty)
	return r
}

func (r *Registry) snapshot() table { return *r.current.Load() }

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.snapshot()) }

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (Agent, error) {
	a, ok := r.snapshot()[id]
	if !ok {
		return Agent{}, domain.NewSubSystemError("registry", "Registry.Get", domain.ErrAgentNotFound, id)
	}
	return a, nil
}

// List returns every registered agent sorted by id.
func (r *Registry) List() []Agent {
	snap := r.snapshot()
	out := make([]Agent, 0, len(snap))
	for _, a := range snap {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapabilities returns every agent sharing at least one tag with
// required, ranked by overlap (descending) then id (ascending).
func (r *Registry) FindByCapabilities(required []string) []CapabilityMatch {
	want := dedupeTags(required)
	if len(want) == 0 {
		return nil
	}
	var matches []CapabilityMatch
	for _, a := range r.snapshot() {
		n := 0
		for _, tag := range want {
			if a.HasCapability(tag) {
				n++
			}
		}
		if n > 0 {
			matches = append(matches, CapabilityMatch{Agent: a, Overlap: n})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Overlap != matches[j].Overlap {
			return matches[i].Overlap > matches[j].Overlap
		}
		return matches[i].Agent.ID < matches[j].Agent.ID
	})
	return matches
}

// build normalizes def and resolves its prompt strategy.
func (r *Registry) build(def domain.AgentDefinition) (Agent, error) {
	def, err := normalize(def)
	if err != nil {
		return Agent{}, err
	}
	body, err := resolveBody(def)
	if err != nil {
		return Agent{}, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if def.LoadedAt.IsZero() {
		def.LoadedAt = r.now()
	}
	return Agent{AgentDefinition: def, body: body}, nil
}

// mutate applies fn to a copy of the current table and publishes the result.
func (r *Registry) mutate(fn func(next table) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	next := make(table, len(cur)+1)
	for id, a := range cur {
		next[id] = a
	}
	if err := fn(next); err != nil {
		return err
	}
	r.current.Store(&next)
	return nil
}

// Register adds an agent. An existing id is replaced only when overwrite is set;
// otherwise ErrAgentExists is returned.
func (r *Registry) Register(def domain.AgentDefinition, overwrite bool) (Agent, error) {
	a, err := r.build(def)
	if err != nil {
		return Agent{}, domain.WrapOp("Registry.Register", err)
	}
	err = r.mutate(func(next table) error {
		if _, exists := next[a.ID]; exists && !overwrite {
			return domain.NewSubSystemError("registry", "Registry.Register", domain.ErrAgentExists, a.ID)
		}
		next[a.ID] = a
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	r.logger.Info("agent registered", "agent_id", a.ID, "source_kind", string(a.SourceKind))
	return a, nil
}

// Replace swaps the definition of an existing agent.
func (r *Registry) Replace(def domain.AgentDefinition) (Agent, error) {
	a, err := r.build(def)
	if err != nil {
		return Agent{}, domain.WrapOp("Registry.Replace", err)
	}
	err = r.mutate(func(next table) error {
		if _, exists := next[a.ID]; !exists {
			return domain.NewSubSystemError("registry", "Registry.Replace", domain.ErrAgentNotFound, a.ID)
		}
		next[a.ID] = a
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	r.logger.Info("agent replaced", "agent_id", a.ID)
	return a, nil
}

// Remove unregisters an agent.
func (r *Registry) Remove(id string) error {
	err := r.mutate(func(next table) error {
		if _, exists := next[id]; !exists {
			return domain.NewSubSystemError("registry", "Registry.Remove", domain.ErrAgentNotFound, id)
		}
		delete(next, id)
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("agent removed", "agent_id", id)
	return nil
}

// Load scans each source directory (non-recursively) and replaces the whole
// table with the definitions found. Unusable documents are skipped with a
// warning. When a later source defines an id already seen, the later one wins.
//
// Load keeps the previous table and returns ErrConfigLoad only when it finds no
// valid definition while the previous table was non-empty.
func (r *Registry) Load(ctx context.Context, sources []string) (LoadReport, error) {
	start := r.now()
	var report LoadReport
	loaded := make(table)

	for _, dir := range sources {
		if err := ctx.Err(); err != nil {
			return report, domain.WrapOp("Registry.Load", err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("agent source directory does not exist", "dir", dir)
			} else {
				r.logger.Warn("skip unreadable agent source directory", "dir", dir, "error", err)
			}
			report.Skipped = append(report.Skipped, SkippedSource{Path: dir, Reason: err.Error()})
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, ok := documentKind(name); !ok {
				continue
			}
			file := filepath.Join(dir, name)
			a, err := r.loadFile(file)
			if err != nil {
				r.logger.Warn("skip invalid agent document", "file", file, "error", err)
				report.Skipped = append(report.Skipped, SkippedSource{Path: file, Reason: err.Error()})
				continue
			}
			if prev, dup := loaded[a.ID]; dup {
				r.logger.Warn("agent definition overridden by later source",
					"agent_id", a.ID, "previous", prev.SourcePath, "file", file)
				report.Overridden = append(report.Overridden, a.ID)
			}
			loaded[a.ID] = a
		}
	}

	report.Loaded = len(loaded)
	report.Duration = r.now().Sub(start)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(loaded) == 0 && len(r.snapshot()) > 0 {
		return report, domain.NewSubSystemError("registry", "Registry.Load", domain.ErrConfigLoad,
			fmt.Sprintf("no valid agent definitions in %s", strings.Join(sources, ", ")))
	}
	r.current.Store(&loaded)
	r.logger.Info("agent registry loaded", "count", len(loaded), "skipped", len(report.Skipped))
	return report, nil
}

func (r *Registry) loadFile(file string) (Agent, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Agent{}, err
	}
	name := filepath.Base(file)
	id := strings.TrimSuffix(name, filepath.Ext(name))
	def, err := ParseDocument(id, name, data)
	if err != nil {
		return Agent{}, err
	}
	def.SourcePath = file
	def.LoadedAt = r.now()
	return r.build(def)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
