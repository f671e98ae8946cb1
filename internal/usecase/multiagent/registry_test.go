package multiagent

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestra-ai/internal/domain"
)

const reviewerYAML = `description: Reviews code changes
capabilities: [review, security_review, review]
allowed_paths: ["/src/", "/docs"]
forbidden_paths: ["/src/secrets"]
model: large
temperature: 0.2
`

const testerMD = `---
description: Runs the test suite
capabilities:
  - test
timeout_seconds: 5
---
Run the tests for {{.Payload}} in {{index .Context "path" | default "."}}.
`

func TestParseDocumentStructured(t *testing.T) {
	d, err := ParseDocument("code-reviewer", "code-reviewer.yaml", []byte(reviewerYAML))
	require.NoError(t, err)

	assert.Equal(t, "code-reviewer", d.ID)
	assert.Equal(t, domain.SourceStructured, d.SourceKind)
	assert.Equal(t, "Reviews code changes", d.Description)
	assert.Equal(t, "large", d.Model)
	require.NotNil(t, d.Temperature)
	assert.InDelta(t, 0.2, *d.Temperature, 1e-9)
	assert.Empty(t, d.Prompt)
}

func TestParseDocumentJSON(t *testing.T) {
	doc := `{"description": "Lints", "capabilities": ["lint"], "timeout_seconds": 12}`
	d, err := ParseDocument("linter", "linter.json", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"lint"}, d.Capabilities)
	assert.Equal(t, 12, d.TimeoutSeconds)
}

func TestParseDocumentPassesTemperatureThrough(t *testing.T) {
	for _, temp := range []float64{-0.5, 0, 7.5} {
		doc := fmt.Sprintf("description: tuned\ntemperature: %g\n", temp)
		d, err := ParseDocument("tuned", "tuned.yaml", []byte(doc))
		require.NoError(t, err, "temperature %g", temp)
		require.NotNil(t, d.Temperature)
		assert.InDelta(t, temp, *d.Temperature, 1e-9)
	}
}

func TestParseDocumentTemplated(t *testing.T) {
	d, err := ParseDocument("test-runner", "test-runner.md", []byte(testerMD))
	require.NoError(t, err)

	assert.Equal(t, domain.SourceTemplated, d.SourceKind)
	assert.Equal(t, 5, d.TimeoutSeconds)
	assert.Contains(t, d.Prompt, "Run the tests for {{.Payload}}")
}

func TestParseDocumentRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		doc  string
	}{
		{"missing description", "a.yaml", "capabilities: [x]\n"},
		{"blank description", "a.yaml", "description: '   '\n"},
		{"zero timeout", "a.yaml", "description: x\ntimeout_seconds: 0\n"},
		{"fractional timeout", "a.yaml", "description: x\ntimeout_seconds: 1.5\n"},
		{"capabilities not a list", "a.yaml", "description: x\ncapabilities: review\n"},
		{"malformed yaml", "a.yaml", "description: [unterminated\n"},
		{"empty", "a.yaml", ""},
		{"no header", "a.md", "just text\n"},
		{"unclosed header", "a.md", "---\ndescription: x\n"},
		{"unsupported extension", "a.txt", "description: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument("a", tt.file, []byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestRegistryLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "code-reviewer.yaml", reviewerYAML)
	writeFile(t, dir, "test-runner.md", testerMD)
	writeFile(t, dir, "broken.yaml", "capabilities: [x]\n")
	writeFile(t, dir, "empty-prompt.md", "---\ndescription: nothing to say\n---\n")
	writeFile(t, dir, "README.txt", "not an agent")

	r := NewRegistry(discardLogger())
	report, err := r.Load(context.Background(), []string{dir})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Loaded)
	assert.Len(t, report.Skipped, 2)
	assert.Equal(t, 2, r.Len())

	rev, err := r.Get("code-reviewer")
	require.NoError(t, err)
	assert.Equal(t, []string{"review", "security_review"}, rev.Capabilities, "capabilities are deduplicated")
	assert.Equal(t, []string{"/src", "/docs"}, rev.AllowedPaths, "paths are cleaned")
	assert.Equal(t, domain.DefaultTimeoutSeconds, rev.TimeoutSeconds)
	assert.Equal(t, filepath.Join(dir, "code-reviewer.yaml"), rev.SourcePath)
	assert.False(t, rev.LoadedAt.IsZero())

	tr, err := r.Get("test-runner")
	require.NoError(t, err)
	prompt, err := tr.RenderPrompt("t1", "pkg/foo", map[string]string{"path": "/src"})
	require.NoError(t, err)
	assert.Equal(t, "Run the tests for pkg/foo in /src.", prompt)

	prompt, err = tr.RenderPrompt("t1", "pkg/foo", nil)
	require.NoError(t, err)
	assert.Equal(t, "Run the tests for pkg/foo in ..", prompt)
}

func TestRegistryLoadLaterSourceWins(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, first, "helper.yaml", "description: first\n")
	writeFile(t, second, "helper.yaml", "description: second\n")

	r := NewRegistry(discardLogger())
	report, err := r.Load(context.Background(), []string{first, second})
	require.NoError(t, err)

	a, err := r.Get("helper")
	require.NoError(t, err)
	assert.Equal(t, "second", a.Description)
	assert.Equal(t, []string{"helper"}, report.Overridden)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryLoadMissingDirIsWarning(t *testing.T) {
	r := NewRegistry(discardLogger())
	report, err := r.Load(context.Background(), []string{filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Loaded)
	assert.Len(t, report.Skipped, 1)
}

func TestRegistryLoadKeepsTableWhenNothingValid(t *testing.T) {
	good, bad := t.TempDir(), t.TempDir()
	writeFile(t, good, "helper.yaml", "description: ok\n")
	writeFile(t, bad, "broken.yaml", "model: x\n")

	r := NewRegistry(discardLogger())
	_, err := r.Load(context.Background(), []string{good})
	require.NoError(t, err)

	_, err = r.Load(context.Background(), []string{bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)

	_, err = r.Get("helper")
	assert.NoError(t, err, "previous table must survive a failed load")
}

func TestRegistryLoadReplacesAPIRegistrations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "helper.yaml", "description: from disk\n")

	r := NewRegistry(discardLogger())
	mustRegister(t, r, agentDef("adhoc", "x"))

	_, err := r.Load(context.Background(), []string{dir})
	require.NoError(t, err)
	_, err = r.Get("adhoc")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestRegistryUniqueness(t *testing.T) {
	r := NewRegistry(discardLogger())
	mustRegister(t, r, agentDef("reviewer", "review"))

	_, err := r.Register(agentDef("reviewer", "other"), false)
	assert.ErrorIs(t, err, domain.ErrAgentExists)
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	replaced, err := r.Register(agentDef("reviewer", "other"), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, replaced.Capabilities)

	assert.Equal(t, 1, r.Len())
	ids := 0
	for _, a := range r.List() {
		if a.ID == "reviewer" {
			ids++
		}
	}
	assert.Equal(t, 1, ids)
}

func TestRegistryRegisterValidates(t *testing.T) {
	r := NewRegistry(discardLogger())

	_, err := r.Register(domain.AgentDefinition{ID: "x"}, false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "missing description")

	_, err = r.Register(domain.AgentDefinition{ID: "../etc", Description: "d"}, false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "unsafe id")

	_, err = r.Register(domain.AgentDefinition{ID: "x", Description: "d", TimeoutSeconds: -1}, false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "negative timeout")

	_, err = r.Register(domain.AgentDefinition{ID: "x", Description: "d", Prompt: "{{.Payload"}, false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "bad template")

	a, err := r.Register(domain.AgentDefinition{ID: "x", Description: "d", Prompt: "Say {{.Payload}}"}, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceTemplated, a.SourceKind)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryReplaceAndRemove(t *testing.T) {
	r := NewRegistry(discardLogger())

	_, err := r.Replace(agentDef("ghost"))
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	mustRegister(t, r, agentDef("helper", "a"))
	a, err := r.Replace(agentDef("helper", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, a.Capabilities)

	require.NoError(t, r.Remove("helper"))
	assert.ErrorIs(t, r.Remove("helper"), domain.ErrAgentNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry(discardLogger())
	_, err := r.Get("ghost-agent")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry(discardLogger())
	for _, id := range []string{"zeta", "alpha", "mid"} {
		mustRegister(t, r, agentDef(id))
	}
	var ids []string
	for _, a := range r.List() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestFindByCapabilitiesRanking(t *testing.T) {
	r := NewRegistry(discardLogger())
	mustRegister(t, r, agentDef("b-both", "review", "test"))
	mustRegister(t, r, agentDef("a-both", "review", "test", "lint"))
	mustRegister(t, r, agentDef("c-review", "review"))
	mustRegister(t, r, agentDef("d-none", "deploy"))

	matches := r.FindByCapabilities([]string{"review", "test", "test"})
	require.Len(t, matches, 3)
	assert.Equal(t, "a-both", matches[0].Agent.ID)
	assert.Equal(t, 2, matches[0].Overlap)
	assert.Equal(t, "b-both", matches[1].Agent.ID)
	assert.Equal(t, "c-review", matches[2].Agent.ID)
	assert.Equal(t, 1, matches[2].Overlap)

	assert.Empty(t, r.FindByCapabilities([]string{"unknown"}))
	assert.Empty(t, r.FindByCapabilities(nil))
}

func TestRegistryReloadIsAtomic(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	var setA, setB []string
	for i := 0; i < 5; i++ {
		a, b := fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)
		writeFile(t, dirA, a+".yaml", "description: set a\n")
		writeFile(t, dirB, b+".yaml", "description: set b\n")
		setA, setB = append(setA, a), append(setB, b)
	}

	r := NewRegistry(discardLogger())
	_, err := r.Load(context.Background(), []string{dirA})
	require.NoError(t, err)

	var stop atomic.Bool
	var mixed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				var ids []string
				for _, a := range r.List() {
					ids = append(ids, a.ID)
				}
				sort.Strings(ids)
				if !equalStrings(ids, setA) && !equalStrings(ids, setB) {
					mixed.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		dir := dirB
		if i%2 == 1 {
			dir = dirA
		}
		_, err := r.Load(context.Background(), []string{dir})
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, mixed.Load(), "readers must never observe a partially reloaded table")
}

func TestRegistryLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRegistry(discardLogger())
	_, err := r.Load(ctx, []string{t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
