package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/infra/middleware"
	"orchestra-ai/internal/usecase/multiagent"
)

func newTestAPI(t *testing.T, cfg ServerConfig, sources ...string) (*httptest.Server, *multiagent.Dispatcher) {
	t.Helper()
	bus := &testBus{}
	d := newTestDispatcher(t, bus, sources...)
	seedAgents(t, d)

	if cfg.RateLimit.RequestsPerMin == 0 {
		cfg.RateLimit = middleware.RateLimitConfig{RequestsPerMin: 6000, BurstSize: 1000}
	}
	srv := NewServer(bus, newTestAuth(), cfg, discardLogger())
	deps := HandlerDeps{Dispatcher: d, Logger: discardLogger(), StartedAt: time.Now()}
	RegisterRESTHandlers(srv, deps)
	RegisterDefaultHandlers(srv, deps)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(ts.Close)
	return ts, d
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return v
}

func expectError(t *testing.T, status int, data []byte, wantStatus int, wantCode domain.ErrorCode) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("status = %d, want %d (body %s)", status, wantStatus, data)
	}
	if got := decode[errorBody](t, data); got.Code != wantCode {
		t.Errorf("code = %q, want %q (error %q)", got.Code, wantCode, got.Error)
	}
}

// --- auth ---

func TestHealthzNeedsNoToken(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "GET", "/healthz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	body := decode[map[string]any](t, data)
	if body["status"] != "ok" || body["agents"] != float64(4) {
		t.Errorf("body = %v", body)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "GET", "/agents", "", nil)
	expectError(t, status, data, http.StatusUnauthorized, domain.CodeGatewayAuth)

	status, data = doJSON(t, ts, "GET", "/agents", "wrong", nil)
	expectError(t, status, data, http.StatusUnauthorized, domain.CodeGatewayAuth)

	if status, _ := doJSON(t, ts, "GET", "/agents?token=view-token", "", nil); status != http.StatusOK {
		t.Errorf("query token: status = %d", status)
	}
}

func TestRoleEnforcement(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"viewer lists", "GET", "/agents", "view-token", nil, http.StatusOK},
		{"viewer cannot register", "POST", "/agents", "view-token", map[string]any{"id": "x", "description": "d"}, http.StatusForbidden},
		{"operator cannot register", "POST", "/agents", "op-token", map[string]any{"id": "x", "description": "d"}, http.StatusForbidden},
		{"operator cannot delete", "DELETE", "/agents/linter", "op-token", nil, http.StatusForbidden},
		{"operator cannot reload", "POST", "/agents/reload", "op-token", nil, http.StatusForbidden},
		{"viewer cannot invoke", "POST", "/agents/linter/invoke", "view-token", map[string]any{"payload": "p"}, http.StatusForbidden},
		{"viewer cannot dispatch", "POST", "/agents/parallel", "view-token", map[string]any{"capabilities": []string{"review"}}, http.StatusForbidden},
		{"operator invokes", "POST", "/agents/linter/invoke", "op-token", map[string]any{"payload": "p"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, data := doJSON(t, ts, tt.method, tt.path, tt.token, tt.body)
			if status != tt.want {
				t.Errorf("status = %d, want %d (body %s)", status, tt.want, data)
			}
		})
	}
}

// --- registry routes ---

func TestListAgents(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "GET", "/agents", "test-token", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	list := decode[agentListResponse](t, data)
	var ids []string
	for _, a := range list.Agents {
		ids = append(ids, a.ID)
	}
	if got := strings.Join(ids, ","); got != "flaky,linter,reviewer,sleeper" {
		t.Errorf("ids = %s", got)
	}
	if len(list.Agents[1].Capabilities) != 2 {
		t.Errorf("linter capabilities = %v", list.Agents[1].Capabilities)
	}
}

func TestGetAgent(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "GET", "/agents/reviewer", "test-token", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	def := decode[domain.AgentDefinition](t, data)
	if def.Description != "Reviews code" || def.TimeoutSeconds != domain.DefaultTimeoutSeconds {
		t.Errorf("definition = %+v", def)
	}
	if def.SourceKind != domain.SourceStructured {
		t.Errorf("SourceKind = %q", def.SourceKind)
	}

	status, data = doJSON(t, ts, "GET", "/agents/ghost", "test-token", nil)
	expectError(t, status, data, http.StatusNotFound, domain.CodeAgentNotFound)
}

func TestRegisterAgentFields(t *testing.T) {
	ts, d := newTestAPI(t, ServerConfig{})

	body := map[string]any{"id": "writer", "description": "Writes docs", "capabilities": []string{"docs", "docs"}}
	status, data := doJSON(t, ts, "POST", "/agents", "test-token", body)
	if status != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", status, data)
	}
	if def := decode[domain.AgentDefinition](t, data); len(def.Capabilities) != 1 {
		t.Errorf("capabilities not normalized: %v", def.Capabilities)
	}
	if _, err := d.Registry().Get("writer"); err != nil {
		t.Errorf("writer not registered: %v", err)
	}

	status, data = doJSON(t, ts, "POST", "/agents", "test-token", body)
	expectError(t, status, data, http.StatusConflict, domain.CodeAgentExists)

	body["description"] = "Writes better docs"
	status, data = doJSON(t, ts, "POST", "/agents?overwrite=true", "test-token", body)
	if status != http.StatusCreated {
		t.Fatalf("overwrite status = %d (body %s)", status, data)
	}
	a, _ := d.Registry().Get("writer")
	if a.Description != "Writes better docs" {
		t.Errorf("Description = %q", a.Description)
	}
}

func TestRegisterAgentInvalid(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	tests := []struct {
		name string
		body any
	}{
		{"missing description", map[string]any{"id": "x"}},
		{"bad id", map[string]any{"id": "../x", "description": "d"}},
		{"unknown runner", map[string]any{"id": "x", "description": "d", "runner": "lambda"}},
		{"unknown field", map[string]any{"id": "x", "description": "d", "colour": "red"}},
		{"malformed json", `{"id":`},
		{"unsupported format", map[string]any{"id": "x", "document": "a: b", "format": "toml"}},
		{"document fails schema", map[string]any{"id": "x", "document": "capabilities: [a]\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, data := doJSON(t, ts, "POST", "/agents", "test-token", tt.body)
			expectError(t, status, data, http.StatusBadRequest, domain.CodeInvalidInput)
		})
	}
}

func TestRegisterAgentDocuments(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	yamlDoc := map[string]any{
		"id":       "summary",
		"document": "description: Summarises text\ncapabilities: [summary]\ntimeout_seconds: 5\n",
	}
	status, data := doJSON(t, ts, "POST", "/agents", "test-token", yamlDoc)
	if status != http.StatusCreated {
		t.Fatalf("yaml status = %d (body %s)", status, data)
	}
	if def := decode[domain.AgentDefinition](t, data); def.TimeoutSeconds != 5 || def.SourceKind != domain.SourceStructured {
		t.Errorf("yaml definition = %+v", def)
	}

	mdDoc := map[string]any{
		"id":       "greeter",
		"format":   "md",
		"document": "---\ndescription: Greets\ncapabilities: [greet]\n---\nHello {{.Payload}}!\n",
	}
	status, data = doJSON(t, ts, "POST", "/agents", "test-token", mdDoc)
	if status != http.StatusCreated {
		t.Fatalf("md status = %d (body %s)", status, data)
	}
	if def := decode[domain.AgentDefinition](t, data); def.SourceKind != domain.SourceTemplated {
		t.Errorf("SourceKind = %q", def.SourceKind)
	}

	status, data = doJSON(t, ts, "POST", "/agents/greeter/invoke", "test-token", map[string]any{"payload": "world"})
	if status != http.StatusOK {
		t.Fatalf("invoke status = %d (body %s)", status, data)
	}
	if res := decode[domain.TaskResult](t, data); res.Output != "Hello world!" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestReplaceAgent(t *testing.T) {
	ts, d := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "PUT", "/agents/linter", "test-token",
		map[string]any{"description": "Lints harder", "capabilities": []string{"lint"}})
	if status != http.StatusOK {
		t.Fatalf("status = %d (body %s)", status, data)
	}
	a, _ := d.Registry().Get("linter")
	if a.Description != "Lints harder" || a.HasCapability("review") {
		t.Errorf("linter = %+v", a.AgentDefinition)
	}

	status, data = doJSON(t, ts, "PUT", "/agents/ghost", "test-token", map[string]any{"description": "d"})
	expectError(t, status, data, http.StatusNotFound, domain.CodeAgentNotFound)

	status, data = doJSON(t, ts, "PUT", "/agents/linter", "test-token", map[string]any{"id": "other", "description": "d"})
	expectError(t, status, data, http.StatusBadRequest, domain.CodeInvalidInput)
}

func TestDeleteAgent(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	if status, _ := doJSON(t, ts, "DELETE", "/agents/linter", "test-token", nil); status != http.StatusNoContent {
		t.Fatalf("status = %d", status)
	}
	status, data := doJSON(t, ts, "DELETE", "/agents/linter", "test-token", nil)
	expectError(t, status, data, http.StatusNotFound, domain.CodeAgentNotFound)

	status, data = doJSON(t, ts, "GET", "/agents/linter", "test-token", nil)
	expectError(t, status, data, http.StatusNotFound, domain.CodeAgentNotFound)
}

// --- invocation routes ---

func TestInvokeAgent(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "POST", "/agents/reviewer/invoke", "op-token", map[string]any{
		"task_id": "task-42",
		"payload": "check main.go",
		"context": map[string]string{"path": "/repo/src/main.go"},
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d (body %s)", status, data)
	}
	res := decode[domain.TaskResult](t, data)
	if res.Status != domain.StatusSucceeded || res.Output != "check main.go" || res.TaskID != "task-42" {
		t.Errorf("result = %+v", res)
	}
	if res.InvocationID == "" {
		t.Error("InvocationID is empty")
	}
}

func TestInvokeAgentErrors(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "POST", "/agents/ghost/invoke", "test-token", map[string]any{"payload": "p"})
	expectError(t, status, data, http.StatusNotFound, domain.CodeAgentNotFound)

	status, data = doJSON(t, ts, "POST", "/agents/reviewer/invoke", "test-token", map[string]any{
		"payload": "p",
		"context": map[string]string{"path": "/etc/passwd"},
	})
	expectError(t, status, data, http.StatusForbidden, domain.CodePathNotAllowed)

	status, data = doJSON(t, ts, "POST", "/agents/reviewer/invoke", "test-token", map[string]any{
		"agent_id": "linter",
		"payload":  "p",
	})
	expectError(t, status, data, http.StatusBadRequest, domain.CodeInvalidInput)

	// A matching agent_id in the body is accepted.
	status, data = doJSON(t, ts, "POST", "/agents/reviewer/invoke", "test-token", map[string]any{
		"agent_id": "reviewer",
		"payload":  "p",
	})
	if status != http.StatusOK {
		t.Errorf("matching agent_id: status = %d (body %s)", status, data)
	}
}

func TestInvokeFailureThenCircuitOpen(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "POST", "/agents/flaky/invoke", "test-token", map[string]any{"payload": "p"})
	if status != http.StatusOK {
		t.Fatalf("status = %d (body %s)", status, data)
	}
	res := decode[domain.TaskResult](t, data)
	if res.Status != domain.StatusFailed || res.Error == nil || res.Error.Code != domain.CodeExecution {
		t.Fatalf("first result = %+v", res)
	}

	status, data = doJSON(t, ts, "POST", "/agents/flaky/invoke", "test-token", map[string]any{"payload": "p"})
	if status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 (body %s)", status, data)
	}
	res = decode[domain.TaskResult](t, data)
	if res.Status != domain.StatusRejected || res.Error == nil || res.Error.Reason != domain.RejectCircuitOpen {
		t.Errorf("second result = %+v", res)
	}
}

func TestInvokeTimeout(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	start := time.Now()
	status, data := doJSON(t, ts, "POST", "/agents/sleeper/invoke", "test-token", map[string]any{
		"payload":  "p",
		"deadline": time.Now().Add(100 * time.Millisecond),
	})
	if status != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 (body %s)", status, data)
	}
	if res := decode[domain.TaskResult](t, data); res.Status != domain.StatusTimedOut {
		t.Errorf("Status = %q", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("caller deadline not honoured, took %v", elapsed)
	}
}

func TestParallelDispatch(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "POST", "/agents/parallel", "op-token", map[string]any{
		"capabilities": []string{"review"},
		"fan_out":      false,
		"payload":      "diff",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d (body %s)", status, data)
	}
	resp := decode[domain.AggregatedResponse](t, data)
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2 (fan_out is forced)", len(resp.Results))
	}
	if resp.Results[0].AgentID != "linter" || resp.Results[1].AgentID != "reviewer" {
		t.Errorf("order = %s, %s", resp.Results[0].AgentID, resp.Results[1].AgentID)
	}
	if resp.OverallStatus != domain.OverallSucceeded {
		t.Errorf("OverallStatus = %q", resp.OverallStatus)
	}

	// The response is kept in history.
	status, data = doJSON(t, ts, "GET", "/agents/tasks/"+resp.TaskID, "view-token", nil)
	if status != http.StatusOK {
		t.Fatalf("task status = %d", status)
	}
	if got := decode[domain.AggregatedResponse](t, data); got.TaskID != resp.TaskID || len(got.Results) != 2 {
		t.Errorf("history entry = %+v", got)
	}

	status, data = doJSON(t, ts, "POST", "/agents/parallel", "op-token", map[string]any{"agent_id": "linter"})
	expectError(t, status, data, http.StatusBadRequest, domain.CodeInvalidInput)
}

func TestMultiAgentDispatch(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	status, data := doJSON(t, ts, "POST", "/agents/multi-agent", "op-token", map[string]any{
		"capabilities": []string{"review", "go"},
		"payload":      "diff",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d (body %s)", status, data)
	}
	resp := decode[domain.AggregatedResponse](t, data)
	if len(resp.Results) != 2 || resp.Results[0].AgentID != "reviewer" {
		t.Errorf("default fan-out results = %+v", resp.Results)
	}

	status, data = doJSON(t, ts, "POST", "/agents/multi-agent", "op-token", map[string]any{
		"capabilities": []string{"review", "go"},
		"fan_out":      false,
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d (body %s)", status, data)
	}
	resp = decode[domain.AggregatedResponse](t, data)
	if len(resp.Results) != 1 || resp.Results[0].AgentID != "reviewer" {
		t.Errorf("single-target results = %+v", resp.Results)
	}

	status, data = doJSON(t, ts, "POST", "/agents/multi-agent", "op-token", map[string]any{
		"capabilities": []string{"translate"},
	})
	expectError(t, status, data, http.StatusBadRequest, domain.CodeCapabilityMatch)

	status, data = doJSON(t, ts, "POST", "/agents/multi-agent", "op-token", map[string]any{})
	expectError(t, status, data, http.StatusBadRequest, domain.CodeInvalidInput)
}

func TestMultiAgentPartialFailure(t *testing.T) {
	ts, d := newTestAPI(t, ServerConfig{})
	mustRegister(t, d, domain.AgentDefinition{
		ID: "broken-reviewer", Description: "Fails reviews", Capabilities: []string{"review"}, Runner: "fail",
	})

	status, data := doJSON(t, ts, "POST", "/agents/multi-agent", "op-token", map[string]any{
		"capabilities": []string{"review"},
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d (body %s)", status, data)
	}
	resp := decode[domain.AggregatedResponse](t, data)
	if resp.OverallStatus != domain.OverallPartial || len(resp.Results) != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestTaskNotFound(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})
	status, data := doJSON(t, ts, "GET", "/agents/tasks/nope", "test-token", nil)
	expectError(t, status, data, http.StatusNotFound, domain.CodeNotFound)
}

func TestReloadReplacesRegistry(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "alpha.yaml"), []byte("description: Alpha agent\ncapabilities: [alpha]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts, d := newTestAPI(t, ServerConfig{}, dir)

	status, data := doJSON(t, ts, "POST", "/agents/reload", "test-token", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d (body %s)", status, data)
	}
	if report := decode[multiagent.LoadReport](t, data); report.Loaded != 1 {
		t.Errorf("Loaded = %d", report.Loaded)
	}
	if d.Registry().Len() != 1 {
		t.Errorf("registry has %d agents, want 1", d.Registry().Len())
	}
	if _, err := d.Registry().Get("alpha"); err != nil {
		t.Errorf("alpha missing: %v", err)
	}
}

// --- middleware ---

func TestSecurityHeadersApplied(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Errorf("headers = %v", resp.Header)
	}
}

func TestRateLimitApplied(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{RateLimit: middleware.RateLimitConfig{RequestsPerMin: 1, BurstSize: 1}})

	if status, _ := doJSON(t, ts, "GET", "/healthz", "", nil); status != http.StatusOK {
		t.Fatalf("first status = %d", status)
	}
	if status, _ := doJSON(t, ts, "GET", "/healthz", "", nil); status != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", status)
	}
}

func TestBodyLimitApplied(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{MaxBodyBytes: 64})

	big := map[string]any{"id": "big", "description": strings.Repeat("x", 256)}
	status, _ := doJSON(t, ts, "POST", "/agents", "test-token", big)
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", status)
	}
}

func TestUnknownMethodOnRoute(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})
	if status, _ := doJSON(t, ts, "PATCH", "/agents/linter", "test-token", nil); status != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", status)
	}
}

// --- RPC over WebSocket ---

func dialTestAPI(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	return dialWS(t, strings.TrimPrefix(ts.URL, "http://"), token)
}

func TestRPCAgentsList(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})
	ws := dialTestAPI(t, ts, "view-token")

	resp := call(t, ws, 1, "agents.list", nil)
	if resp.Error != "" {
		t.Fatalf("error = %s", resp.Error)
	}
	if list := decode[agentListResponse](t, resp.Payload); len(list.Agents) != 4 {
		t.Errorf("agents = %d, want 4", len(list.Agents))
	}
}

func TestRPCAgentsGet(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})
	ws := dialTestAPI(t, ts, "view-token")

	resp := call(t, ws, 1, "agents.get", agentIDRequest{ID: "linter"})
	if def := decode[domain.AgentDefinition](t, resp.Payload); def.ID != "linter" {
		t.Errorf("definition = %+v", def)
	}

	resp = call(t, ws, 2, "agents.get", agentIDRequest{ID: "ghost"})
	if resp.Code != domain.CodeAgentNotFound {
		t.Errorf("code = %q", resp.Code)
	}

	resp = call(t, ws, 3, "agents.get", map[string]any{})
	if resp.Code != domain.CodeRPCInvalidPayload {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestRPCAgentsInvoke(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})

	ws := dialTestAPI(t, ts, "op-token")
	resp := call(t, ws, 1, "agents.invoke", invokeRequest{AgentID: "linter", Payload: "lint me"})
	if resp.Error != "" {
		t.Fatalf("error = %s", resp.Error)
	}
	if res := decode[domain.TaskResult](t, resp.Payload); res.Output != "lint me" {
		t.Errorf("result = %+v", res)
	}

	viewer := dialTestAPI(t, ts, "view-token")
	resp = call(t, viewer, 2, "agents.invoke", invokeRequest{AgentID: "linter"})
	if resp.Code != domain.CodeForbidden {
		t.Errorf("viewer code = %q, want FORBIDDEN", resp.Code)
	}
}

func TestRPCAgentsDispatch(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})
	ws := dialTestAPI(t, ts, "test-token")

	resp := call(t, ws, 1, "agents.dispatch", map[string]any{"capabilities": []string{"review"}, "payload": "p"})
	if resp.Error != "" {
		t.Fatalf("error = %s", resp.Error)
	}
	if agg := decode[domain.AggregatedResponse](t, resp.Payload); len(agg.Results) != 2 {
		t.Errorf("results = %d, want 2", len(agg.Results))
	}

	resp = call(t, ws, 2, "agents.dispatch", map[string]any{"capabilities": []string{"nothing"}})
	if resp.Code != domain.CodeCapabilityMatch {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestRPCAgentsStatusAndReload(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})
	ws := dialTestAPI(t, ts, "op-token")

	resp := call(t, ws, 1, "agents.status", nil)
	if st := decode[StatusResponse](t, resp.Payload); st.Agents != 4 || st.Admission.Capacity != 4 {
		t.Errorf("status = %+v", st)
	}

	resp = call(t, ws, 2, "agents.reload", nil)
	if resp.Code != domain.CodeForbidden {
		t.Errorf("operator reload code = %q, want FORBIDDEN", resp.Code)
	}
}

func TestRPCEventsStreamed(t *testing.T) {
	ts, _ := newTestAPI(t, ServerConfig{})
	ws := dialTestAPI(t, ts, "test-token")
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req := Frame{Type: FrameTypeRequest, ID: 7, Method: "agents.invoke", Payload: json.RawMessage(`{"agent_id":"linter","task_id":"t-events"}`)}
	if err := wsjson.Write(ctx, ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	seen := map[domain.EventType]bool{}
	gotResponse := false
	for !gotResponse || !seen[domain.EventTaskCompleted] {
		var f Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		switch f.Type {
		case FrameTypeResponse:
			gotResponse = true
		case FrameTypeEvent:
			ev := decode[domain.Event](t, f.Payload)
			if ev.TaskID == "t-events" {
				seen[ev.Type] = true
			}
		}
	}
	for _, want := range []domain.EventType{domain.EventTaskDispatched, domain.EventInvocationCompleted, domain.EventTaskCompleted} {
		if !seen[want] {
			t.Errorf("event %s not streamed (seen %v)", want, seen)
		}
	}
}
