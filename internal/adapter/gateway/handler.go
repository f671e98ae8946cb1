package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/usecase/multiagent"
	"orchestra-ai/internal/usecase/scheduling"
)

// HandlerDeps holds dependencies needed by the REST and RPC handlers.
type HandlerDeps struct {
	Dispatcher *multiagent.Dispatcher
	Scheduler  *scheduling.Scheduler // can be nil
	Audit      domain.AuditLogger    // can be nil
	Logger     *slog.Logger
	StartedAt  time.Time
}

func (d HandlerDeps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// requireRole wraps an RPCHandler so that only clients holding one of roles
// may call it.
func requireRole(deps HandlerDeps, method string, roles []string, handler RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if !client.HasRole(roles...) {
			deps.logger().Warn("gateway: rpc access denied",
				"client", client.Name, "method", method, "roles", client.Roles)
			deps.auditDenied(ctx, client.Name, method, "forbidden")
			return nil, domain.ErrForbidden
		}
		return handler(ctx, client, payload)
	}
}

var (
	anyRole    = []string{RoleAdmin, RoleOperator, RoleViewer}
	invokeRole = []string{RoleAdmin, RoleOperator}
	adminRole  = []string{RoleAdmin}
)

// RegisterDefaultHandlers registers the built-in RPC methods on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	rpc := func(method string, roles []string, h RPCHandler) {
		s.RegisterHandler(method, requireRole(deps, method, roles, h))
	}

	rpc("agents.list", anyRole, agentListHandler(deps))
	rpc("agents.get", anyRole, agentGetHandler(deps))
	rpc("agents.status", anyRole, agentStatusHandler(deps))
	rpc("agents.invoke", invokeRole, auditedRPC(deps, "agents.invoke", domain.AuditAgentInvoke, agentInvokeHandler(deps)))
	rpc("agents.dispatch", invokeRole, auditedRPC(deps, "agents.dispatch", domain.AuditTaskDispatch, agentDispatchHandler(deps)))
	rpc("agents.reload", adminRole, auditedRPC(deps, "agents.reload", domain.AuditRegistryReload, agentReloadHandler(deps)))
}

// --- agents ---

type agentListResponse struct {
	Agents []domain.AgentSummary `json:"agents"`
}

func listSummaries(d *multiagent.Dispatcher) agentListResponse {
	agents := d.Registry().List()
	out := agentListResponse{Agents: make([]domain.AgentSummary, 0, len(agents))}
	for _, a := range agents {
		out.Agents = append(out.Agents, a.Summary())
	}
	return out
}

func agentListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(listSummaries(deps.Dispatcher))
	}
}

type agentIDRequest struct {
	ID string `json:"id"`
}

func agentGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentIDRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		a, err := deps.Dispatcher.Registry().Get(req.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(a.Definition())
	}
}

// invokeRequest is the body of a single-agent invocation.
type invokeRequest struct {
	AgentID  string            `json:"agent_id,omitempty"`
	TaskID   string            `json:"task_id,omitempty"`
	Payload  string            `json:"payload"`
	Context  map[string]string `json:"context,omitempty"`
	Deadline time.Time         `json:"deadline,omitzero"`
}

func (r invokeRequest) task() domain.TaskRequest {
	return domain.TaskRequest{
		TaskID:   r.TaskID,
		Payload:  r.Payload,
		Context:  r.Context,
		Deadline: r.Deadline,
	}
}

func agentInvokeHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req invokeRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.AgentID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		deps.logger().Debug("gateway: rpc invoke", "client", client.Name, "agent", req.AgentID)
		res, err := deps.Dispatcher.Invoke(ctx, req.AgentID, req.task())
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}

// dispatchRequest is the body of a capability or explicit-target dispatch.
// FanOut is a pointer so that an omitted field can take a per-route default.
type dispatchRequest struct {
	TaskID       string            `json:"task_id,omitempty"`
	AgentID      string            `json:"agent_id,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	FanOut       *bool             `json:"fan_out,omitempty"`
	Payload      string            `json:"payload"`
	Context      map[string]string `json:"context,omitempty"`
	Deadline     time.Time         `json:"deadline,omitzero"`
}

func (r dispatchRequest) task(defaultFanOut bool) domain.TaskRequest {
	fanOut := defaultFanOut
	if r.FanOut != nil {
		fanOut = *r.FanOut
	}
	return domain.TaskRequest{
		TaskID:   r.TaskID,
		Target:   domain.TaskTarget{AgentID: strings.TrimSpace(r.AgentID), Capabilities: r.Capabilities},
		FanOut:   fanOut,
		Payload:  r.Payload,
		Context:  r.Context,
		Deadline: r.Deadline,
	}
}

func agentDispatchHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req dispatchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		deps.logger().Debug("gateway: rpc dispatch", "client", client.Name, "capabilities", req.Capabilities)
		resp, err := deps.Dispatcher.Dispatch(ctx, req.task(true))
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

func agentStatusHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(buildStatus(deps))
	}
}

func agentReloadHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		report, err := deps.Dispatcher.Reload(ctx)
		if err != nil {
			return nil, err
		}
		deps.logger().Info("gateway: registry reloaded", "client", client.Name, "loaded", report.Loaded)
		return json.Marshal(report)
	}
}
