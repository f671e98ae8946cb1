package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"orchestra-ai/internal/domain"
)

type clientCtxKey struct{}

func withClient(ctx context.Context, c *ClientInfo) context.Context {
	return context.WithValue(ctx, clientCtxKey{}, c)
}

func clientFrom(ctx context.Context) *ClientInfo {
	c, _ := ctx.Value(clientCtxKey{}).(*ClientInfo)
	return c
}

func (d HandlerDeps) audit(ctx context.Context, ev domain.AuditEvent) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.Log(ctx, ev); err != nil {
		d.logger().Warn("gateway: audit write failed", "type", string(ev.Type), "error", err)
	}
}

func (d HandlerDeps) auditDenied(ctx context.Context, actor, action, reason string) {
	d.audit(ctx, domain.AuditEvent{
		Type:    domain.AuditAccessDenied,
		Actor:   actor,
		Action:  action,
		Outcome: domain.AuditFailure,
		Detail:  map[string]string{"reason": reason},
	})
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// audited records one audit event per request once next has answered.
func audited(deps HandlerDeps, typ domain.AuditEventType, next http.HandlerFunc) http.HandlerFunc {
	if deps.Audit == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		outcome := domain.AuditSuccess
		if status >= 400 {
			outcome = domain.AuditFailure
		}
		var actor string
		if c := clientFrom(r.Context()); c != nil {
			actor = c.Name
		}
		resource := r.PathValue("id")
		if resource == "" {
			resource = r.URL.Path
		}
		deps.audit(r.Context(), domain.AuditEvent{
			Type:     typ,
			Actor:    actor,
			Resource: resource,
			Action:   r.Method + " " + r.URL.Path,
			Outcome:  outcome,
			Detail:   map[string]string{"status": strconv.Itoa(status)},
		})
	}
}

// auditedRPC is the RPC counterpart of audited.
func auditedRPC(deps HandlerDeps, method string, typ domain.AuditEventType, handler RPCHandler) RPCHandler {
	if deps.Audit == nil {
		return handler
	}
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		result, err := handler(ctx, client, payload)

		var target struct {
			ID      string `json:"id"`
			AgentID string `json:"agent_id"`
		}
		json.Unmarshal(payload, &target)
		resource := target.AgentID
		if resource == "" {
			resource = target.ID
		}

		ev := domain.AuditEvent{
			Type:     typ,
			Actor:    client.Name,
			Resource: resource,
			Action:   method,
			Outcome:  domain.AuditSuccess,
		}
		if err != nil {
			ev.Outcome = domain.AuditFailure
			ev.Detail = map[string]string{"code": string(domain.ErrorCodeOf(err))}
		}
		deps.audit(ctx, ev)
		return result, err
	}
}
