package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/usecase/multiagent"
)

// RegisterRESTHandlers registers the HTTP management routes on the server.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) {
	auth := func(roles []string, next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			action := r.Method + " " + r.URL.Path
			client, err := s.auth.Authenticate(bearerToken(r))
			if err != nil {
				deps.auditDenied(r.Context(), "", action, "unauthenticated")
				writeError(w, err)
				return
			}
			if !client.HasRole(roles...) {
				deps.logger().Warn("gateway: http access denied",
					"client", client.Name, "method", r.Method, "path", r.URL.Path)
				deps.auditDenied(r.Context(), client.Name, action, "forbidden")
				writeError(w, domain.ErrForbidden)
				return
			}
			next(w, r.WithContext(withClient(r.Context(), client)))
		}
	}

	s.RegisterHTTPRoute("GET /healthz", healthHandler(deps))
	s.RegisterHTTPRoute("GET /metrics", auth(anyRole, metricsHandler(deps)))

	s.RegisterHTTPRoute("GET /agents", auth(anyRole, listAgentsHandler(deps)))
	s.RegisterHTTPRoute("POST /agents", auth(adminRole, audited(deps, domain.AuditAgentRegister, registerAgentHandler(deps))))
	s.RegisterHTTPRoute("GET /agents/status", auth(anyRole, statusHandler(deps)))
	s.RegisterHTTPRoute("POST /agents/reload", auth(adminRole, audited(deps, domain.AuditRegistryReload, reloadHandler(deps))))
	s.RegisterHTTPRoute("POST /agents/parallel", auth(invokeRole, audited(deps, domain.AuditTaskDispatch, dispatchHandler(deps, true, true))))
	s.RegisterHTTPRoute("POST /agents/multi-agent", auth(invokeRole, audited(deps, domain.AuditTaskDispatch, dispatchHandler(deps, false, true))))
	s.RegisterHTTPRoute("GET /agents/tasks/{id}", auth(anyRole, taskHandler(deps)))
	s.RegisterHTTPRoute("GET /agents/{id}", auth(anyRole, getAgentHandler(deps)))
	s.RegisterHTTPRoute("PUT /agents/{id}", auth(adminRole, audited(deps, domain.AuditAgentReplace, replaceAgentHandler(deps))))
	s.RegisterHTTPRoute("DELETE /agents/{id}", auth(adminRole, audited(deps, domain.AuditAgentRemove, removeAgentHandler(deps))))
	s.RegisterHTTPRoute("POST /agents/{id}/invoke", auth(invokeRole, audited(deps, domain.AuditAgentInvoke, invokeHandler(deps))))
}

func listAgentsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, listSummaries(deps.Dispatcher))
	}
}

func getAgentHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Dispatcher.Registry().Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a.Definition())
	}
}

// registerRequest carries a definition either as JSON fields or as a raw
// source document in one of the loader formats.
type registerRequest struct {
	domain.AgentDefinition
	Document string `json:"document,omitempty"`
	// Format is the document format: yaml (default), json or md.
	Format string `json:"format,omitempty"`
}

// definition resolves the request into a definition. id, when non-empty,
// comes from the URL and must agree with any id in the body.
func (req registerRequest) definition(id string) (domain.AgentDefinition, error) {
	if id != "" && req.ID != "" && req.ID != id {
		return domain.AgentDefinition{}, fmt.Errorf("body id %q does not match path id %q: %w", req.ID, id, domain.ErrInvalidInput)
	}
	if id == "" {
		id = req.ID
	}

	if req.Document == "" {
		def := req.AgentDefinition
		def.ID = id
		def.SourceKind = ""
		def.SourcePath = ""
		def.LoadedAt = time.Time{}
		return def, nil
	}

	format := strings.ToLower(strings.TrimPrefix(req.Format, "."))
	switch format {
	case "":
		format = "yaml"
	case "yaml", "yml", "json", "md":
	default:
		return domain.AgentDefinition{}, fmt.Errorf("unsupported document format %q: %w", req.Format, domain.ErrInvalidInput)
	}
	def, err := multiagent.ParseDocument(id, "agent."+format, []byte(req.Document))
	if err != nil {
		return domain.AgentDefinition{}, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	return def, nil
}

func registerAgentHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		def, err := req.definition("")
		if err != nil {
			writeError(w, err)
			return
		}
		a, err := deps.Dispatcher.Register(def, r.URL.Query().Get("overwrite") == "true")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, a.Definition())
	}
}

func replaceAgentHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		def, err := req.definition(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		a, err := deps.Dispatcher.Replace(def)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a.Definition())
	}
}

func removeAgentHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Dispatcher.Remove(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// invokeStatus maps a single invocation's outcome to the HTTP status.
func invokeStatus(res domain.TaskResult) int {
	switch res.Status {
	case domain.StatusTimedOut:
		return http.StatusGatewayTimeout
	case domain.StatusRejected:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

func invokeHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		id := r.PathValue("id")
		if req.AgentID != "" && req.AgentID != id {
			writeError(w, fmt.Errorf("body agent_id %q does not match path id %q: %w", req.AgentID, id, domain.ErrInvalidInput))
			return
		}
		res, err := deps.Dispatcher.Invoke(r.Context(), id, req.task())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, invokeStatus(res), res)
	}
}

// dispatchHandler serves capability dispatch. When force is set the fan-out
// flag is fixed to fanOut; otherwise fanOut is only the default.
func dispatchHandler(deps HandlerDeps, force, fanOut bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if force {
			if req.AgentID != "" {
				writeError(w, fmt.Errorf("parallel dispatch takes capabilities, not an agent id: %w", domain.ErrInvalidInput))
				return
			}
			req.FanOut = &fanOut
		}
		resp, err := deps.Dispatcher.Dispatch(r.Context(), req.task(fanOut))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func taskHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Dispatcher.History().Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func reloadHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Dispatcher.Reload(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// --- helpers ---

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

// httpStatus maps an error to its HTTP status code.
func httpStatus(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrRPCInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body into v. Unknown fields are rejected;
// an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("decode request body: %v: %w", err, domain.ErrInvalidInput)
	}
	return nil
}
