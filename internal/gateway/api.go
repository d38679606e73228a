// ABOUTME: HTTP API handlers wrapping the engine operations as JSON endpoints
// ABOUTME: Engine errors map onto status codes and stable error codes

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/toolbroker/internal/broker"
	"github.com/2389/toolbroker/internal/permissions"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// AuthorizeResponse is the JSON response for GET /auth/authorize/{tool}.
type AuthorizeResponse struct {
	Tool string `json:"tool"`
	Kind string `json:"kind"`
	URL  string `json:"url,omitempty"`
}

// CallbackResponse is the JSON response for GET /auth/callback/{tool}.
type CallbackResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id"`
	Tool    string `json:"tool"`
}

// RegisterCredentialRequest is the JSON request body for POST /api/tools/{tool}/credentials.
type RegisterCredentialRequest struct {
	UserID      string            `json:"user_id"`
	Credentials map[string]string `json:"credentials"`
}

// ToolInfoResponse is the JSON response item for GET /api/tools.
type ToolInfoResponse struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description,omitempty"`
	AuthType    string   `json:"auth_type"`
	Actions     []string `json:"actions"`
}

// ActionStatusResponse is one action in a tool status.
type ActionStatusResponse struct {
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// ToolStatusResponse is the JSON response item for GET /api/users/{user}/tools.
type ToolStatusResponse struct {
	Tool            string                 `json:"tool"`
	DisplayName     string                 `json:"display_name"`
	AuthType        string                 `json:"auth_type"`
	IsAuthenticated bool                   `json:"is_authenticated"`
	IsActive        bool                   `json:"is_active"`
	LastAuthAt      string                 `json:"last_auth_at,omitempty"`
	ExpiresAt       string                 `json:"expires_at,omitempty"`
	Actions         []ActionStatusResponse `json:"actions"`
}

// SetActiveRequest is the JSON request body for PUT /api/users/{user}/tools/{tool}.
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// SetDisabledRequest is the JSON request body for PUT .../actions/{action}.
type SetDisabledRequest struct {
	Disabled bool `json:"disabled"`
}

// ExecuteRequest is the JSON request body for POST /api/execute.
type ExecuteRequest struct {
	UserID     string         `json:"user_id"`
	Tool       string         `json:"tool"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// ExecuteResponse is the JSON response for POST /api/execute.
type ExecuteResponse struct {
	Success         bool    `json:"success"`
	Tool            string  `json:"tool"`
	Action          string  `json:"action"`
	Result          any     `json:"result"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	userID := r.URL.Query().Get("user_id")
	if !g.allowUser(w, r, userID) {
		return
	}

	target, err := g.engine.GetAuthorizationTarget(r.Context(), userID, tool)
	if err != nil {
		g.sendEngineError(w, err)
		return
	}

	if r.URL.Query().Get("redirect") == "true" && target.URL != "" {
		http.Redirect(w, r, target.URL, http.StatusFound)
		return
	}
	g.sendJSON(w, http.StatusOK, AuthorizeResponse{
		Tool: target.Tool,
		Kind: string(target.Kind),
		URL:  target.URL,
	})
}

func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	q := r.URL.Query()

	// Providers report a denied consent as ?error=...
	if providerErr := q.Get("error"); providerErr != "" {
		msg := providerErr
		if desc := q.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		g.logger.Warn("provider returned error on callback", "tool", tool, "error", msg)
		g.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "provider_error"})
		return
	}

	res, err := g.engine.CompleteCallback(r.Context(), tool, q.Get("code"), q.Get("state"))
	if err != nil {
		g.sendEngineError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, CallbackResponse{Success: true, UserID: res.UserID, Tool: res.Tool})
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	registered := g.registry.List()
	resp := make([]ToolInfoResponse, 0, len(registered))
	for _, t := range registered {
		d := t.Descriptor
		actions := make([]string, 0, len(d.Actions))
		for _, a := range d.Actions {
			actions = append(actions, a.Name)
		}
		resp = append(resp, ToolInfoResponse{
			Name:        d.Name,
			DisplayName: d.DisplayName,
			Description: d.Description,
			AuthType:    string(d.AuthType),
			Actions:     actions,
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleRegisterCredential(w http.ResponseWriter, r *http.Request) {
	var req RegisterCredentialRequest
	if !g.decodeJSON(w, r, &req) || !g.allowUser(w, r, req.UserID) {
		return
	}
	if err := g.engine.RegisterManualCredential(r.Context(), req.UserID, r.PathValue("tool"), req.Credentials); err != nil {
		g.sendEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleUserTools(w http.ResponseWriter, r *http.Request) {
	if !g.allowUser(w, r, r.PathValue("user")) {
		return
	}
	statuses, err := g.engine.ListUserToolStatus(r.Context(), r.PathValue("user"))
	if err != nil {
		g.sendEngineError(w, err)
		return
	}
	resp := make([]ToolStatusResponse, 0, len(statuses))
	for _, st := range statuses {
		resp = append(resp, toolStatusResponse(st))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func toolStatusResponse(st permissions.ToolStatus) ToolStatusResponse {
	out := ToolStatusResponse{
		Tool:            st.Tool,
		DisplayName:     st.DisplayName,
		AuthType:        string(st.AuthType),
		IsAuthenticated: st.IsAuthenticated,
		IsActive:        st.IsActive,
		Actions:         make([]ActionStatusResponse, 0, len(st.Actions)),
	}
	if st.LastAuthAt != nil {
		out.LastAuthAt = st.LastAuthAt.UTC().Format(time.RFC3339)
	}
	if st.ExpiresAt != nil {
		out.ExpiresAt = st.ExpiresAt.UTC().Format(time.RFC3339)
	}
	for _, a := range st.Actions {
		out.Actions = append(out.Actions, ActionStatusResponse{Name: a.Name, IsActive: a.IsActive})
	}
	return out
}

func (g *Gateway) handleSetToolActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if !g.allowUser(w, r, r.PathValue("user")) || !g.decodeJSON(w, r, &req) {
		return
	}
	if err := g.engine.SetToolActive(r.Context(), r.PathValue("user"), r.PathValue("tool"), req.Active); err != nil {
		g.sendEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSetActionDisabled(w http.ResponseWriter, r *http.Request) {
	var req SetDisabledRequest
	if !g.allowUser(w, r, r.PathValue("user")) || !g.decodeJSON(w, r, &req) {
		return
	}
	err := g.engine.SetActionDisabled(r.Context(), r.PathValue("user"), r.PathValue("tool"), r.PathValue("action"), req.Disabled)
	if err != nil {
		g.sendEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !g.allowUser(w, r, r.PathValue("user")) {
		return
	}
	if err := g.engine.DisconnectTool(r.Context(), r.PathValue("user"), r.PathValue("tool")); err != nil {
		g.sendEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleFunctions(w http.ResponseWriter, r *http.Request) {
	if !g.allowUser(w, r, r.PathValue("user")) {
		return
	}
	defs, err := g.engine.ListFunctionDefinitions(r.Context(), r.PathValue("user"))
	if err != nil {
		g.sendEngineError(w, err)
		return
	}
	if defs == nil {
		defs = []broker.FunctionDefinition{}
	}
	g.sendJSON(w, http.StatusOK, defs)
}

func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !g.decodeJSON(w, r, &req) || !g.allowUser(w, r, req.UserID) {
		return
	}
	res, err := g.engine.ExecuteAction(r.Context(), broker.ExecuteRequest{
		UserID:     req.UserID,
		Tool:       req.Tool,
		Action:     req.Action,
		Parameters: req.Parameters,
	})
	if err != nil {
		g.sendEngineError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ExecuteResponse{
		Success:         res.Success,
		Tool:            res.Tool,
		Action:          res.Action,
		Result:          res.Result,
		ExecutionTimeMS: float64(res.ExecutionTime) / float64(time.Millisecond),
	})
}

// decodeJSON reads a bounded JSON body into v, writing a 400 on failure.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "reading body", Code: "invalid_parameters"})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		g.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body", Code: "invalid_parameters"})
		return false
	}
	return true
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendEngineError maps an engine error onto a status code and error code.
func (g *Gateway) sendEngineError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSON(w, status, ErrorResponse{Error: "internal error", Code: code})
		return
	}
	g.sendJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func classifyError(err error) (int, string) {
	var adapterErr *broker.AdapterError
	switch {
	case errors.Is(err, broker.ErrToolNotFound):
		return http.StatusNotFound, "tool_not_found"
	case errors.Is(err, broker.ErrActionNotFound):
		return http.StatusNotFound, "action_not_found"
	case errors.Is(err, broker.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, broker.ErrStateNotFound):
		return http.StatusBadRequest, "state_not_found"
	case errors.Is(err, broker.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, broker.ErrAlreadyConsumed):
		return http.StatusConflict, "already_consumed"
	case errors.Is(err, broker.ErrInvalidParameters):
		return http.StatusBadRequest, "invalid_parameters"
	case errors.Is(err, broker.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, broker.ErrCredentialUnavailable):
		return http.StatusUnauthorized, "credential_unavailable"
	case errors.Is(err, broker.ErrActionDisabled):
		return http.StatusForbidden, "action_disabled"
	case errors.Is(err, broker.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, broker.ErrBusy):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, broker.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &adapterErr):
		return http.StatusBadGateway, "adapter_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
