package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/concordchat/concord/internal/eventbus"
	"github.com/concordchat/concord/internal/gateway"
	"github.com/concordchat/concord/internal/snowflake"
)

// Server hosts the gateway websocket endpoint and the operational HTTP
// surface around it.
type Server struct {
	Gateway    *gateway.Gateway
	Revoker    TokenRevoker
	Publisher  Publisher
	IDs        *snowflake.Generator
	AdminToken string
	StartedAt  time.Time
	Info       DiagnosticsInfo
}

// TokenRevoker invalidates a user's tokens alongside their live sessions.
type TokenRevoker interface {
	RevokeUserTokens(ctx context.Context, userID snowflake.ID) error
}

// Publisher writes domain events to the durable stream. eventbus.Bus
// implements it.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.DomainEvent) error
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/admin/revoke", s.handleRevoke)
	mux.HandleFunc("/api/admin/publish", s.handlePublish)
	mux.HandleFunc("/gateway", s.handleGateway)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	if s.Gateway == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("gateway"))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.Gateway.ServeConn(r.Context(), conn)
}

type revokeRequest struct {
	UserID snowflake.ID `json:"user_id"`
}

// handleRevoke closes a user's live connections with code 4002 and revokes
// their tokens. Backs password changes and logout-all.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.AdminToken == "" || r.Header.Get("Authorization") != "Bearer "+s.AdminToken {
		writeError(w, http.StatusUnauthorized, errNotFound("admin token"))
		return
	}
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil || req.UserID == snowflake.Zero {
		writeError(w, http.StatusBadRequest, errBadRequest("user_id required"))
		return
	}
	if s.Revoker != nil {
		if err := s.Revoker.RevokeUserTokens(r.Context(), req.UserID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	sessions := s.Gateway.RevokeUser(req.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"revoked_sessions": sessions})
}

type publishRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handlePublish mints an id for a domain event and writes it to the stream.
// Operational escape hatch for backfills and integration checks; normal
// traffic enters through the write services.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.AdminToken == "" || r.Header.Get("Authorization") != "Bearer "+s.AdminToken {
		writeError(w, http.StatusUnauthorized, errNotFound("admin token"))
		return
	}
	if s.Publisher == nil || s.IDs == nil {
		writeError(w, http.StatusServiceUnavailable, errNotFound("publisher"))
		return
	}
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil || req.Type == "" {
		writeError(w, http.StatusBadRequest, errBadRequest("type required"))
		return
	}
	id, err := s.IDs.Next()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	event := eventbus.DomainEvent{
		ID:        id,
		Type:      req.Type,
		Timestamp: time.Now().UnixMilli(),
		Data:      req.Data,
	}
	if _, err := event.Subject(); err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest(err.Error()))
		return
	}
	if err := s.Publisher.Publish(r.Context(), event); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func decodeJSON(r *http.Request, dest any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}

type badRequestError struct {
	msg string
}

func (e badRequestError) Error() string { return e.msg }

func errBadRequest(msg string) error {
	return badRequestError{msg: msg}
}
