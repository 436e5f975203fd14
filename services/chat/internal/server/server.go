package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatassist/internal/ratelimit"
	"chatassist/internal/usertoken"
	"chatassist/internal/util"
	"chatassist/pkg/ai"
	"chatassist/pkg/domain"
	"chatassist/pkg/identity"
	"chatassist/pkg/quota"
	"chatassist/services/chat/internal/app"
	"chatassist/services/chat/internal/session"
)

// SessionHeader selects one of a user's sessions, one per browser tab.
const SessionHeader = "X-Session-Id"

const defaultUsageWindow = 30 * 24 * time.Hour

// TokenVerifier checks bearer tokens. *usertoken.Verifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Claims, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier TokenVerifier
	// Hub is optional; without it logout only closes this instance's sessions.
	Hub identity.Hub
	// SendLimiter throttles send and regenerate per user. Nil means unlimited.
	SendLimiter ratelimit.Limiter
	Logger      *slog.Logger
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app           *app.App
	tokenVerifier TokenVerifier
	hub           identity.Hub
	sendLimiter   ratelimit.Limiter
	logger        *slog.Logger
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier is required")
	}
	limiter := cfg.SendLimiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		hub:           cfg.Hub,
		sendLimiter:   limiter,
		logger:        logger,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/settings", s.authenticated(s.handleSettings))
	s.mux.Handle("/api/models", s.authenticated(s.handleModels))
	s.mux.Handle("/api/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.authenticated(s.handleConversationByID))
	s.mux.Handle("/api/messages", s.authenticated(s.handleSend))
	s.mux.Handle("/api/messages/", s.authenticated(s.handleRegenerate))
	s.mux.Handle("/api/cancel", s.authenticated(s.handleCancel))
	s.mux.Handle("/api/events", s.authenticated(s.handleEvents))
	s.mux.Handle("/api/usage", s.authenticated(s.handleUsage))
	s.mux.Handle("/api/logout", s.authenticated(s.handleLogout))

	// admin
	s.mux.Handle("/api/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("/api/admin/users/", s.adminOnly(s.handleAdminUserByID))
	s.mux.Handle("/api/admin/stats", s.adminOnly(s.handleAdminStats))
	s.mux.Handle("/api/admin/logs", s.adminOnly(s.handleAdminLogs))
	s.mux.Handle("/api/admin/conversations/", s.adminOnly(s.handleAdminConversationByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller is the verified identity behind a request and its user record.
type caller struct {
	identity identity.Identity
	user     domain.User
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, caller)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, status, ok := s.authorize(r)
		if !ok {
			s.audit(r, "chat.authorize", "fail", "status", status)
			if status == http.StatusForbidden {
				writeError(w, status, "account disabled")
				return
			}
			writeError(w, status, "unauthorized")
			return
		}
		next(w, r.WithContext(identity.WithIdentity(r.Context(), c.identity)), c)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, c caller) {
		if !c.user.IsAdmin() {
			s.audit(r, "chat.admin.authorize", "fail", "user_id", c.user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		s.audit(r, "chat.admin.authorize", "success", "user_id", c.user.ID)
		next(w, r, c)
	})
}

func (s *Server) authorize(r *http.Request) (caller, int, bool) {
	token, ok := requestToken(r)
	if !ok {
		return caller{}, http.StatusUnauthorized, false
	}
	claims, err := s.tokenVerifier.Verify(r.Context(), token)
	if err != nil {
		s.audit(r, "chat.token.verify", "fail", "reason", "invalid_signature_or_claims")
		return caller{}, http.StatusUnauthorized, false
	}
	id := identity.Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   domain.UserRole(strings.ToLower(claims.Role)),
	}
	user, err := s.app.EnsureUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, app.ErrUserDisabled) {
			return caller{}, http.StatusForbidden, false
		}
		util.LoggerFromContext(r.Context()).Error("load caller failed", "user_id", id.UserID, "err", err)
		return caller{}, http.StatusUnauthorized, false
	}
	return caller{identity: id, user: user}, 0, true
}

// session returns the controller named by the session header.
func (s *Server) session(w http.ResponseWriter, r *http.Request, c caller) (*session.Controller, bool) {
	ctrl, _, err := s.app.Session(r.Context(), c.identity, r.Header.Get(SessionHeader))
	if err != nil {
		s.writeAppError(w, r, err)
		return nil, false
	}
	return ctrl, true
}

type meResponse struct {
	User  domain.User  `json:"user"`
	Quota quota.Status `json:"quota"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, c caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: c.user, Quota: s.app.Quota(c.user)})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, c caller) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.app.Settings(r.Context(), c.user.ID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req app.SettingsUpdate
		if !decodeJSON(w, r, &req) {
			return
		}
		settings, err := s.app.SaveSettings(r.Context(), c.user.ID, req)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, _ caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	models := s.app.Models()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": models,
		"count": len(models),
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, c caller) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListConversations(r.Context(), c.user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"count": len(items),
		})
	case http.MethodPost:
		ctrl, ok := s.session(w, r, c)
		if !ok {
			return
		}
		conv, err := ctrl.NewConversation(r.Context())
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, c caller) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		ctrl, ok := s.session(w, r, c)
		if !ok {
			return
		}
		if err := ctrl.DeleteConversation(r.Context(), id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.app.ConversationDeleted(r.Context(), c.user.ID, id)
		w.WriteHeader(http.StatusNoContent)
	case "select":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		ctrl, ok := s.session(w, r, c)
		if !ok {
			return
		}
		if err := ctrl.SelectConversation(r.Context(), id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ctrl.Snapshot())
	case "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.app.ConversationMessages(r.Context(), c.user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"count": len(items),
		})
	case "export":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		export, err := s.app.ExportConversation(r.Context(), c.user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, export)
	default:
		http.NotFound(w, r)
	}
}

type sendRequest struct {
	Content string `json:"content"`
}

// handleSend runs one exchange and answers with the persisted reply once it
// is complete. Fragments reach the session's event subscribers meanwhile.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, c caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, c.user.ID, "too many messages, slow down") {
		return
	}
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctrl, ok := s.session(w, r, c)
	if !ok {
		return
	}
	msg, err := ctrl.Send(r.Context(), req.Content)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request, c caller) {
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" || action != "regenerate" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, c.user.ID, "too many messages, slow down") {
		return
	}
	ctrl, ok := s.session(w, r, c)
	if !ok {
		return
	}
	msg, err := ctrl.Regenerate(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, c caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ctrl, ok := s.session(w, r, c)
	if !ok {
		return
	}
	if err := ctrl.Cancel(); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, c caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	since := time.Now().UTC().Add(-defaultUsageWindow)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}
	report, err := s.app.Usage(r.Context(), c.user, since)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, c caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Logout(r.Context(), s.hub, c.user.ID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "chat.logout", "success", "user_id", c.user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// writeAppError maps service errors onto status codes. Completion and
// storage failures share one retryable message.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *quota.DeniedError
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":     denied.Reason,
			"limitKind": string(denied.Kind),
		})
	case errors.Is(err, app.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, app.ErrInvalidSettings),
		errors.Is(err, app.ErrInvalidUpdate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNotStreaming),
		errors.Is(err, session.ErrCancelled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrConversationNotFound), errors.Is(err, app.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConversationForbidden), errors.Is(err, app.ErrUserDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrExportDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, ai.ErrCompletion):
		util.LoggerFromContext(r.Context()).Warn("completion failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadGateway, session.RetryMessage)
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, session.RetryMessage)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestToken reads the bearer token. Browsers cannot set headers on a
// websocket upgrade, so the event stream may pass access_token instead.
func requestToken(r *http.Request) (string, bool) {
	if r.URL.Path == "/api/events" && r.Header.Get("Authorization") == "" {
		token := strings.TrimSpace(r.URL.Query().Get("access_token"))
		return token, token != ""
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Warn("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, userID, msg string) bool {
	if s.sendLimiter.Allow(r.Context(), "send|"+userID) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		if ip, _, _ := strings.Cut(xfwd, ","); strings.TrimSpace(ip) != "" {
			return strings.TrimSpace(ip)
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func parseLimit(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
