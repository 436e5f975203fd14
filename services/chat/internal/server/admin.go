package server

import (
	"net/http"
	"strings"

	"chatassist/pkg/domain"
	"chatassist/services/chat/internal/app"
)

const defaultAdminLogLimit = 100

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.ListUsers(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"count": len(users),
	})
}

func (s *Server) handleAdminUserByID(w http.ResponseWriter, r *http.Request, c caller) {
	id := strings.TrimPrefix(r.URL.Path, "/api/admin/users/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req adminUserUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	update, ok := req.parse()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid role or tier")
		return
	}
	updated, err := s.app.AdminUpdateUser(r.Context(), c.user, id, update)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "chat.admin.update_user", "success", "user_id", c.user.ID, "target_user_id", id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request, _ caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.DashboardStats(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request, _ caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	logs, err := s.app.AdminLogs(r.Context(), parseLimit(r.URL.Query().Get("limit"), defaultAdminLogLimit))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": logs,
		"count": len(logs),
	})
}

func (s *Server) handleAdminConversationByID(w http.ResponseWriter, r *http.Request, c caller) {
	id := strings.TrimPrefix(r.URL.Path, "/api/admin/conversations/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.AdminDeleteConversation(r.Context(), c.user, id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "chat.admin.delete_conversation", "success", "user_id", c.user.ID, "conversation_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type adminUserUpdateRequest struct {
	Role   string `json:"role"`
	Tier   string `json:"tier"`
	Active *bool  `json:"isActive"`
}

// parse normalizes case and rejects unknown roles and tiers.
func (req adminUserUpdateRequest) parse() (app.AdminUserUpdate, bool) {
	update := app.AdminUserUpdate{Active: req.Active}
	if raw := strings.ToLower(strings.TrimSpace(req.Role)); raw != "" {
		role := domain.UserRole(raw)
		if !role.Valid() {
			return app.AdminUserUpdate{}, false
		}
		update.Role = &role
	}
	if raw := strings.ToLower(strings.TrimSpace(req.Tier)); raw != "" {
		tier := domain.Tier(raw)
		if !tier.Valid() {
			return app.AdminUserUpdate{}, false
		}
		update.Tier = &tier
	}
	return update, true
}
