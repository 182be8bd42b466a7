package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aether-os/aether/internal/store"
)

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrCode(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleLoginMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MFAToken string `json:"mfa_token"`
		Code     string `json:"code"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.auth.AuthenticateMFA(r.Context(), req.MFAToken, req.Code)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if !s.requirePolicy(w, r, "user.read", "user."+identity.UserID) {
		return
	}
	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if user == nil {
		writeErrCode(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	writeData(w, http.StatusOK, user)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	identity := identityFrom(r.Context())
	if !s.requirePolicy(w, r, "user.password.update", "user."+identity.UserID) {
		return
	}
	if err := s.auth.ChangePassword(r.Context(), identity.UserID, req.Current, req.New); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"changed": true})
}

func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if !s.requirePolicy(w, r, "user.mfa.update", "user."+identity.UserID) {
		return
	}
	setup, err := s.auth.SetupMFA(r.Context(), identity.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, setup)
}

func (s *Server) handleMFAEnable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	identity := identityFrom(r.Context())
	if !s.requirePolicy(w, r, "user.mfa.update", "user."+identity.UserID) {
		return
	}
	if err := s.auth.EnableMFA(r.Context(), identity.UserID, req.Code); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	identity := identityFrom(r.Context())
	if !s.requirePolicy(w, r, "user.mfa.update", "user."+identity.UserID) {
		return
	}
	if err := s.auth.DisableMFA(r.Context(), identity.UserID, req.Code); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "user.list", "user") {
		return
	}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, users, len(users), len(users), 0)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if !s.requirePolicy(w, r, "user.create", "user") {
		return
	}
	user, err := s.auth.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !s.requirePolicy(w, r, "user.delete", "user."+userID) {
		return
	}
	if err := s.auth.DeleteUser(r.Context(), userID); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "policy.list", "policy") {
		return
	}
	policies, err := s.store.ListPolicies(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, policies, len(policies), len(policies), 0)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject  string `json:"subject"`
		Action   string `json:"action"`
		Resource string `json:"resource"`
		Effect   string `json:"effect"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if !s.requirePolicy(w, r, "policy.create", "policy") {
		return
	}
	identity := identityFrom(r.Context())
	p, err := s.auth.CreatePolicy(r.Context(), req.Subject, req.Action, req.Resource, req.Effect, identity.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.requirePolicy(w, r, "policy.delete", "policy."+id) {
		return
	}
	if err := s.auth.DeletePolicy(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "audit.read", "audit") {
		return
	}
	f := store.AuditFilter{
		Action:    r.URL.Query().Get("action"),
		EventType: r.URL.Query().Get("event_type"),
		PID:       queryInt(r, "pid", 0),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	}
	if t, ok := queryTime(r, "start_time"); ok {
		f.StartTime = t
	}
	if t, ok := queryTime(r, "end_time"); ok {
		f.EndTime = t
	}

	entries, total, err := s.audit.Query(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, entries, total, f.Limit, f.Offset)
}
