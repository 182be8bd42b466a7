package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/proc"
	"github.com/aether-os/aether/internal/store"
)

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func pathPID(r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	return pid, err == nil && pid > 0
}

// lookupOwned resolves a PID the caller is allowed to act on: the policy
// engine must allow (action, process.<pid>) and non-admins only see their
// own processes.
func (s *Server) lookupOwned(w http.ResponseWriter, r *http.Request, action string) (*proc.Process, bool) {
	pid, ok := pathPID(r)
	if !ok {
		writeErrCode(w, http.StatusBadRequest, "INVALID_INPUT", "invalid pid")
		return nil, false
	}
	if !s.requirePolicy(w, r, action, "process."+strconv.Itoa(pid)) {
		return nil, false
	}
	p := s.table.Get(pid)
	if p == nil {
		writeErrCode(w, http.StatusNotFound, "NOT_FOUND", "no such process")
		return nil, false
	}
	identity := identityFrom(r.Context())
	if !s.table.IsOwner(pid, identity.UserID, identity.IsAdmin()) {
		writeErrCode(w, http.StatusForbidden, "FORBIDDEN", "not the owner of this process")
		return nil, false
	}
	return p, true
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "process.list", "process") {
		return
	}
	identity := identityFrom(r.Context())
	procs := s.table.GetActiveByOwner(identity.UserID, identity.IsAdmin())
	writeList(w, procs, len(procs), len(procs), 0)
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var cfg proc.AgentConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	if cfg.Name == "" {
		writeErrCode(w, http.StatusBadRequest, "INVALID_INPUT", "agent name is required")
		return
	}
	if !s.requirePolicy(w, r, "process.spawn", "process") {
		return
	}

	identity := identityFrom(r.Context())
	p, err := s.table.Spawn(cfg, 0, identity.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, p)
}

func (s *Server) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "process.history", "process") {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	recs, err := s.store.ListProcessHistory(r.Context(), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}

	// Non-admins only see the archive of their own processes.
	identity := identityFrom(r.Context())
	if !identity.IsAdmin() {
		own := recs[:0]
		for _, rec := range recs {
			if rec.OwnerUID == identity.UserID {
				own = append(own, rec)
			}
		}
		recs = own
	}
	writeList(w, recs, len(recs), limit, offset)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupOwned(w, r, "process.read")
	if !ok {
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) handleSignalAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupOwned(w, r, "process.signal")
	if !ok {
		return
	}
	var req struct {
		Signal string `json:"signal"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	switch req.Signal {
	case proc.SIGTERM, proc.SIGKILL, proc.SIGSTOP, proc.SIGCONT:
	default:
		writeErrCode(w, http.StatusBadRequest, "INVALID_INPUT", "unknown signal")
		return
	}
	if !s.table.Signal(p.PID, req.Signal) {
		writeErrCode(w, http.StatusConflict, "INVALID_STATE", "process cannot receive signals")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"pid": p.PID, "signal": req.Signal})
}

func (s *Server) handleSetAgentState(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupOwned(w, r, "process.state")
	if !ok {
		return
	}
	var req struct {
		State string `json:"state"`
		Phase string `json:"phase"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.table.SetState(p.PID, proc.State(req.State), req.Phase); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, s.table.Get(p.PID))
}

func (s *Server) handleSetAgentPriority(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupOwned(w, r, "process.priority")
	if !ok {
		return
	}
	var req struct {
		Priority int `json:"priority"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	changed, err := s.table.SetPriority(p.PID, req.Priority)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"pid": p.PID, "changed": changed})
}

func (s *Server) handleReapAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupOwned(w, r, "process.reap")
	if !ok {
		return
	}
	if err := s.table.Reap(p.PID); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"pid": p.PID, "reaped": true})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupOwned(w, r, "process.message.send")
	if !ok {
		return
	}
	var req struct {
		FromPID int    `json:"from_pid"`
		Channel string `json:"channel"`
		Payload any    `json:"payload"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	msg, err := s.table.SendMessage(req.FromPID, p.PID, req.Channel, req.Payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, msg)
}

func (s *Server) handleDrainMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupOwned(w, r, "process.message.drain")
	if !ok {
		return
	}
	msgs, err := s.table.DrainMessages(p.PID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, msgs, len(msgs), len(msgs), 0)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupOwned(w, r, "plan.read")
	if !ok {
		return
	}
	plan, err := s.store.GetPlanByPID(r.Context(), p.PID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if plan == nil {
		writeErrCode(w, http.StatusNotFound, "NOT_FOUND", "no plan for this process")
		return
	}
	writeData(w, http.StatusOK, plan)
}

func (s *Server) handlePutPlan(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupOwned(w, r, "plan.write")
	if !ok {
		return
	}
	var plan store.Plan
	if !s.decode(w, r, &plan) {
		return
	}
	plan.PID = p.PID
	plan.UID = p.UID
	if err := s.store.UpsertPlan(r.Context(), &plan); err != nil {
		writeErr(w, err)
		return
	}
	s.bus.Emit(eventbus.PlanUpdated, map[string]any{
		"pid": p.PID, "uid": p.UID, "goal": plan.Goal, "status": plan.Status,
	})
	writeData(w, http.StatusOK, &plan)
}
