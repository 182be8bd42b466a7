package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aether-os/aether/internal/store"
)

func (s *Server) handleListCronJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "cron.list", "cron") {
		return
	}
	jobs, err := s.store.ListCronJobs(r.Context(), false)
	if err != nil {
		writeErr(w, err)
		return
	}
	identity := identityFrom(r.Context())
	if !identity.IsAdmin() {
		own := jobs[:0]
		for _, j := range jobs {
			if j.OwnerUID == identity.UserID {
				own = append(own, j)
			}
		}
		jobs = own
	}
	writeList(w, jobs, len(jobs), len(jobs), 0)
}

func (s *Server) handleCreateCronJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string          `json:"name"`
		CronExpr    string          `json:"cron_expr"`
		AgentConfig json.RawMessage `json:"agent_config"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requirePolicy(w, r, "cron.create", "cron") {
		return
	}

	identity := identityFrom(r.Context())
	job, err := s.sched.CreateCronJob(r.Context(), req.Name, req.CronExpr, req.AgentConfig, identity.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, job)
}

// lookupOwnedCron fetches a cron job the caller may mutate. Only the owner
// or a system admin gets past here.
func (s *Server) lookupOwnedCron(w http.ResponseWriter, r *http.Request, action string) (*store.CronJob, bool) {
	id := chi.URLParam(r, "id")
	if !s.requirePolicy(w, r, action, "cron."+id) {
		return nil, false
	}
	job, err := s.store.GetCronJob(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	if job == nil {
		writeErrCode(w, http.StatusNotFound, "NOT_FOUND", "cron job not found")
		return nil, false
	}
	identity := identityFrom(r.Context())
	if job.OwnerUID != identity.UserID && !identity.IsAdmin() {
		writeErrCode(w, http.StatusForbidden, "FORBIDDEN", "not the owner of this cron job")
		return nil, false
	}
	return job, true
}

func (s *Server) handleSetCronEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	job, ok := s.lookupOwnedCron(w, r, "cron.update")
	if !ok {
		return
	}
	if err := s.store.SetCronJobEnabled(r.Context(), job.ID, req.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": job.ID, "enabled": req.Enabled})
}

func (s *Server) handleDeleteCronJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupOwnedCron(w, r, "cron.delete")
	if !ok {
		return
	}
	if err := s.store.DeleteCronJob(r.Context(), job.ID); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "trigger.list", "trigger") {
		return
	}
	triggers, err := s.store.ListTriggers(r.Context(), false)
	if err != nil {
		writeErr(w, err)
		return
	}
	identity := identityFrom(r.Context())
	if !identity.IsAdmin() {
		own := triggers[:0]
		for _, tr := range triggers {
			if tr.OwnerUID == identity.UserID {
				own = append(own, tr)
			}
		}
		triggers = own
	}
	writeList(w, triggers, len(triggers), len(triggers), 0)
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string          `json:"name"`
		EventPattern string          `json:"event_pattern"`
		Filter       json.RawMessage `json:"filter"`
		AgentConfig  json.RawMessage `json:"agent_config"`
		CooldownMs   int64           `json:"cooldown_ms"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !s.requirePolicy(w, r, "trigger.create", "trigger") {
		return
	}

	identity := identityFrom(r.Context())
	tr, err := s.sched.CreateTrigger(r.Context(), req.Name, req.EventPattern, req.Filter, req.AgentConfig, req.CooldownMs, identity.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, tr)
}

func (s *Server) lookupOwnedTrigger(w http.ResponseWriter, r *http.Request, action string) (*store.EventTrigger, bool) {
	id := chi.URLParam(r, "id")
	if !s.requirePolicy(w, r, action, "trigger."+id) {
		return nil, false
	}
	tr, err := s.store.GetTrigger(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	if tr == nil {
		writeErrCode(w, http.StatusNotFound, "NOT_FOUND", "trigger not found")
		return nil, false
	}
	identity := identityFrom(r.Context())
	if tr.OwnerUID != identity.UserID && !identity.IsAdmin() {
		writeErrCode(w, http.StatusForbidden, "FORBIDDEN", "not the owner of this trigger")
		return nil, false
	}
	return tr, true
}

func (s *Server) handleSetTriggerEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	tr, ok := s.lookupOwnedTrigger(w, r, "trigger.update")
	if !ok {
		return
	}
	if err := s.store.SetTriggerEnabled(r.Context(), tr.ID, req.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	// The scheduler matches against its cached trigger set.
	if err := s.sched.ReloadTriggers(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": tr.ID, "enabled": req.Enabled})
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.lookupOwnedTrigger(w, r, "trigger.delete")
	if !ok {
		return
	}
	if err := s.store.DeleteTrigger(r.Context(), tr.ID); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.sched.ReloadTriggers(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}
