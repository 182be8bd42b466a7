// Package api provides the kernel's HTTP boundary: authentication and
// authorization gates, the REST surface, SSE and WebSocket event streams,
// and inbound webhook verification.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/aether-os/aether/internal/audit"
	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/config"
	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/proc"
	"github.com/aether-os/aether/internal/sched"
	"github.com/aether-os/aether/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         *auth.Service
	table        *proc.Table
	sched        *sched.Scheduler
	audit        *audit.Logger
	bus          *eventbus.Bus
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	slackSecret  string
	rl           *rateLimiter
	loginRL      *rateLimiter
	upgrader     websocket.Upgrader
}

// NewServer wires the kernel subsystems into the HTTP surface.
func NewServer(st store.Store, authSvc *auth.Service, table *proc.Table, scheduler *sched.Scheduler, auditLog *audit.Logger, bus *eventbus.Bus, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        st,
		auth:         authSvc,
		table:        table,
		sched:        scheduler,
		audit:        auditLog,
		bus:          bus,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		slackSecret:  cfg.Slack.SigningSecret,
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		loginRL:      newRateLimiter(5, 10),
		upgrader:     makeUpgrader(cfg.Server.AllowedOrigins),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Unauthenticated surface.
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/mfa", srv.handleLoginMFA)
	if srv.slackSecret != "" {
		mux.Post("/webhooks/slack", srv.handleSlackWebhook)
	}

	// Authenticated surface.
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Post("/api/me/password", srv.handleChangePassword)
		r.Post("/api/me/mfa/setup", srv.handleMFASetup)
		r.Post("/api/me/mfa/enable", srv.handleMFAEnable)
		r.Post("/api/me/mfa/disable", srv.handleMFADisable)

		r.Get("/api/agents", srv.handleListAgents)
		r.Post("/api/agents", srv.handleSpawnAgent)
		r.Get("/api/agents/history", srv.handleAgentHistory)
		r.Get("/api/agents/{pid}", srv.handleGetAgent)
		r.Post("/api/agents/{pid}/signal", srv.handleSignalAgent)
		r.Put("/api/agents/{pid}/state", srv.handleSetAgentState)
		r.Put("/api/agents/{pid}/priority", srv.handleSetAgentPriority)
		r.Post("/api/agents/{pid}/reap", srv.handleReapAgent)
		r.Post("/api/agents/{pid}/messages", srv.handleSendMessage)
		r.Get("/api/agents/{pid}/messages", srv.handleDrainMessages)
		r.Get("/api/agents/{pid}/plan", srv.handleGetPlan)
		r.Put("/api/agents/{pid}/plan", srv.handlePutPlan)

		r.Post("/api/orgs", srv.handleCreateOrg)
		r.Get("/api/orgs", srv.handleListOrgs)
		r.Get("/api/orgs/{orgID}", srv.handleGetOrg)
		r.Delete("/api/orgs/{orgID}", srv.handleDeleteOrg)
		r.Put("/api/orgs/{orgID}/settings", srv.handleUpdateOrgSettings)
		r.Get("/api/orgs/{orgID}/members", srv.handleListOrgMembers)
		r.Post("/api/orgs/{orgID}/members", srv.handleInviteMember)
		r.Put("/api/orgs/{orgID}/members/{userID}", srv.handleUpdateMemberRole)
		r.Delete("/api/orgs/{orgID}/members/{userID}", srv.handleRemoveMember)
		r.Post("/api/orgs/{orgID}/teams", srv.handleCreateTeam)
		r.Get("/api/orgs/{orgID}/teams", srv.handleListTeams)
		r.Delete("/api/teams/{teamID}", srv.handleDeleteTeam)
		r.Get("/api/teams/{teamID}/members", srv.handleListTeamMembers)
		r.Post("/api/teams/{teamID}/members", srv.handleAddTeamMember)
		r.Delete("/api/teams/{teamID}/members/{userID}", srv.handleRemoveTeamMember)

		r.Get("/api/cron", srv.handleListCronJobs)
		r.Post("/api/cron", srv.handleCreateCronJob)
		r.Put("/api/cron/{id}/enabled", srv.handleSetCronEnabled)
		r.Delete("/api/cron/{id}", srv.handleDeleteCronJob)

		r.Get("/api/triggers", srv.handleListTriggers)
		r.Post("/api/triggers", srv.handleCreateTrigger)
		r.Put("/api/triggers/{id}/enabled", srv.handleSetTriggerEnabled)
		r.Delete("/api/triggers/{id}", srv.handleDeleteTrigger)

		r.Get("/api/audit", srv.handleQueryAudit)

		r.Get("/api/events", srv.handleSSE)
		r.Get("/ws/events", srv.handleWSEvents)

		// Admin routes.
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			r.Post("/api/users", srv.handleCreateUser)
			r.Delete("/api/users/{userID}", srv.handleDeleteUser)
			r.Get("/api/policies", srv.handleListPolicies)
			r.Post("/api/policies", srv.handleCreatePolicy)
			r.Delete("/api/policies/{id}", srv.handleDeletePolicy)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeErrCode(w, http.StatusServiceUnavailable, "TRANSIENT", "store not ready")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"status": "ready"})
}
