// Package store defines the persistence contract for the kernel and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the durable state interface every kernel subsystem writes
// through. All enumerations return rows in deterministic order (insert
// time unless stated otherwise). After a successful write returns, the
// data survives process restart.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CountUsers(ctx context.Context) (int, error)
	UpdateUserProfile(ctx context.Context, id, displayName string) error
	SetPasswordHash(ctx context.Context, id, hash string) error
	SetUserMFA(ctx context.Context, id, secret string, enabled bool) error
	SetLastLogin(ctx context.Context, id string, at time.Time) error
	DeleteUser(ctx context.Context, id string) error

	// Organizations. CreateOrganization inserts the org row and its
	// self-owner membership atomically.
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetOrganizationByName(ctx context.Context, name string) (*Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)
	CountOrganizations(ctx context.Context) (int, error)
	UpdateOrgSettings(ctx context.Context, id string, settings json.RawMessage) error
	DeleteOrganization(ctx context.Context, id string) error

	// Org membership
	AddOrgMember(ctx context.Context, m *OrgMember) error
	GetOrgMember(ctx context.Context, orgID, userID string) (*OrgMember, error)
	ListOrgMembers(ctx context.Context, orgID string) ([]OrgMember, error)
	ListOrgsByUser(ctx context.Context, userID string) ([]OrgMember, error)
	UpdateOrgMemberRole(ctx context.Context, orgID, userID, role string) error
	RemoveOrgMember(ctx context.Context, orgID, userID string) error

	// Teams
	CreateTeam(ctx context.Context, team *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	ListTeams(ctx context.Context, orgID string) ([]Team, error)
	DeleteTeam(ctx context.Context, id string) error
	AddTeamMember(ctx context.Context, m *TeamMember) error
	ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error)
	RemoveTeamMember(ctx context.Context, teamID, userID string) error

	// Permission policies (immutable after creation)
	CreatePolicy(ctx context.Context, p *PermissionPolicy) error
	ListPolicies(ctx context.Context) ([]PermissionPolicy, error)
	ListPoliciesBySubjects(ctx context.Context, subjects []string) ([]PermissionPolicy, error)
	CountPolicies(ctx context.Context) (int, error)
	DeletePolicy(ctx context.Context, id string) error

	// Audit (append-only)
	AppendAudit(ctx context.Context, e *AuditEntry) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, int, error)
	PurgeOldAudit(ctx context.Context, before time.Time) (int64, error)

	// Cron jobs
	CreateCronJob(ctx context.Context, job *CronJob) error
	GetCronJob(ctx context.Context, id string) (*CronJob, error)
	ListCronJobs(ctx context.Context, enabledOnly bool) ([]CronJob, error)
	MarkCronJobFired(ctx context.Context, id string, last, next time.Time) error
	SetCronJobEnabled(ctx context.Context, id string, enabled bool) error
	DeleteCronJob(ctx context.Context, id string) error

	// Event triggers
	CreateTrigger(ctx context.Context, tr *EventTrigger) error
	GetTrigger(ctx context.Context, id string) (*EventTrigger, error)
	ListTriggers(ctx context.Context, enabledOnly bool) ([]EventTrigger, error)
	MarkTriggerFired(ctx context.Context, id string, last time.Time) error
	SetTriggerEnabled(ctx context.Context, id string, enabled bool) error
	DeleteTrigger(ctx context.Context, id string) error

	// Plans (one active per PID, updated in place)
	UpsertPlan(ctx context.Context, p *Plan) error
	GetPlanByPID(ctx context.Context, pid int) (*Plan, error)

	// Process archive (historical record written on reap)
	ArchiveProcess(ctx context.Context, rec *ProcessRecord) error
	ListProcessHistory(ctx context.Context, limit, offset int) ([]ProcessRecord, error)

	// KV helpers for opaque config blobs
	GetKV(ctx context.Context, key string) (json.RawMessage, error)
	SetKV(ctx context.Context, key string, value json.RawMessage) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a kernel user account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	MFASecret    string    `json:"-"`
	MFAEnabled   bool      `json:"mfa_enabled"`
	CreatedAt    time.Time `json:"created_at"`
	LastLoginAt  time.Time `json:"last_login_at,omitempty"`
}

// Organization represents a tenant organization. The owner cannot change.
type Organization struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	OwnerUserID string          `json:"owner_user_id"`
	Settings    json.RawMessage `json:"settings,omitempty"` // opaque
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OrgMember links a user to an organization with an org-level role.
type OrgMember struct {
	OrgID    string    `json:"org_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"` // "owner", "admin", "member", "viewer"
	JoinedAt time.Time `json:"joined_at"`
}

// Team is a group inside an organization.
type Team struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TeamMember links a user to a team. The user must already be a member of
// the team's parent org.
type TeamMember struct {
	TeamID   string    `json:"team_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"` // "lead" or "member"
	JoinedAt time.Time `json:"joined_at"`
}

// PermissionPolicy is one rule of the fine-grained policy engine.
type PermissionPolicy struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"` // "user:<id>" or "role:<orgRole>"
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Effect    string    `json:"effect"` // "allow" or "deny"
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// AuditEntry is one row of the append-only decision/action record.
type AuditEntry struct {
	ID        string          `json:"id"`
	TS        time.Time       `json:"ts"`
	PID       int             `json:"pid,omitempty"`
	UID       string          `json:"uid,omitempty"`
	Action    string          `json:"action"`
	EventType string          `json:"event_type"`
	Subject   string          `json:"subject,omitempty"`
	Resource  string          `json:"resource,omitempty"`
	Outcome   string          `json:"outcome"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// AuditFilter selects audit entries. Zero values mean "any".
type AuditFilter struct {
	PID       int
	Action    string
	EventType string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// CronJob is a persisted timer that spawns an agent.
type CronJob struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	AgentConfig json.RawMessage `json:"agent_config"`
	OwnerUID    string          `json:"owner_uid"`
	Enabled     bool            `json:"enabled"`
	LastFiredAt time.Time       `json:"last_fired_at,omitempty"`
	NextFireAt  time.Time       `json:"next_fire_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EventTrigger spawns an agent when a matching event is observed.
type EventTrigger struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	EventPattern string          `json:"event_pattern"`
	Filter       json.RawMessage `json:"filter,omitempty"` // leaf-equality match on payload
	AgentConfig  json.RawMessage `json:"agent_config"`
	OwnerUID     string          `json:"owner_uid"`
	Enabled      bool            `json:"enabled"`
	CooldownMs   int64           `json:"cooldown_ms"`
	LastFiredAt  time.Time       `json:"last_fired_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Plan is the working plan tree of one agent process.
type Plan struct {
	ID        string          `json:"id"`
	PID       int             `json:"pid"`
	UID       string          `json:"uid"`
	Goal      string          `json:"goal"`
	RootNodes json.RawMessage `json:"root_nodes"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProcessRecord is the historical archive row written when a process is
// reaped.
type ProcessRecord struct {
	PID       int             `json:"pid"`
	PPID      int             `json:"ppid"`
	UID       string          `json:"uid"`
	OwnerUID  string          `json:"owner_uid"`
	Name      string          `json:"name"`
	State     string          `json:"state"`
	Phase     string          `json:"phase"`
	Priority  int             `json:"priority"`
	Config    json.RawMessage `json:"config,omitempty"`
	SpawnedAt time.Time       `json:"spawned_at"`
	ExitedAt  time.Time       `json:"exited_at"`
}
