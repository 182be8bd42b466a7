package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL via pgx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new Postgres store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			mfa_secret TEXT NOT NULL DEFAULT '',
			mfa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			owner_user_id TEXT NOT NULL,
			settings JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS org_members (
			org_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (org_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_org_members_user_id ON org_members(user_id)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			team_id TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (team_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS permission_policies (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			effect TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policies_subject ON permission_policies(subject)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			uid TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			event_type TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_pid ON audit_entries(pid)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			agent_config TEXT NOT NULL DEFAULT '{}',
			owner_uid TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_fired_at TIMESTAMPTZ,
			next_fire_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS event_triggers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			event_pattern TEXT NOT NULL,
			filter TEXT NOT NULL DEFAULT '',
			agent_config TEXT NOT NULL DEFAULT '{}',
			owner_uid TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			cooldown_ms BIGINT NOT NULL DEFAULT 0,
			last_fired_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			pid INTEGER UNIQUE NOT NULL,
			uid TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			root_nodes TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS process_history (
			pid INTEGER PRIMARY KEY,
			ppid INTEGER NOT NULL DEFAULT 0,
			uid TEXT NOT NULL,
			owner_uid TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 3,
			config TEXT NOT NULL DEFAULT '{}',
			spawned_at TIMESTAMPTZ NOT NULL,
			exited_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '{}'
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, password_hash, role, mfa_secret, mfa_enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.Role,
		user.MFASecret, user.MFAEnabled, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n)
	return n, err
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, id, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET display_name = $1 WHERE id = $2", displayName, id)
	return err
}

func (s *PostgresStore) SetPasswordHash(ctx context.Context, id, hash string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = $1 WHERE id = $2", hash, id)
	return err
}

func (s *PostgresStore) SetUserMFA(ctx context.Context, id, secret string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET mfa_secret = $1, mfa_enabled = $2 WHERE id = $3", secret, enabled, id)
	return err
}

func (s *PostgresStore) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login_at = $1 WHERE id = $2", at, id)
	return err
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id)
	return err
}

// --- Organizations ---

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	settings := "{}"
	if org.Settings != nil {
		settings = string(org.Settings)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO organizations (id, name, display_name, owner_user_id, settings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org.ID, org.Name, org.DisplayName, org.OwnerUserID, settings, org.CreatedAt, org.UpdatedAt,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO org_members (org_id, user_id, role, joined_at) VALUES ($1, $2, 'owner', $3)",
		org.ID, org.OwnerUserID, org.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		"SELECT "+orgColumns+" FROM organizations WHERE id = $1", id))
}

func (s *PostgresStore) GetOrganizationByName(ctx context.Context, name string) (*Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		"SELECT "+orgColumns+" FROM organizations WHERE name = $1", name))
}

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orgColumns+" FROM organizations ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, *o)
	}
	return orgs, rows.Err()
}

func (s *PostgresStore) CountOrganizations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM organizations").Scan(&n)
	return n, err
}

func (s *PostgresStore) UpdateOrgSettings(ctx context.Context, id string, settings json.RawMessage) error {
	val := "{}"
	if settings != nil {
		val = string(settings)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE organizations SET settings = $1, updated_at = $2 WHERE id = $3",
		val, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) DeleteOrganization(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM organizations WHERE id = $1", id)
	return err
}

// --- Org membership ---

func (s *PostgresStore) AddOrgMember(ctx context.Context, m *OrgMember) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO org_members (org_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)",
		m.OrgID, m.UserID, m.Role, m.JoinedAt)
	return err
}

func (s *PostgresStore) GetOrgMember(ctx context.Context, orgID, userID string) (*OrgMember, error) {
	var m OrgMember
	err := s.db.QueryRowContext(ctx,
		"SELECT org_id, user_id, role, joined_at FROM org_members WHERE org_id = $1 AND user_id = $2",
		orgID, userID,
	).Scan(&m.OrgID, &m.UserID, &m.Role, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListOrgMembers(ctx context.Context, orgID string) ([]OrgMember, error) {
	return s.listMembers(ctx,
		"SELECT org_id, user_id, role, joined_at FROM org_members WHERE org_id = $1 ORDER BY joined_at, user_id", orgID)
}

func (s *PostgresStore) ListOrgsByUser(ctx context.Context, userID string) ([]OrgMember, error) {
	return s.listMembers(ctx,
		"SELECT org_id, user_id, role, joined_at FROM org_members WHERE user_id = $1 ORDER BY joined_at, org_id", userID)
}

func (s *PostgresStore) listMembers(ctx context.Context, query string, arg any) ([]OrgMember, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []OrgMember
	for rows.Next() {
		var m OrgMember
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) UpdateOrgMemberRole(ctx context.Context, orgID, userID, role string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE org_members SET role = $1 WHERE org_id = $2 AND user_id = $3", role, orgID, userID)
	return err
}

func (s *PostgresStore) RemoveOrgMember(ctx context.Context, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM org_members WHERE org_id = $1 AND user_id = $2", orgID, userID)
	return err
}

// --- Teams ---

func (s *PostgresStore) CreateTeam(ctx context.Context, team *Team) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO teams (id, org_id, name, description) VALUES ($1, $2, $3, $4)",
		team.ID, team.OrgID, team.Name, team.Description)
	return err
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	var t Team
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, name, description FROM teams WHERE id = $1", id,
	).Scan(&t.ID, &t.OrgID, &t.Name, &t.Description)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTeams(ctx context.Context, orgID string) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, name, description FROM teams WHERE org_id = $1 ORDER BY name, id", orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Name, &t.Description); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (s *PostgresStore) DeleteTeam(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM teams WHERE id = $1", id)
	return err
}

func (s *PostgresStore) AddTeamMember(ctx context.Context, m *TeamMember) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)",
		m.TeamID, m.UserID, m.Role, m.JoinedAt)
	return err
}

func (s *PostgresStore) ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT team_id, user_id, role, joined_at FROM team_members WHERE team_id = $1 ORDER BY joined_at, user_id", teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []TeamMember
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM team_members WHERE team_id = $1 AND user_id = $2", teamID, userID)
	return err
}

// --- Permission policies ---

func (s *PostgresStore) CreatePolicy(ctx context.Context, p *PermissionPolicy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_policies (id, subject, action, resource, effect, created_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Subject, p.Action, p.Resource, p.Effect, p.CreatedAt, p.CreatedBy)
	return err
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]PermissionPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+policyColumns+" FROM permission_policies ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPolicies(rows)
}

func (s *PostgresStore) ListPoliciesBySubjects(ctx context.Context, subjects []string) ([]PermissionPolicy, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(subjects))
	args := make([]any, len(subjects))
	for i, sub := range subjects {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = sub
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+policyColumns+" FROM permission_policies WHERE subject IN ("+strings.Join(placeholders, ",")+") ORDER BY created_at, id",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPolicies(rows)
}

func (s *PostgresStore) CountPolicies(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM permission_policies").Scan(&n)
	return n, err
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM permission_policies WHERE id = $1", id)
	return err
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	detail := ""
	if e.Detail != nil {
		detail = string(e.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, ts, pid, uid, action, event_type, subject, resource, outcome, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TS, e.PID, e.UID, e.Action, e.EventType, e.Subject, e.Resource, e.Outcome, detail)
	return err
}

func pgAuditWhere(f AuditFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PID != 0 {
		add("pid = $%d", f.PID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if !f.StartTime.IsZero() {
		add("ts >= $%d", f.StartTime)
	}
	if !f.EndTime.IsZero() {
		add("ts <= $%d", f.EndTime)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, int, error) {
	where, args := pgAuditWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_entries"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(
		"SELECT id, ts, pid, uid, action, event_type, subject, resource, outcome, detail FROM audit_entries%s ORDER BY ts DESC, id DESC LIMIT $%d",
		where, len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail string
		if err := rows.Scan(&e.ID, &e.TS, &e.PID, &e.UID, &e.Action, &e.EventType, &e.Subject, &e.Resource, &e.Outcome, &detail); err != nil {
			return nil, 0, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

func (s *PostgresStore) PurgeOldAudit(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE ts < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Cron jobs ---

func (s *PostgresStore) CreateCronJob(ctx context.Context, job *CronJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (id, name, cron_expr, agent_config, owner_uid, enabled, last_fired_at, next_fire_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Name, job.CronExpr, rawOrDefault(job.AgentConfig, "{}"), job.OwnerUID,
		job.Enabled, nullTime(job.LastFiredAt), nullTime(job.NextFireAt), job.CreatedAt)
	return err
}

func (s *PostgresStore) GetCronJob(ctx context.Context, id string) (*CronJob, error) {
	return scanCronJob(s.db.QueryRowContext(ctx,
		"SELECT "+cronColumns+" FROM cron_jobs WHERE id = $1", id))
}

func (s *PostgresStore) ListCronJobs(ctx context.Context, enabledOnly bool) ([]CronJob, error) {
	query := "SELECT " + cronColumns + " FROM cron_jobs"
	if enabledOnly {
		query += " WHERE enabled"
	}
	query += " ORDER BY created_at, id"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) MarkCronJobFired(ctx context.Context, id string, last, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE cron_jobs SET last_fired_at = $1, next_fire_at = $2 WHERE id = $3",
		last, nullTime(next), id)
	return err
}

func (s *PostgresStore) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE cron_jobs SET enabled = $1 WHERE id = $2", enabled, id)
	return err
}

func (s *PostgresStore) DeleteCronJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cron_jobs WHERE id = $1", id)
	return err
}

// --- Event triggers ---

func (s *PostgresStore) CreateTrigger(ctx context.Context, tr *EventTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_triggers (id, name, event_pattern, filter, agent_config, owner_uid, enabled, cooldown_ms, last_fired_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, tr.Name, tr.EventPattern, rawOrDefault(tr.Filter, ""), rawOrDefault(tr.AgentConfig, "{}"),
		tr.OwnerUID, tr.Enabled, tr.CooldownMs, nullTime(tr.LastFiredAt), tr.CreatedAt)
	return err
}

func (s *PostgresStore) GetTrigger(ctx context.Context, id string) (*EventTrigger, error) {
	return scanTrigger(s.db.QueryRowContext(ctx,
		"SELECT "+triggerColumns+" FROM event_triggers WHERE id = $1", id))
}

func (s *PostgresStore) ListTriggers(ctx context.Context, enabledOnly bool) ([]EventTrigger, error) {
	query := "SELECT " + triggerColumns + " FROM event_triggers"
	if enabledOnly {
		query += " WHERE enabled"
	}
	query += " ORDER BY created_at, id"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []EventTrigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, *tr)
	}
	return triggers, rows.Err()
}

func (s *PostgresStore) MarkTriggerFired(ctx context.Context, id string, last time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE event_triggers SET last_fired_at = $1 WHERE id = $2", last, id)
	return err
}

func (s *PostgresStore) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE event_triggers SET enabled = $1 WHERE id = $2", enabled, id)
	return err
}

func (s *PostgresStore) DeleteTrigger(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM event_triggers WHERE id = $1", id)
	return err
}

// --- Plans ---

func (s *PostgresStore) UpsertPlan(ctx context.Context, p *Plan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (id, pid, uid, goal, root_nodes, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (pid) DO UPDATE SET
		   goal = EXCLUDED.goal,
		   root_nodes = EXCLUDED.root_nodes,
		   status = EXCLUDED.status,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.PID, p.UID, p.Goal, rawOrDefault(p.RootNodes, "[]"), p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PostgresStore) GetPlanByPID(ctx context.Context, pid int) (*Plan, error) {
	var p Plan
	var nodes string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, pid, uid, goal, root_nodes, status, created_at, updated_at FROM plans WHERE pid = $1", pid,
	).Scan(&p.ID, &p.PID, &p.UID, &p.Goal, &nodes, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.RootNodes = json.RawMessage(nodes)
	return &p, nil
}

// --- Process archive ---

func (s *PostgresStore) ArchiveProcess(ctx context.Context, rec *ProcessRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_history (pid, ppid, uid, owner_uid, name, state, phase, priority, config, spawned_at, exited_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (pid) DO UPDATE SET state = EXCLUDED.state, phase = EXCLUDED.phase, exited_at = EXCLUDED.exited_at`,
		rec.PID, rec.PPID, rec.UID, rec.OwnerUID, rec.Name, rec.State, rec.Phase, rec.Priority,
		rawOrDefault(rec.Config, "{}"), rec.SpawnedAt, rec.ExitedAt)
	return err
}

func (s *PostgresStore) ListProcessHistory(ctx context.Context, limit, offset int) ([]ProcessRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, ppid, uid, owner_uid, name, state, phase, priority, config, spawned_at, exited_at
		 FROM process_history ORDER BY pid DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ProcessRecord
	for rows.Next() {
		var r ProcessRecord
		var cfg string
		if err := rows.Scan(&r.PID, &r.PPID, &r.UID, &r.OwnerUID, &r.Name, &r.State, &r.Phase,
			&r.Priority, &cfg, &r.SpawnedAt, &r.ExitedAt); err != nil {
			return nil, err
		}
		r.Config = json.RawMessage(cfg)
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- KV ---

func (s *PostgresStore) GetKV(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (s *PostgresStore) SetKV(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, rawOrDefault(value, "{}"))
	return err
}
