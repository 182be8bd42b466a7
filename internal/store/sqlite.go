package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data. Without this, each pooled connection gets a
	// separate empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			mfa_secret TEXT NOT NULL DEFAULT '',
			mfa_enabled INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_login_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			owner_user_id TEXT NOT NULL,
			settings TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS org_members (
			org_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
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
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (team_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS permission_policies (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			effect TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policies_subject ON permission_policies(subject)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			ts DATETIME NOT NULL,
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
			enabled INTEGER NOT NULL DEFAULT 1,
			last_fired_at DATETIME,
			next_fire_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS event_triggers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			event_pattern TEXT NOT NULL,
			filter TEXT NOT NULL DEFAULT '',
			agent_config TEXT NOT NULL DEFAULT '{}',
			owner_uid TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			cooldown_ms INTEGER NOT NULL DEFAULT 0,
			last_fired_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			pid INTEGER UNIQUE NOT NULL,
			uid TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			root_nodes TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
			spawned_at DATETIME NOT NULL,
			exited_at DATETIME NOT NULL
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, password_hash, role, mfa_secret, mfa_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.Role,
		user.MFASecret, user.MFAEnabled, user.CreatedAt,
	)
	return err
}

const userColumns = "id, username, display_name, password_hash, role, mfa_secret, mfa_enabled, created_at, last_login_at"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role,
		&u.MFASecret, &u.MFAEnabled, &u.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = ?", username))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id))
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
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

func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n)
	return n, err
}

func (s *SQLiteStore) UpdateUserProfile(ctx context.Context, id, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET display_name = ? WHERE id = ?", displayName, id)
	return err
}

func (s *SQLiteStore) SetPasswordHash(ctx context.Context, id, hash string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ? WHERE id = ?", hash, id)
	return err
}

func (s *SQLiteStore) SetUserMFA(ctx context.Context, id, secret string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET mfa_secret = ?, mfa_enabled = ? WHERE id = ?", secret, enabled, id)
	return err
}

func (s *SQLiteStore) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login_at = ? WHERE id = ?", at, id)
	return err
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	return err
}

// --- Organizations ---

func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *Organization) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.DisplayName, org.OwnerUserID, settings, org.CreatedAt, org.UpdatedAt,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO org_members (org_id, user_id, role, joined_at) VALUES (?, ?, 'owner', ?)",
		org.ID, org.OwnerUserID, org.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

const orgColumns = "id, name, display_name, owner_user_id, settings, created_at, updated_at"

func scanOrg(row interface{ Scan(...any) error }) (*Organization, error) {
	var o Organization
	var settings string
	err := row.Scan(&o.ID, &o.Name, &o.DisplayName, &o.OwnerUserID, &settings, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if settings != "" {
		o.Settings = json.RawMessage(settings)
	}
	return &o, nil
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		"SELECT "+orgColumns+" FROM organizations WHERE id = ?", id))
}

func (s *SQLiteStore) GetOrganizationByName(ctx context.Context, name string) (*Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		"SELECT "+orgColumns+" FROM organizations WHERE name = ?", name))
}

func (s *SQLiteStore) ListOrganizations(ctx context.Context) ([]Organization, error) {
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

func (s *SQLiteStore) CountOrganizations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM organizations").Scan(&n)
	return n, err
}

func (s *SQLiteStore) UpdateOrgSettings(ctx context.Context, id string, settings json.RawMessage) error {
	val := "{}"
	if settings != nil {
		val = string(settings)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE organizations SET settings = ?, updated_at = ? WHERE id = ?",
		val, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) DeleteOrganization(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM organizations WHERE id = ?", id)
	return err
}

// --- Org membership ---

func (s *SQLiteStore) AddOrgMember(ctx context.Context, m *OrgMember) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO org_members (org_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
		m.OrgID, m.UserID, m.Role, m.JoinedAt)
	return err
}

func (s *SQLiteStore) GetOrgMember(ctx context.Context, orgID, userID string) (*OrgMember, error) {
	var m OrgMember
	err := s.db.QueryRowContext(ctx,
		"SELECT org_id, user_id, role, joined_at FROM org_members WHERE org_id = ? AND user_id = ?",
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

func (s *SQLiteStore) ListOrgMembers(ctx context.Context, orgID string) ([]OrgMember, error) {
	return s.listMembers(ctx,
		"SELECT org_id, user_id, role, joined_at FROM org_members WHERE org_id = ? ORDER BY joined_at, user_id", orgID)
}

func (s *SQLiteStore) ListOrgsByUser(ctx context.Context, userID string) ([]OrgMember, error) {
	return s.listMembers(ctx,
		"SELECT org_id, user_id, role, joined_at FROM org_members WHERE user_id = ? ORDER BY joined_at, org_id", userID)
}

func (s *SQLiteStore) listMembers(ctx context.Context, query string, arg any) ([]OrgMember, error) {
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

func (s *SQLiteStore) UpdateOrgMemberRole(ctx context.Context, orgID, userID, role string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE org_members SET role = ? WHERE org_id = ? AND user_id = ?", role, orgID, userID)
	return err
}

func (s *SQLiteStore) RemoveOrgMember(ctx context.Context, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM org_members WHERE org_id = ? AND user_id = ?", orgID, userID)
	return err
}

// --- Teams ---

func (s *SQLiteStore) CreateTeam(ctx context.Context, team *Team) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO teams (id, org_id, name, description) VALUES (?, ?, ?, ?)",
		team.ID, team.OrgID, team.Name, team.Description)
	return err
}

func (s *SQLiteStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	var t Team
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, name, description FROM teams WHERE id = ?", id,
	).Scan(&t.ID, &t.OrgID, &t.Name, &t.Description)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTeams(ctx context.Context, orgID string) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, name, description FROM teams WHERE org_id = ? ORDER BY name, id", orgID)
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

func (s *SQLiteStore) DeleteTeam(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM teams WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) AddTeamMember(ctx context.Context, m *TeamMember) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
		m.TeamID, m.UserID, m.Role, m.JoinedAt)
	return err
}

func (s *SQLiteStore) ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT team_id, user_id, role, joined_at FROM team_members WHERE team_id = ? ORDER BY joined_at, user_id", teamID)
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

func (s *SQLiteStore) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM team_members WHERE team_id = ? AND user_id = ?", teamID, userID)
	return err
}

// --- Permission policies ---

func (s *SQLiteStore) CreatePolicy(ctx context.Context, p *PermissionPolicy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_policies (id, subject, action, resource, effect, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Subject, p.Action, p.Resource, p.Effect, p.CreatedAt, p.CreatedBy)
	return err
}

const policyColumns = "id, subject, action, resource, effect, created_at, created_by"

func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]PermissionPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+policyColumns+" FROM permission_policies ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPolicies(rows)
}

func (s *SQLiteStore) ListPoliciesBySubjects(ctx context.Context, subjects []string) ([]PermissionPolicy, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(subjects))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(subjects))
	for i, sub := range subjects {
		args[i] = sub
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+policyColumns+" FROM permission_policies WHERE subject IN ("+placeholders+") ORDER BY created_at, id",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPolicies(rows)
}

func scanPolicies(rows *sql.Rows) ([]PermissionPolicy, error) {
	var policies []PermissionPolicy
	for rows.Next() {
		var p PermissionPolicy
		if err := rows.Scan(&p.ID, &p.Subject, &p.Action, &p.Resource, &p.Effect, &p.CreatedAt, &p.CreatedBy); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *SQLiteStore) CountPolicies(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM permission_policies").Scan(&n)
	return n, err
}

func (s *SQLiteStore) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM permission_policies WHERE id = ?", id)
	return err
}

// --- Audit ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	detail := ""
	if e.Detail != nil {
		detail = string(e.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, ts, pid, uid, action, event_type, subject, resource, outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TS, e.PID, e.UID, e.Action, e.EventType, e.Subject, e.Resource, e.Outcome, detail)
	return err
}

func auditWhere(f AuditFilter) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	if f.PID != 0 {
		where += " AND pid = ?"
		args = append(args, f.PID)
	}
	if f.Action != "" {
		where += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.EventType != "" {
		where += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if !f.StartTime.IsZero() {
		where += " AND ts >= ?"
		args = append(args, f.StartTime)
	}
	if !f.EndTime.IsZero() {
		where += " AND ts <= ?"
		args = append(args, f.EndTime)
	}
	return where, args
}

func (s *SQLiteStore) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, int, error) {
	where, args := auditWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_entries"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, ts, pid, uid, action, event_type, subject, resource, outcome, detail FROM audit_entries" +
		where + " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
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

func (s *SQLiteStore) PurgeOldAudit(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE ts < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Cron jobs ---

func (s *SQLiteStore) CreateCronJob(ctx context.Context, job *CronJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (id, name, cron_expr, agent_config, owner_uid, enabled, last_fired_at, next_fire_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpr, rawOrDefault(job.AgentConfig, "{}"), job.OwnerUID,
		job.Enabled, nullTime(job.LastFiredAt), nullTime(job.NextFireAt), job.CreatedAt)
	return err
}

const cronColumns = "id, name, cron_expr, agent_config, owner_uid, enabled, last_fired_at, next_fire_at, created_at"

func scanCronJob(row interface{ Scan(...any) error }) (*CronJob, error) {
	var j CronJob
	var cfg string
	var last, next sql.NullTime
	err := row.Scan(&j.ID, &j.Name, &j.CronExpr, &cfg, &j.OwnerUID, &j.Enabled, &last, &next, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.AgentConfig = json.RawMessage(cfg)
	if last.Valid {
		j.LastFiredAt = last.Time
	}
	if next.Valid {
		j.NextFireAt = next.Time
	}
	return &j, nil
}

func (s *SQLiteStore) GetCronJob(ctx context.Context, id string) (*CronJob, error) {
	return scanCronJob(s.db.QueryRowContext(ctx,
		"SELECT "+cronColumns+" FROM cron_jobs WHERE id = ?", id))
}

func (s *SQLiteStore) ListCronJobs(ctx context.Context, enabledOnly bool) ([]CronJob, error) {
	query := "SELECT " + cronColumns + " FROM cron_jobs"
	if enabledOnly {
		query += " WHERE enabled = 1"
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

func (s *SQLiteStore) MarkCronJobFired(ctx context.Context, id string, last, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE cron_jobs SET last_fired_at = ?, next_fire_at = ? WHERE id = ?",
		last, nullTime(next), id)
	return err
}

func (s *SQLiteStore) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE cron_jobs SET enabled = ? WHERE id = ?", enabled, id)
	return err
}

func (s *SQLiteStore) DeleteCronJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cron_jobs WHERE id = ?", id)
	return err
}

// --- Event triggers ---

func (s *SQLiteStore) CreateTrigger(ctx context.Context, tr *EventTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_triggers (id, name, event_pattern, filter, agent_config, owner_uid, enabled, cooldown_ms, last_fired_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.Name, tr.EventPattern, rawOrDefault(tr.Filter, ""), rawOrDefault(tr.AgentConfig, "{}"),
		tr.OwnerUID, tr.Enabled, tr.CooldownMs, nullTime(tr.LastFiredAt), tr.CreatedAt)
	return err
}

const triggerColumns = "id, name, event_pattern, filter, agent_config, owner_uid, enabled, cooldown_ms, last_fired_at, created_at"

func scanTrigger(row interface{ Scan(...any) error }) (*EventTrigger, error) {
	var tr EventTrigger
	var filter, cfg string
	var last sql.NullTime
	err := row.Scan(&tr.ID, &tr.Name, &tr.EventPattern, &filter, &cfg, &tr.OwnerUID,
		&tr.Enabled, &tr.CooldownMs, &last, &tr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if filter != "" {
		tr.Filter = json.RawMessage(filter)
	}
	tr.AgentConfig = json.RawMessage(cfg)
	if last.Valid {
		tr.LastFiredAt = last.Time
	}
	return &tr, nil
}

func (s *SQLiteStore) GetTrigger(ctx context.Context, id string) (*EventTrigger, error) {
	return scanTrigger(s.db.QueryRowContext(ctx,
		"SELECT "+triggerColumns+" FROM event_triggers WHERE id = ?", id))
}

func (s *SQLiteStore) ListTriggers(ctx context.Context, enabledOnly bool) ([]EventTrigger, error) {
	query := "SELECT " + triggerColumns + " FROM event_triggers"
	if enabledOnly {
		query += " WHERE enabled = 1"
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

func (s *SQLiteStore) MarkTriggerFired(ctx context.Context, id string, last time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE event_triggers SET last_fired_at = ? WHERE id = ?", last, id)
	return err
}

func (s *SQLiteStore) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE event_triggers SET enabled = ? WHERE id = ?", enabled, id)
	return err
}

func (s *SQLiteStore) DeleteTrigger(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM event_triggers WHERE id = ?", id)
	return err
}

// --- Plans ---

func (s *SQLiteStore) UpsertPlan(ctx context.Context, p *Plan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (id, pid, uid, goal, root_nodes, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pid) DO UPDATE SET
		   goal = excluded.goal,
		   root_nodes = excluded.root_nodes,
		   status = excluded.status,
		   updated_at = excluded.updated_at`,
		p.ID, p.PID, p.UID, p.Goal, rawOrDefault(p.RootNodes, "[]"), p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetPlanByPID(ctx context.Context, pid int) (*Plan, error) {
	var p Plan
	var nodes string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, pid, uid, goal, root_nodes, status, created_at, updated_at FROM plans WHERE pid = ?", pid,
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

func (s *SQLiteStore) ArchiveProcess(ctx context.Context, rec *ProcessRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_history (pid, ppid, uid, owner_uid, name, state, phase, priority, config, spawned_at, exited_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pid) DO UPDATE SET state = excluded.state, phase = excluded.phase, exited_at = excluded.exited_at`,
		rec.PID, rec.PPID, rec.UID, rec.OwnerUID, rec.Name, rec.State, rec.Phase, rec.Priority,
		rawOrDefault(rec.Config, "{}"), rec.SpawnedAt, rec.ExitedAt)
	return err
}

func (s *SQLiteStore) ListProcessHistory(ctx context.Context, limit, offset int) ([]ProcessRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, ppid, uid, owner_uid, name, state, phase, priority, config, spawned_at, exited_at
		 FROM process_history ORDER BY pid DESC LIMIT ? OFFSET ?`, limit, offset)
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

func (s *SQLiteStore) GetKV(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (s *SQLiteStore) SetKV(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, rawOrDefault(value, "{}"))
	return err
}

// --- helpers ---

func rawOrDefault(raw json.RawMessage, def string) string {
	if raw == nil {
		return def
	}
	return string(raw)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
