package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{
		ID:           "u1",
		Username:     "alice",
		PasswordHash: "deadbeef:cafe",
		Role:         "admin",
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if got == nil || got.ID != "u1" || got.Role != "admin" {
		t.Fatalf("unexpected user: %+v", got)
	}
	if !got.LastLoginAt.IsZero() {
		t.Errorf("expected zero last login, got %v", got.LastLoginAt)
	}

	missing, err := s.GetUserByID(ctx, "nope")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing user, got %+v", missing)
	}

	// Duplicate username must be rejected.
	dup := &User{ID: "u2", Username: "alice", PasswordHash: "x", Role: "user", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, dup); err == nil {
		t.Error("expected unique constraint error for duplicate username")
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.SetLastLogin(ctx, "u1", now); err != nil {
		t.Fatalf("SetLastLogin: %v", err)
	}
	if err := s.SetUserMFA(ctx, "u1", "SECRETBASE32", true); err != nil {
		t.Fatalf("SetUserMFA: %v", err)
	}
	got, _ = s.GetUserByID(ctx, "u1")
	if !got.MFAEnabled || got.MFASecret != "SECRETBASE32" {
		t.Errorf("MFA not persisted: %+v", got)
	}
	if got.LastLoginAt.IsZero() {
		t.Error("last login not persisted")
	}

	n, err := s.CountUsers(ctx)
	if err != nil || n != 1 {
		t.Errorf("CountUsers = %d, %v; want 1", n, err)
	}

	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	got, _ = s.GetUserByID(ctx, "u1")
	if got != nil {
		t.Error("user still present after delete")
	}
}

func TestCreateOrganizationAddsOwnerMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &Organization{
		ID:          "org1",
		Name:        "acme",
		OwnerUserID: "u1",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}

	m, err := s.GetOrgMember(ctx, "org1", "u1")
	if err != nil {
		t.Fatalf("GetOrgMember: %v", err)
	}
	if m == nil || m.Role != "owner" {
		t.Fatalf("expected owner membership, got %+v", m)
	}

	// Name is unique.
	dup := &Organization{ID: "org2", Name: "acme", OwnerUserID: "u2", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateOrganization(ctx, dup); err == nil {
		t.Error("expected unique constraint error for duplicate org name")
	}

	// Deleting the org cascades to membership.
	if err := s.DeleteOrganization(ctx, "org1"); err != nil {
		t.Fatalf("DeleteOrganization: %v", err)
	}
	m, _ = s.GetOrgMember(ctx, "org1", "u1")
	if m != nil {
		t.Error("membership survived org delete")
	}
}

func TestTeamsCascadeWithOrg(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &Organization{ID: "org1", Name: "acme", OwnerUserID: "u1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	if err := s.CreateTeam(ctx, &Team{ID: "t1", OrgID: "org1", Name: "core"}); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if err := s.AddTeamMember(ctx, &TeamMember{TeamID: "t1", UserID: "u1", Role: "lead", JoinedAt: time.Now()}); err != nil {
		t.Fatalf("AddTeamMember: %v", err)
	}

	teams, err := s.ListTeams(ctx, "org1")
	if err != nil || len(teams) != 1 {
		t.Fatalf("ListTeams = %v, %v; want 1 team", teams, err)
	}

	if err := s.DeleteOrganization(ctx, "org1"); err != nil {
		t.Fatalf("DeleteOrganization: %v", err)
	}
	team, _ := s.GetTeam(ctx, "t1")
	if team != nil {
		t.Error("team survived org delete")
	}
}

func TestListPoliciesBySubjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, sub := range []string{"user:u1", "role:admin", "user:u2"} {
		p := &PermissionPolicy{
			ID:        string(rune('a' + i)),
			Subject:   sub,
			Action:    "tool.use",
			Resource:  "shell",
			Effect:    "allow",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("CreatePolicy: %v", err)
		}
	}

	got, err := s.ListPoliciesBySubjects(ctx, []string{"user:u1", "role:admin"})
	if err != nil {
		t.Fatalf("ListPoliciesBySubjects: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d policies, want 2", len(got))
	}

	empty, err := s.ListPoliciesBySubjects(ctx, nil)
	if err != nil || empty != nil {
		t.Errorf("empty subjects should return nil, got %v, %v", empty, err)
	}
}

func TestAuditQueryAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := &AuditEntry{
			ID:        string(rune('a' + i)),
			TS:        base.Add(time.Duration(i) * time.Minute),
			PID:       i % 2,
			Action:    "signal",
			EventType: "process",
			Outcome:   "ok",
		}
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	entries, total, err := s.QueryAudit(ctx, AuditFilter{PID: 1, Limit: 10})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("pid filter: got %d/%d, want 2/2", len(entries), total)
	}

	// Newest first.
	entries, total, err = s.QueryAudit(ctx, AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if total != 5 || len(entries) != 2 {
		t.Fatalf("limit: got %d/%d, want 2/5", len(entries), total)
	}
	if !entries[0].TS.After(entries[1].TS) {
		t.Errorf("entries not ordered newest first: %v then %v", entries[0].TS, entries[1].TS)
	}

	purged, err := s.PurgeOldAudit(ctx, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("PurgeOldAudit: %v", err)
	}
	if purged != 3 {
		t.Errorf("purged %d, want 3", purged)
	}
	_, total, _ = s.QueryAudit(ctx, AuditFilter{})
	if total != 2 {
		t.Errorf("after purge total = %d, want 2", total)
	}
}

func TestCronJobFiring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &CronJob{
		ID:          "c1",
		Name:        "nightly",
		CronExpr:    "0 3 * * *",
		AgentConfig: json.RawMessage(`{"name":"reporter"}`),
		OwnerUID:    "u1",
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateCronJob(ctx, job); err != nil {
		t.Fatalf("CreateCronJob: %v", err)
	}

	got, err := s.GetCronJob(ctx, "c1")
	if err != nil || got == nil {
		t.Fatalf("GetCronJob: %v, %v", got, err)
	}
	if !got.LastFiredAt.IsZero() {
		t.Errorf("new job should have zero last fire, got %v", got.LastFiredAt)
	}

	last := time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC)
	next := last.Add(24 * time.Hour)
	if err := s.MarkCronJobFired(ctx, "c1", last, next); err != nil {
		t.Fatalf("MarkCronJobFired: %v", err)
	}
	got, _ = s.GetCronJob(ctx, "c1")
	if !got.LastFiredAt.Equal(last) || !got.NextFireAt.Equal(next) {
		t.Errorf("fire times not persisted: %+v", got)
	}

	if err := s.SetCronJobEnabled(ctx, "c1", false); err != nil {
		t.Fatalf("SetCronJobEnabled: %v", err)
	}
	enabled, err := s.ListCronJobs(ctx, true)
	if err != nil {
		t.Fatalf("ListCronJobs: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("disabled job listed as enabled")
	}
	all, _ := s.ListCronJobs(ctx, false)
	if len(all) != 1 {
		t.Errorf("ListCronJobs(false) = %d jobs, want 1", len(all))
	}
}

func TestTriggerCooldownFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := &EventTrigger{
		ID:           "t1",
		Name:         "on-exit",
		EventPattern: "process.*",
		Filter:       json.RawMessage(`{"exitCode":1}`),
		AgentConfig:  json.RawMessage(`{"name":"medic"}`),
		OwnerUID:     "u1",
		Enabled:      true,
		CooldownMs:   60000,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateTrigger(ctx, tr); err != nil {
		t.Fatalf("CreateTrigger: %v", err)
	}

	got, err := s.GetTrigger(ctx, "t1")
	if err != nil || got == nil {
		t.Fatalf("GetTrigger: %v, %v", got, err)
	}
	if got.CooldownMs != 60000 || string(got.Filter) != `{"exitCode":1}` {
		t.Errorf("trigger fields not persisted: %+v", got)
	}

	fired := time.Now().UTC().Truncate(time.Second)
	if err := s.MarkTriggerFired(ctx, "t1", fired); err != nil {
		t.Fatalf("MarkTriggerFired: %v", err)
	}
	got, _ = s.GetTrigger(ctx, "t1")
	if !got.LastFiredAt.Equal(fired) {
		t.Errorf("last fired = %v, want %v", got.LastFiredAt, fired)
	}
}

func TestPlanUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Plan{
		ID:        "p1",
		PID:       7,
		UID:       "agent_7",
		Goal:      "triage inbox",
		RootNodes: json.RawMessage(`[{"id":"n1","status":"pending"}]`),
		Status:    "active",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertPlan(ctx, p); err != nil {
		t.Fatalf("UpsertPlan: %v", err)
	}

	p.RootNodes = json.RawMessage(`[{"id":"n1","status":"done"}]`)
	p.Status = "completed"
	p.UpdatedAt = p.UpdatedAt.Add(time.Minute)
	if err := s.UpsertPlan(ctx, p); err != nil {
		t.Fatalf("UpsertPlan update: %v", err)
	}

	got, err := s.GetPlanByPID(ctx, 7)
	if err != nil || got == nil {
		t.Fatalf("GetPlanByPID: %v, %v", got, err)
	}
	if got.Status != "completed" || string(got.RootNodes) != `[{"id":"n1","status":"done"}]` {
		t.Errorf("plan not updated in place: %+v", got)
	}

	missing, _ := s.GetPlanByPID(ctx, 99)
	if missing != nil {
		t.Errorf("expected nil for missing plan")
	}
}

func TestProcessArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for pid := 1; pid <= 3; pid++ {
		rec := &ProcessRecord{
			PID:       pid,
			UID:       "agent_1",
			OwnerUID:  "u1",
			Name:      "worker",
			State:     "dead",
			Priority:  3,
			SpawnedAt: time.Now().Add(-time.Hour),
			ExitedAt:  time.Now(),
		}
		if err := s.ArchiveProcess(ctx, rec); err != nil {
			t.Fatalf("ArchiveProcess: %v", err)
		}
	}

	records, err := s.ListProcessHistory(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListProcessHistory: %v", err)
	}
	if len(records) != 2 || records[0].PID != 3 {
		t.Errorf("want newest-pid-first page of 2, got %+v", records)
	}
}

func TestKVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetKV(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("missing key: %v, %v", missing, err)
	}

	if err := s.SetKV(ctx, "k", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if err := s.SetKV(ctx, "k", json.RawMessage(`{"a":2}`)); err != nil {
		t.Fatalf("SetKV overwrite: %v", err)
	}
	got, err := s.GetKV(ctx, "k")
	if err != nil || string(got) != `{"a":2}` {
		t.Errorf("GetKV = %s, %v", got, err)
	}
}
