package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/kerrors"
	"github.com/aether-os/aether/internal/store"
)

var validOrgRoles = map[string]bool{
	"owner":  true,
	"admin":  true,
	"member": true,
	"viewer": true,
}

// CreateOrg creates an organization owned by ownerID. The owner membership
// row is written in the same transaction as the org itself.
func (s *Service) CreateOrg(ctx context.Context, name, displayName, ownerID string) (*store.Organization, error) {
	if !usernameRe.MatchString(name) {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "org name must be at least 2 characters of [A-Za-z0-9_-]")
	}

	owner, err := s.store.GetUserByID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}
	if owner == nil {
		return nil, kerrors.E(kerrors.CodeNotFound, "owner user not found")
	}

	existing, err := s.store.GetOrganizationByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, kerrors.E(kerrors.CodeConflict, "organization %q already exists", name)
	}

	now := time.Now().UTC()
	org := &store.Organization{
		ID:          uuid.New().String(),
		Name:        name,
		DisplayName: displayName,
		OwnerUserID: ownerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, fmt.Errorf("create org: %w", err)
	}

	s.bus.Emit(eventbus.OrgCreated, map[string]any{
		"org_id": org.ID, "name": org.Name, "owner_user_id": ownerID,
	})
	return org, nil
}

// DeleteOrg removes an organization and, by cascade, its memberships and
// teams.
func (s *Service) DeleteOrg(ctx context.Context, orgID string) error {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("get org: %w", err)
	}
	if org == nil {
		return kerrors.E(kerrors.CodeNotFound, "organization not found")
	}
	if err := s.store.DeleteOrganization(ctx, orgID); err != nil {
		return fmt.Errorf("delete org: %w", err)
	}
	s.bus.Emit(eventbus.OrgDeleted, map[string]any{"org_id": orgID, "name": org.Name})
	return nil
}

// UpdateOrgSettings replaces the org's opaque settings blob.
func (s *Service) UpdateOrgSettings(ctx context.Context, orgID string, settings json.RawMessage) error {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("get org: %w", err)
	}
	if org == nil {
		return kerrors.E(kerrors.CodeNotFound, "organization not found")
	}
	return s.store.UpdateOrgSettings(ctx, orgID, settings)
}

// InviteMember adds a user to an org with the given role. The owner role
// cannot be granted by invite; ownership is fixed at org creation.
func (s *Service) InviteMember(ctx context.Context, orgID, userID, role string) (*store.OrgMember, error) {
	if role == "" {
		role = "member"
	}
	if !validOrgRoles[role] || role == "owner" {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "invalid org role %q", role)
	}

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("get org: %w", err)
	}
	if org == nil {
		return nil, kerrors.E(kerrors.CodeNotFound, "organization not found")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, kerrors.E(kerrors.CodeNotFound, "user not found")
	}
	existing, err := s.store.GetOrgMember(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if existing != nil {
		return nil, kerrors.E(kerrors.CodeConflict, "user is already a member")
	}

	m := &store.OrgMember{
		OrgID:    orgID,
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
	}
	if err := s.store.AddOrgMember(ctx, m); err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}

	s.bus.Emit(eventbus.OrgMemberInvited, map[string]any{
		"org_id": orgID, "user_id": userID, "role": role,
	})
	return m, nil
}

// UpdateMemberRole changes a member's org role. The owner's role is
// immutable, and no one can be promoted to owner.
func (s *Service) UpdateMemberRole(ctx context.Context, orgID, userID, role string) error {
	if !validOrgRoles[role] || role == "owner" {
		return kerrors.E(kerrors.CodeInvalidInput, "invalid org role %q", role)
	}

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("get org: %w", err)
	}
	if org == nil {
		return kerrors.E(kerrors.CodeNotFound, "organization not found")
	}
	if org.OwnerUserID == userID {
		return kerrors.E(kerrors.CodeInvalidState, "the org owner's role cannot change")
	}

	m, err := s.store.GetOrgMember(ctx, orgID, userID)
	if err != nil {
		return fmt.Errorf("get membership: %w", err)
	}
	if m == nil {
		return kerrors.E(kerrors.CodeNotFound, "user is not a member")
	}

	if err := s.store.UpdateOrgMemberRole(ctx, orgID, userID, role); err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	s.bus.Emit(eventbus.OrgMemberUpdated, map[string]any{
		"org_id": orgID, "user_id": userID, "role": role,
	})
	return nil
}

// RemoveMember takes a user out of the org. The owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, orgID, userID string) error {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("get org: %w", err)
	}
	if org == nil {
		return kerrors.E(kerrors.CodeNotFound, "organization not found")
	}
	if org.OwnerUserID == userID {
		return kerrors.E(kerrors.CodeInvalidState, "the org owner cannot be removed")
	}

	m, err := s.store.GetOrgMember(ctx, orgID, userID)
	if err != nil {
		return fmt.Errorf("get membership: %w", err)
	}
	if m == nil {
		return kerrors.E(kerrors.CodeNotFound, "user is not a member")
	}

	if err := s.store.RemoveOrgMember(ctx, orgID, userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	s.bus.Emit(eventbus.OrgMemberRemoved, map[string]any{"org_id": orgID, "user_id": userID})
	return nil
}

// CreateTeam creates a team inside an org.
func (s *Service) CreateTeam(ctx context.Context, orgID, name, description string) (*store.Team, error) {
	if name == "" {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "team name is required")
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("get org: %w", err)
	}
	if org == nil {
		return nil, kerrors.E(kerrors.CodeNotFound, "organization not found")
	}

	team := &store.Team{
		ID:          uuid.New().String(),
		OrgID:       orgID,
		Name:        name,
		Description: description,
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	return team, nil
}

// AddTeamMember inserts a user into a team. The user must already belong
// to the team's parent org.
func (s *Service) AddTeamMember(ctx context.Context, teamID, userID, role string) (*store.TeamMember, error) {
	if role == "" {
		role = "member"
	}
	if role != "lead" && role != "member" {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "team role must be lead or member")
	}

	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	if team == nil {
		return nil, kerrors.E(kerrors.CodeNotFound, "team not found")
	}

	m, err := s.store.GetOrgMember(ctx, team.OrgID, userID)
	if err != nil {
		return nil, fmt.Errorf("check org membership: %w", err)
	}
	if m == nil {
		return nil, kerrors.E(kerrors.CodeInvalidState, "user must be a member of the team's org")
	}

	tm := &store.TeamMember{
		TeamID:   teamID,
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
	}
	if err := s.store.AddTeamMember(ctx, tm); err != nil {
		return nil, fmt.Errorf("add team member: %w", err)
	}
	return tm, nil
}

// RemoveTeamMember takes a user out of a team.
func (s *Service) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	return s.store.RemoveTeamMember(ctx, teamID, userID)
}

// DeleteTeam removes a team and its memberships.
func (s *Service) DeleteTeam(ctx context.Context, teamID string) error {
	return s.store.DeleteTeam(ctx, teamID)
}

// DeleteUser removes a user account. Orgs the user owns survive with a
// dangling owner; deleting them first is the caller's call.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return kerrors.E(kerrors.CodeNotFound, "user not found")
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.bus.Emit(eventbus.UserDeleted, map[string]any{"user_id": userID, "username": user.Username})
	return nil
}
