package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// requireOrgPermission gates an org-scoped operation: the fine-grained
// policy engine first, then the coarse role-based check for the org.
func (s *Server) requireOrgPermission(w http.ResponseWriter, r *http.Request, permission, orgID string) bool {
	if !s.requirePolicy(w, r, permission, "org."+orgID) {
		return false
	}
	identity := identityFrom(r.Context())
	ok, err := s.auth.HasPermission(r.Context(), identity.UserID, permission, orgID)
	if err != nil {
		writeErr(w, err)
		return false
	}
	if !ok {
		writeErrCode(w, http.StatusForbidden, "FORBIDDEN", "insufficient role for "+permission)
		return false
	}
	return true
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if !s.requirePolicy(w, r, "org.create", "org") {
		return
	}
	identity := identityFrom(r.Context())
	org, err := s.auth.CreateOrg(r.Context(), req.Name, req.DisplayName, identity.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, org)
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "org.list", "org") {
		return
	}
	identity := identityFrom(r.Context())
	if identity.IsAdmin() {
		orgs, err := s.store.ListOrganizations(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeList(w, orgs, len(orgs), len(orgs), 0)
		return
	}

	memberships, err := s.store.ListOrgsByUser(r.Context(), identity.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	orgs := make([]any, 0, len(memberships))
	for _, m := range memberships {
		org, err := s.store.GetOrganization(r.Context(), m.OrgID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if org != nil {
			orgs = append(orgs, org)
		}
	}
	writeList(w, orgs, len(orgs), len(orgs), 0)
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !s.requirePolicy(w, r, "org.read", "org."+orgID) {
		return
	}
	identity := identityFrom(r.Context())
	if !identity.IsAdmin() {
		m, err := s.store.GetOrgMember(r.Context(), orgID, identity.UserID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if m == nil {
			writeErrCode(w, http.StatusForbidden, "FORBIDDEN", "not a member of this organization")
			return
		}
	}

	org, err := s.store.GetOrganization(r.Context(), orgID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if org == nil {
		writeErrCode(w, http.StatusNotFound, "NOT_FOUND", "organization not found")
		return
	}
	writeData(w, http.StatusOK, org)
}

func (s *Server) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !s.requireOrgPermission(w, r, "org.delete", orgID) {
		return
	}
	if err := s.auth.DeleteOrg(r.Context(), orgID); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleUpdateOrgSettings(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !s.requireOrgPermission(w, r, "org.manage", orgID) {
		return
	}
	var req struct {
		Settings json.RawMessage `json:"settings"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.auth.UpdateOrgSettings(r.Context(), orgID, req.Settings); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleListOrgMembers(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !s.requirePolicy(w, r, "org.members.read", "org."+orgID) {
		return
	}
	identity := identityFrom(r.Context())
	if !identity.IsAdmin() {
		m, err := s.store.GetOrgMember(r.Context(), orgID, identity.UserID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if m == nil {
			writeErrCode(w, http.StatusForbidden, "FORBIDDEN", "not a member of this organization")
			return
		}
	}

	members, err := s.store.ListOrgMembers(r.Context(), orgID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, members, len(members), len(members), 0)
}

func (s *Server) handleInviteMember(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !s.requireOrgPermission(w, r, "members.invite", orgID) {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.auth.InviteMember(r.Context(), orgID, req.UserID, req.Role)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !s.requireOrgPermission(w, r, "members.update", orgID) {
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.auth.UpdateMemberRole(r.Context(), orgID, chi.URLParam(r, "userID"), req.Role); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !s.requireOrgPermission(w, r, "members.remove", orgID) {
		return
	}
	if err := s.auth.RemoveMember(r.Context(), orgID, chi.URLParam(r, "userID")); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !s.requireOrgPermission(w, r, "teams.create", orgID) {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	team, err := s.auth.CreateTeam(r.Context(), orgID, req.Name, req.Description)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, team)
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !s.requirePolicy(w, r, "team.list", "org."+orgID) {
		return
	}
	identity := identityFrom(r.Context())
	if !identity.IsAdmin() {
		m, err := s.store.GetOrgMember(r.Context(), orgID, identity.UserID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if m == nil {
			writeErrCode(w, http.StatusForbidden, "FORBIDDEN", "not a member of this organization")
			return
		}
	}

	teams, err := s.store.ListTeams(r.Context(), orgID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, teams, len(teams), len(teams), 0)
}

// teamOrg resolves the parent org of a team route.
func (s *Server) teamOrg(w http.ResponseWriter, r *http.Request) (teamID, orgID string, ok bool) {
	teamID = chi.URLParam(r, "teamID")
	team, err := s.store.GetTeam(r.Context(), teamID)
	if err != nil {
		writeErr(w, err)
		return "", "", false
	}
	if team == nil {
		writeErrCode(w, http.StatusNotFound, "NOT_FOUND", "team not found")
		return "", "", false
	}
	return team.ID, team.OrgID, true
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	teamID, orgID, ok := s.teamOrg(w, r)
	if !ok {
		return
	}
	if !s.requireOrgPermission(w, r, "teams.delete", orgID) {
		return
	}
	if err := s.auth.DeleteTeam(r.Context(), teamID); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListTeamMembers(w http.ResponseWriter, r *http.Request) {
	teamID, orgID, ok := s.teamOrg(w, r)
	if !ok {
		return
	}
	if !s.requirePolicy(w, r, "team.members.read", "team."+teamID) {
		return
	}
	identity := identityFrom(r.Context())
	if !identity.IsAdmin() {
		m, err := s.store.GetOrgMember(r.Context(), orgID, identity.UserID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if m == nil {
			writeErrCode(w, http.StatusForbidden, "FORBIDDEN", "not a member of this organization")
			return
		}
	}

	members, err := s.store.ListTeamMembers(r.Context(), teamID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, members, len(members), len(members), 0)
}

func (s *Server) handleAddTeamMember(w http.ResponseWriter, r *http.Request) {
	teamID, orgID, ok := s.teamOrg(w, r)
	if !ok {
		return
	}
	if !s.requireOrgPermission(w, r, "members.update", orgID) {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.auth.AddTeamMember(r.Context(), teamID, req.UserID, req.Role)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, m)
}

func (s *Server) handleRemoveTeamMember(w http.ResponseWriter, r *http.Request) {
	teamID, orgID, ok := s.teamOrg(w, r)
	if !ok {
		return
	}
	if !s.requireOrgPermission(w, r, "members.update", orgID) {
		return
	}
	if err := s.auth.RemoveTeamMember(r.Context(), teamID, chi.URLParam(r, "userID")); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"removed": true})
}
