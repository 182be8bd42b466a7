package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/kerrors"
	"github.com/aether-os/aether/internal/store"
)

// rolePermissions is the coarse permission map for org-level roles.
var rolePermissions = map[string][]string{
	"owner": {
		"org.manage", "org.delete", "members.invite", "members.remove",
		"members.update", "teams.create", "teams.delete", "agents.spawn",
		"agents.kill", "policies.manage", "audit.read",
	},
	"admin": {
		"org.manage", "members.invite", "members.remove", "members.update",
		"teams.create", "teams.delete", "agents.spawn", "agents.kill",
		"policies.manage", "audit.read",
	},
	"member": {"agents.spawn", "agents.kill", "audit.read"},
	"viewer": {"audit.read"},
}

// Decision is the outcome of one policy-engine evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	RuleID  string `json:"rule_id,omitempty"` // policy that decided, empty for default/bootstrap
	Reason  string `json:"reason"`
}

// CreatePolicy inserts a new fine-grained policy rule. Policies are
// immutable after creation.
func (s *Service) CreatePolicy(ctx context.Context, subject, action, resource, effect, createdBy string) (*store.PermissionPolicy, error) {
	if effect != "allow" && effect != "deny" {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "effect must be allow or deny")
	}
	if subject == "" || action == "" || resource == "" {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "subject, action and resource are required")
	}
	if !strings.HasPrefix(subject, "user:") && !strings.HasPrefix(subject, "role:") {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "subject must be user:<id> or role:<orgRole>")
	}

	p := &store.PermissionPolicy{
		ID:        uuid.New().String(),
		Subject:   subject,
		Action:    action,
		Resource:  resource,
		Effect:    effect,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}
	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("create policy: %w", err)
	}

	subj := eventbus.PermissionGranted
	if effect == "deny" {
		subj = eventbus.PermissionRevoked
	}
	s.bus.Emit(subj, map[string]any{
		"policy_id": p.ID, "subject": subject, "action": action, "resource": resource,
	})
	return p, nil
}

// DeletePolicy removes a policy rule by id.
func (s *Service) DeletePolicy(ctx context.Context, id string) error {
	return s.store.DeletePolicy(ctx, id)
}

// CheckPermission evaluates the fine-grained policy engine for one
// (user, action, resource) request. Deny overrides allow; with no policy
// corpus for the user's subjects the engine allows (bootstrap mode).
// Every evaluation is emitted as a policy.decision event.
func (s *Service) CheckPermission(ctx context.Context, userID, action, resource string) (Decision, error) {
	d, err := s.evaluate(ctx, userID, action, resource)
	if err != nil {
		return Decision{}, err
	}
	s.bus.Emit(eventbus.PolicyDecision, map[string]any{
		"user_id": userID, "action": action, "resource": resource,
		"allowed": d.Allowed, "rule_id": d.RuleID, "reason": d.Reason,
	})
	return d, nil
}

func (s *Service) evaluate(ctx context.Context, userID, action, resource string) (Decision, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return Decision{Reason: "unknown user"}, nil
	}
	if user.Role == "admin" {
		return Decision{Allowed: true, Reason: "system admin"}, nil
	}

	subjects := []string{"user:" + userID}
	memberships, err := s.store.ListOrgsByUser(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("list memberships: %w", err)
	}
	seen := map[string]bool{}
	for _, m := range memberships {
		if !seen[m.Role] {
			seen[m.Role] = true
			subjects = append(subjects, "role:"+m.Role)
		}
	}

	policies, err := s.store.ListPoliciesBySubjects(ctx, subjects)
	if err != nil {
		return Decision{}, fmt.Errorf("list policies: %w", err)
	}
	if len(policies) == 0 {
		return Decision{Allowed: true, Reason: "no policies for subject (bootstrap)"}, nil
	}

	var allowRule string
	for _, p := range policies {
		if !matchesPattern(p.Action, action) || !matchesPattern(p.Resource, resource) {
			continue
		}
		if p.Effect == "deny" {
			return Decision{RuleID: p.ID, Reason: "denied by policy"}, nil
		}
		if allowRule == "" {
			allowRule = p.ID
		}
	}
	if allowRule != "" {
		return Decision{Allowed: true, RuleID: allowRule, Reason: "allowed by policy"}, nil
	}
	return Decision{Reason: "no matching policy (deny by default)"}, nil
}

// CanUseTool gates tool execution for an agent's owner.
func (s *Service) CanUseTool(ctx context.Context, userID, tool string) (Decision, error) {
	return s.CheckPermission(ctx, userID, "tool."+tool+".execute", tool)
}

// CanUseProvider gates model provider use.
func (s *Service) CanUseProvider(ctx context.Context, userID, provider string) (Decision, error) {
	return s.CheckPermission(ctx, userID, "llm."+provider+".use", provider)
}

// CanAccessPath gates filesystem access. Mode is "read" or "write".
func (s *Service) CanAccessPath(ctx context.Context, userID, path, mode string) (Decision, error) {
	return s.CheckPermission(ctx, userID, "fs."+path+"."+mode, path)
}

// HasPermission is the coarse role-based layer. System admins bypass.
// With an org id, the user's org role decides via the role permission map.
// Without one, the check passes when any of the user's memberships grants
// the permission, or when no organization exists anywhere in the store.
func (s *Service) HasPermission(ctx context.Context, userID, permission, orgID string) (bool, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return false, nil
	}
	if user.Role == "admin" {
		return true, nil
	}

	if orgID != "" {
		m, err := s.store.GetOrgMember(ctx, orgID, userID)
		if err != nil {
			return false, fmt.Errorf("get membership: %w", err)
		}
		if m == nil {
			return false, nil
		}
		return roleGrants(m.Role, permission), nil
	}

	n, err := s.store.CountOrganizations(ctx)
	if err != nil {
		return false, fmt.Errorf("count orgs: %w", err)
	}
	if n == 0 {
		// Empty deployment: every authenticated user is permitted.
		return true, nil
	}
	memberships, err := s.store.ListOrgsByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list memberships: %w", err)
	}
	for _, m := range memberships {
		if roleGrants(m.Role, permission) {
			return true, nil
		}
	}
	return false, nil
}

func roleGrants(role, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// patternCache avoids recompiling patterns on every request; the policy
// table is read-heavy.
var patternCache sync.Map // pattern → *regexp.Regexp

// matchesPattern reports whether value matches a policy pattern. "*" alone
// matches anything. Otherwise each "*" matches within a single dot-delimited
// segment, so "tool.*.execute" matches "tool.run.execute" but not
// "tool.a.b.execute". Patterns that fail to compile fall back to equality.
func matchesPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	re, ok := patternCache.Load(pattern)
	if !ok {
		compiled, err := regexp.Compile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `[^.]*`) + "$")
		if err != nil {
			return pattern == value
		}
		re, _ = patternCache.LoadOrStore(pattern, compiled)
	}
	return re.(*regexp.Regexp).MatchString(value)
}
