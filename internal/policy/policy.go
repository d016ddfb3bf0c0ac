// Package policy holds the externally authored coordination policy: the
// transition table, per-role capability requirements, and iteration limits.
// A policy is loaded once, snapshotted into the store at session creation,
// and never re-read from the live file mid-session.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"coordd/internal/models"
)

// Transition is one row of the declarative transition table.
type Transition struct {
	Role   models.Role        `yaml:"role" json:"role"`
	Status models.GroupStatus `yaml:"status" json:"status"`
	Next   models.Role        `yaml:"next" json:"next"`
	Action models.Action      `yaml:"action" json:"action"`
	Carry  []string           `yaml:"carry,omitempty" json:"carry,omitempty"`
}

// RoleSpec lists what a role must and may be capable of.
type RoleSpec struct {
	Tier      int      `yaml:"tier" json:"tier"`
	Mandatory []string `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
	Optional  []string `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Policy is the full externally authored configuration for one session.
type Policy struct {
	MaxIterations int                         `yaml:"max_iterations" json:"maxIterations"`
	HardCap       int                         `yaml:"hard_cap" json:"hardCap"`
	Roles         map[models.Role]RoleSpec    `yaml:"roles" json:"roles"`
	Transitions   []Transition                `yaml:"transitions" json:"transitions"`
	Escalation    map[models.Role]models.Role `yaml:"escalation" json:"escalation"`
}

// Default returns the built-in policy used when no policy file is configured.
func Default() *Policy {
	return &Policy{
		MaxIterations: 5,
		HardCap:       25,
		Roles: map[models.Role]RoleSpec{
			models.RoleImplementer:    {Tier: 0, Mandatory: []string{"implement"}},
			models.RoleReviewer:       {Tier: 1, Mandatory: []string{"code_review"}, Optional: []string{"security_review"}},
			models.RoleQualityChecker: {Tier: 1, Mandatory: []string{"quality_check"}},
			models.RoleLeadReviewer:   {Tier: 2, Mandatory: []string{"code_review", "arbitration"}},
			models.RoleManager:        {Tier: 3, Mandatory: []string{"coordination"}},
		},
		Transitions: []Transition{
			{Role: models.RoleManager, Status: models.StatusPending, Next: models.RoleImplementer, Action: models.ActionRespawn, Carry: []string{"scope", "notes"}},
			{Role: models.RoleImplementer, Status: models.StatusInProgress, Next: models.RoleImplementer, Action: models.ActionRespawn},
			{Role: models.RoleImplementer, Status: models.StatusReadyForReview, Next: models.RoleReviewer, Action: models.ActionRespawn, Carry: []string{"diff", "notes"}},
			{Role: models.RoleReviewer, Status: models.StatusUnderReview, Next: models.RoleReviewer, Action: models.ActionRespawn},
			{Role: models.RoleReviewer, Status: models.StatusChangesRequired, Next: models.RoleImplementer, Action: models.ActionRespawn, Carry: []string{"issues"}},
			{Role: models.RoleReviewer, Status: models.StatusApproved, Next: models.RoleQualityChecker, Action: models.ActionRoute},
			{Role: models.RoleReviewer, Status: models.StatusApprovedWithNotes, Next: models.RoleQualityChecker, Action: models.ActionRoute, Carry: []string{"notes"}},
			{Role: models.RoleQualityChecker, Status: models.StatusChangesRequired, Next: models.RoleImplementer, Action: models.ActionRespawn, Carry: []string{"issues"}},
			{Role: models.RoleQualityChecker, Status: models.StatusApproved, Next: models.RoleManager, Action: models.ActionRoute},
			{Role: models.RoleQualityChecker, Status: models.StatusApprovedWithNotes, Next: models.RoleManager, Action: models.ActionRoute, Carry: []string{"notes"}},
			{Role: models.RoleLeadReviewer, Status: models.StatusChangesRequired, Next: models.RoleImplementer, Action: models.ActionRespawn, Carry: []string{"issues"}},
			{Role: models.RoleLeadReviewer, Status: models.StatusApproved, Next: models.RoleManager, Action: models.ActionRoute},
			{Role: models.RoleLeadReviewer, Status: models.StatusApprovedWithNotes, Next: models.RoleManager, Action: models.ActionRoute, Carry: []string{"notes"}},
			{Role: models.RoleManager, Status: models.StatusApproved, Next: models.RoleManager, Action: models.ActionTerminate},
			{Role: models.RoleManager, Status: models.StatusRejected, Next: models.RoleManager, Action: models.ActionTerminate},
		},
		Escalation: map[models.Role]models.Role{
			models.RoleImplementer:    models.RoleReviewer,
			models.RoleReviewer:       models.RoleLeadReviewer,
			models.RoleQualityChecker: models.RoleLeadReviewer,
			models.RoleLeadReviewer:   models.RoleManager,
			models.RoleManager:        models.RoleManager,
		},
	}
}

// LoadFile reads and validates a YAML policy file.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy validation: %w", err)
	}
	return &p, nil
}

// Validate checks structural soundness of a policy.
func (p *Policy) Validate() error {
	if p.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", p.MaxIterations)
	}
	if p.HardCap < p.MaxIterations {
		return fmt.Errorf("hard_cap (%d) must be >= max_iterations (%d)", p.HardCap, p.MaxIterations)
	}
	for role := range p.Roles {
		if !role.IsValid() {
			return fmt.Errorf("unknown role %q", role)
		}
	}
	for i, t := range p.Transitions {
		if !t.Role.IsValid() || !t.Next.IsValid() {
			return fmt.Errorf("transition %d: unknown role", i)
		}
		if !t.Status.IsValid() {
			return fmt.Errorf("transition %d: unknown status %q", i, t.Status)
		}
		switch t.Action {
		case models.ActionRespawn, models.ActionRoute, models.ActionTerminate:
		default:
			return fmt.Errorf("transition %d: unknown action %q", i, t.Action)
		}
	}
	for from, to := range p.Escalation {
		if !from.IsValid() || !to.IsValid() {
			return fmt.Errorf("escalation %s -> %s: unknown role", from, to)
		}
		if from == to {
			continue // a top-tier role may absorb its own escalations
		}
		fromSpec, fromOK := p.Roles[from]
		toSpec, toOK := p.Roles[to]
		if fromOK && toOK && toSpec.Tier <= fromSpec.Tier {
			return fmt.Errorf("escalation %s (tier %d) -> %s (tier %d) must increase tier",
				from, fromSpec.Tier, to, toSpec.Tier)
		}
	}
	return nil
}

// Lookup finds the transition for (role, status). ok is false when the table
// has no row, in which case the engine fails closed toward the manager.
func (p *Policy) Lookup(role models.Role, status models.GroupStatus) (Transition, bool) {
	for _, t := range p.Transitions {
		if t.Role == role && t.Status == status {
			return t, true
		}
	}
	return Transition{}, false
}

// EscalationTarget returns the next-tier role for a stalled group. Roles with
// no configured target escalate to the manager.
func (p *Policy) EscalationTarget(role models.Role) models.Role {
	if to, ok := p.Escalation[role]; ok {
		return to
	}
	return models.RoleManager
}

// CanHandle reports whether a role carries every capability in required.
// Mandatory and optional capabilities both count.
func (p *Policy) CanHandle(role models.Role, required []string) bool {
	spec, ok := p.Roles[role]
	if !ok {
		return false
	}
	have := make(map[string]bool, len(spec.Mandatory)+len(spec.Optional))
	for _, c := range spec.Mandatory {
		have[c] = true
	}
	for _, c := range spec.Optional {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}
