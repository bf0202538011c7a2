// Package resolver orchestrates the CARP request lifecycle: policy
// evaluation, context selection, and resolution issuance and redemption,
// tying together the atlas registry, the session store, and the trace
// collector.
package resolver

import (
	"time"

	"github.com/R3E-Network/cra/domain/atlas"
)

// Request is one CARP resolve call.
type Request struct {
	AgentID          string
	SessionID        string
	Goal             string
	Hints            []string
	RequestedActions []string
	RiskTier         atlas.RiskTier
}

// Decision is the overall §4.7 aggregation of a resolution's per-action outcomes.
type Decision string

const (
	DecisionAllow               Decision = "allow"
	DecisionDeny                Decision = "deny"
	DecisionPartial             Decision = "partial"
	DecisionAllowWithConstraint Decision = "allow_with_constraints"
)

// AllowedAction is one action a resolution permits.
type AllowedAction struct {
	ActionID string `json:"action_id"`
}

// DeniedAction is one action a resolution refuses, with the policy and
// human-readable reason responsible.
type DeniedAction struct {
	ActionID string `json:"action_id"`
	PolicyID string `json:"policy_id"`
	Reason   string `json:"reason"`
}

// ConstraintKind is the closed set of non-denial restrictions a resolution
// may attach to an otherwise-allowed action.
type ConstraintKind string

const (
	ConstraintRequiresApproval ConstraintKind = "requires_approval"
	ConstraintRateLimit        ConstraintKind = "rate_limit"
)

// Constraint is one attached restriction on an allowed action.
type Constraint struct {
	ActionID       string         `json:"action_id"`
	Kind           ConstraintKind `json:"kind"`
	PolicyID       string         `json:"policy_id"`
	Approver       string         `json:"approver,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	RetryAfter     time.Duration  `json:"retry_after,omitempty"`
}

// SelectedBlock is one context block a resolution injects, along with the
// reason it was selected (§4.8).
type SelectedBlock struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Priority    int    `json:"priority"`
	Reason      string `json:"reason"`
}

// Resolution is the resolver's answer to a Request: the set of allowed and
// denied actions, attached constraints, selected context, and a TTL the
// caller's later Execute calls must fall within.
type Resolution struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	TraceID     string          `json:"trace_id"`
	Decision    Decision        `json:"decision"`
	Allowed     []AllowedAction `json:"allowed"`
	Denied      []DeniedAction  `json:"denied"`
	Constraints []Constraint    `json:"constraints,omitempty"`
	Context     []SelectedBlock `json:"context,omitempty"`
	TTLSeconds  int             `json:"ttl_seconds"`
	IssuedAt    time.Time       `json:"issued_at"`
}

// Expired reports whether the resolution is past its TTL as of now.
func (r Resolution) Expired(now time.Time) bool {
	return now.Sub(r.IssuedAt) > time.Duration(r.TTLSeconds)*time.Second
}

// allowedSet returns the resolution's allowed action ids as a lookup set.
func (r Resolution) allowedSet() map[string]bool {
	set := make(map[string]bool, len(r.Allowed))
	for _, a := range r.Allowed {
		set[a.ActionID] = true
	}
	return set
}
