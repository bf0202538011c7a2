package resolver

import (
	"time"

	"github.com/R3E-Network/cra/domain/atlas"
	"github.com/R3E-Network/cra/domain/pattern"
	"github.com/R3E-Network/cra/domain/session"
	"github.com/R3E-Network/cra/infrastructure/config"
)

// policyRef pairs a policy with its compiled matcher. It carries no ordering
// information itself: the §4.5 tie break (load order, then declaration order
// within an atlas) when more than one policy of the same kind matches an
// action comes from each policyRef's position in the slice it is kept in.
type policyRef struct {
	policy  atlas.Policy
	matcher *pattern.Matcher
}

// outcome is one action's categorization result, accumulated across all five
// phases of §4.6 before the resolution is assembled.
type outcome struct {
	actionID string

	denied     bool
	denyPolicy string
	denyReason string
	retryAfter time.Duration

	requiresApproval bool
	approvalPolicy   string
	approver         string
	approvalReason   string
	timeoutSeconds   int

	rateLimitPolicy string // set whenever a rate_limit policy matched, whether or not it denied
}

// allowed reports the final per-action disposition: anything not denied is
// allowed, per §4.6 phase 5's "absence of a matching deny is permissive".
func (o outcome) allowed() bool { return !o.denied }

// PolicyEvaluator implements §4.6's five-phase categorization. It is a pure
// value type: all mutable state (rate-limit windows) lives on the Session
// passed into Evaluate, never on the evaluator itself.
type PolicyEvaluator struct{}

// Evaluate categorizes every action in req.RequestedActions against every
// policy in atlases, in load order. Rate-limit window increments are
// committed directly against sess for actions that end up allowed.
func (PolicyEvaluator) Evaluate(atlases []*atlas.Atlas, sess *session.Session, req Request, now time.Time, policyDefault config.PolicyDefault) []outcome {
	refs := compilePolicies(atlases)

	outcomes := make([]outcome, 0, len(req.RequestedActions))
	for _, actionID := range req.RequestedActions {
		o := outcome{actionID: actionID}

		// Phase 1: deny.
		if ref, ok := firstMatch(refs, atlas.PolicyKindDeny, actionID); ok {
			o.denied = true
			o.denyPolicy = ref.policy.ID
			o.denyReason = ref.policy.Reason
			outcomes = append(outcomes, o)
			continue
		}

		// Phase 2: requires_approval.
		if ref, ok := firstMatch(refs, atlas.PolicyKindRequiresApproval, actionID); ok {
			o.requiresApproval = true
			o.approvalPolicy = ref.policy.ID
			o.approver = ref.policy.Approver
			o.approvalReason = ref.policy.Reason
			o.timeoutSeconds = ref.policy.TimeoutSeconds
		}

		// Phase 3: rate_limit.
		if ref, ok := firstMatch(refs, atlas.PolicyKindRateLimit, actionID); ok {
			o.rateLimitPolicy = ref.policy.ID
			window := time.Duration(ref.policy.WindowSeconds) * time.Second
			_, limited, retryAfter := sess.CheckRateLimit(ref.policy.ID, now, window, ref.policy.MaxCalls)
			if limited {
				o.denied = true
				o.denyPolicy = ref.policy.ID
				o.denyReason = "rate limit exceeded"
				o.retryAfter = retryAfter
				outcomes = append(outcomes, o)
				continue
			}
		}

		// Phase 4: allow. An explicit allow policy match carries no
		// additional effect beyond what the absence of a deny already
		// grants, but it counts as a match for phase 5's purposes.
		_, explicitlyAllowed := firstMatch(refs, atlas.PolicyKindAllow, actionID)

		// Phase 5: default. Only an action matching no policy of any kind
		// falls through to the configured default; under PolicyDefaultDeny
		// that means closed-world denial rather than the permissive
		// "absence of a deny is allowed" rule.
		matchedAnyPolicy := o.requiresApproval || o.rateLimitPolicy != "" || explicitlyAllowed
		if !matchedAnyPolicy && policyDefault == config.PolicyDefaultDeny {
			o.denied = true
			o.denyReason = "no matching policy (default deny)"
		}

		outcomes = append(outcomes, o)
	}

	// Commit phase: rate-limit windows increment only for actions that
	// survived every phase without being denied.
	for _, o := range outcomes {
		if o.rateLimitPolicy != "" && o.allowed() {
			sess.CommitRateLimit(o.rateLimitPolicy)
		}
	}

	return outcomes
}

// compilePolicies flattens every loaded atlas's policies, in load order then
// declaration order, compiling each policy's pattern set once.
func compilePolicies(atlases []*atlas.Atlas) []policyRef {
	var refs []policyRef
	for _, a := range atlases {
		for _, p := range a.Policies {
			refs = append(refs, policyRef{policy: p, matcher: pattern.NewMatcher(p.Patterns)})
		}
	}
	return refs
}

// firstMatch returns the first policy of the given kind (in refs' existing
// load/declaration order) whose pattern set matches actionID.
func firstMatch(refs []policyRef, kind atlas.PolicyKind, actionID string) (policyRef, bool) {
	for _, ref := range refs {
		if ref.policy.Kind != kind {
			continue
		}
		if _, ok := ref.matcher.MatchBest(actionID); ok {
			return ref, true
		}
	}
	return policyRef{}, false
}

// findPolicyByID looks up a rate-limit policy by id across every loaded
// atlas, for Execute's re-check: the Constraint recorded at Resolve time
// carries only the policy id, not its window/max_calls, since those can
// change out from under a long-lived resolution between Resolve and Execute.
func findPolicyByID(atlases []*atlas.Atlas, policyID string) (atlas.Policy, bool) {
	for _, a := range atlases {
		for _, p := range a.Policies {
			if p.ID == policyID {
				return p, true
			}
		}
	}
	return atlas.Policy{}, false
}

// aggregate computes the overall Decision from a set of per-action outcomes,
// per §4.7.
func aggregate(outcomes []outcome) Decision {
	if len(outcomes) == 0 {
		return DecisionAllow
	}

	allAllowed, allDenied := true, true
	anyConstraint := false
	for _, o := range outcomes {
		if o.denied {
			allAllowed = false
		} else {
			allDenied = false
			if o.requiresApproval || o.rateLimitPolicy != "" {
				anyConstraint = true
			}
		}
	}

	switch {
	case allAllowed && !anyConstraint:
		return DecisionAllow
	case allDenied:
		return DecisionDeny
	case !allAllowed:
		return DecisionPartial
	case anyConstraint:
		return DecisionAllowWithConstraint
	default:
		return DecisionAllow
	}
}
