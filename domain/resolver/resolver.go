package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/cra/domain/atlas"
	craerrors "github.com/R3E-Network/cra/infrastructure/errors"
	"github.com/R3E-Network/cra/domain/session"
	"github.com/R3E-Network/cra/domain/trace"
	"github.com/R3E-Network/cra/infrastructure/clock"
	"github.com/R3E-Network/cra/infrastructure/config"
	"github.com/R3E-Network/cra/infrastructure/logging"
	"github.com/R3E-Network/cra/infrastructure/metrics"
)

// ExecResult is what a caller reports back after actually performing an
// action's side effect; the engine itself never performs one (§4.9:
// "The core does not itself perform side effects").
type ExecResult struct {
	Success bool
	Output  interface{}
	Err     error
}

// liveResolution is the resolver's internal bookkeeping entry for a
// resolution handed to a caller: enough to validate a later Execute call
// without re-deriving the whole Resolution.
type liveResolution struct {
	resolution Resolution
}

// Resolver orchestrates the full CARP lifecycle: session creation, resolve,
// execute, end, and trace reads/verification, per §4.9.
type Resolver struct {
	atlases  *atlas.Registry
	sessions *session.Store
	tracer   *trace.Collector
	clock    clock.Clock
	log      *logging.Logger
	metrics  *metrics.Collectors
	cfg      config.ResolverConfig

	mu          sync.Mutex
	resolutions map[string]*liveResolution
}

// New constructs a Resolver. tracer must already be running (its Processor,
// if in deferred mode, started) before any resolver call is made.
func New(atlases *atlas.Registry, sessions *session.Store, tracer *trace.Collector, clk clock.Clock, log *logging.Logger, m *metrics.Collectors, cfg config.ResolverConfig) *Resolver {
	return &Resolver{
		atlases:     atlases,
		sessions:    sessions,
		tracer:      tracer,
		clock:       clk,
		log:         log,
		metrics:     m,
		cfg:         cfg,
		resolutions: make(map[string]*liveResolution),
	}
}

// CreateSession creates a new session, emits session.started, and returns
// its id.
func (r *Resolver) CreateSession(ctx context.Context, agentID, goal string) (string, error) {
	sessionID := uuid.New().String()
	traceID := uuid.New().String()
	now := r.clock.Now()

	s := session.New(sessionID, agentID, goal, traceID, now)
	r.sessions.Put(s)

	if err := r.tracer.Record(ctx, trace.NewInput{
		TraceID:   traceID,
		SpanID:    uuid.New().String(),
		SessionID: sessionID,
		EventType: trace.EventSessionStarted,
		Payload:   map[string]interface{}{"agent_id": agentID, "goal": goal},
	}); err != nil {
		return "", err
	}

	if r.metrics != nil {
		r.metrics.SetSessionsActive(r.sessions.ActiveCount())
	}
	return sessionID, nil
}

// Resolve runs the full policy-evaluation and context-selection pipeline
// for req and returns the resulting Resolution, per §4.9.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	start := r.clock.Now()
	sess, err := r.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive() {
		return nil, craerrors.SessionAlreadyEnded(req.SessionID)
	}
	if req.AgentID == "" {
		return nil, craerrors.InvalidRequest("agent_id is required")
	}

	traceID := sess.TraceID
	spanID := uuid.New().String()

	if err := r.tracer.Record(ctx, trace.NewInput{
		TraceID: traceID, SpanID: spanID, SessionID: req.SessionID,
		EventType: trace.EventCARPRequestReceived,
		Payload:   map[string]interface{}{"goal": req.Goal, "requested_actions": req.RequestedActions},
	}); err != nil {
		return nil, err
	}

	atlases := r.atlases.List()
	now := r.clock.Now()
	outcomes := PolicyEvaluator{}.Evaluate(atlases, sess, req, now, r.cfg.PolicyDefault)

	for _, o := range outcomes {
		if err := r.tracer.Record(ctx, trace.NewInput{
			TraceID: traceID, SpanID: spanID, SessionID: req.SessionID,
			EventType: trace.EventPolicyEvaluated,
			Payload:   outcomePayload(o),
		}); err != nil {
			return nil, err
		}
		if r.metrics != nil {
			r.metrics.RecordPolicyDecision(outcomeKind(o))
		}
	}

	allowed, denied, constraints := splitOutcomes(outcomes)
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a.ActionID] = true
	}

	blocks := ContextSelector{}.Select(atlases, req, allowedSet)
	for _, b := range blocks {
		if err := r.tracer.Record(ctx, trace.NewInput{
			TraceID: traceID, SpanID: spanID, SessionID: req.SessionID,
			EventType: trace.EventContextInjected,
			Payload:   map[string]interface{}{"block_id": b.ID, "reason": b.Reason},
		}); err != nil {
			return nil, err
		}
	}

	ttl := r.cfg.ResolutionTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	res := &Resolution{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		TraceID:     traceID,
		Decision:    aggregate(outcomes),
		Allowed:     allowed,
		Denied:      denied,
		Constraints: constraints,
		Context:     blocks,
		TTLSeconds:  int(ttl.Seconds()),
		IssuedAt:    now,
	}

	r.mu.Lock()
	r.resolutions[res.ID] = &liveResolution{resolution: *res}
	r.mu.Unlock()
	r.sweepExpiredResolutions(now)

	if err := r.tracer.Record(ctx, trace.NewInput{
		TraceID: traceID, SpanID: spanID, SessionID: req.SessionID,
		EventType: trace.EventCARPResolutionComplete,
		Payload:   map[string]interface{}{"resolution_id": res.ID, "decision": string(res.Decision)},
	}); err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.RecordResolution(string(res.Decision), r.clock.Since(start))
	}
	if r.log != nil {
		r.log.LogResolution(ctx, "resolve", string(res.Decision), r.clock.Since(start))
	}

	return res, nil
}

// Execute validates and records one action execution against a previously
// issued resolution, per §4.9. result carries the caller's own side-effect
// outcome; the resolver only ever records it.
func (r *Resolver) Execute(ctx context.Context, sessionID, resolutionID, actionID string, result ExecResult) error {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if !sess.IsActive() {
		return craerrors.SessionAlreadyEnded(sessionID)
	}

	r.mu.Lock()
	live, ok := r.resolutions[resolutionID]
	r.mu.Unlock()
	if !ok {
		return craerrors.ResolutionExpired(resolutionID)
	}
	now := r.clock.Now()
	if live.resolution.Expired(now) {
		r.mu.Lock()
		delete(r.resolutions, resolutionID)
		r.mu.Unlock()
		return craerrors.ResolutionExpired(resolutionID)
	}
	if !live.resolution.allowedSet()[actionID] {
		return craerrors.ActionNotPermitted(actionID)
	}

	traceID := live.resolution.TraceID
	spanID := uuid.New().String()

	// Re-check any rate-limit constraint attached to this action: time has
	// advanced since Resolve computed the resolution, so a window that had
	// headroom then may have since filled (§4.9).
	if policyID, ok := rateLimitPolicyFor(live.resolution.Constraints, actionID); ok {
		if policy, ok := findPolicyByID(r.atlases.List(), policyID); ok {
			window := time.Duration(policy.WindowSeconds) * time.Second
			_, limited, retryAfter := sess.CheckRateLimit(policy.ID, now, window, policy.MaxCalls)
			if limited {
				if err := r.tracer.Record(ctx, trace.NewInput{
					TraceID: traceID, SpanID: spanID, SessionID: sessionID,
					EventType: trace.EventActionDenied,
					Payload:   map[string]interface{}{"action_id": actionID, "policy_id": policy.ID, "reason": "rate limit exceeded"},
				}); err != nil {
					return err
				}
				return craerrors.RateLimitExceeded(actionID, retryAfter)
			}
		}
	}

	if err := r.tracer.Record(ctx, trace.NewInput{
		TraceID: traceID, SpanID: spanID, SessionID: sessionID,
		EventType: trace.EventActionRequested,
		Payload:   map[string]interface{}{"action_id": actionID, "resolution_id": resolutionID},
	}); err != nil {
		return err
	}

	if !result.Success {
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		return r.tracer.Record(ctx, trace.NewInput{
			TraceID: traceID, SpanID: spanID, SessionID: sessionID,
			EventType: trace.EventActionFailed,
			Payload:   map[string]interface{}{"action_id": actionID, "error": errMsg},
		})
	}

	if err := r.tracer.Record(ctx, trace.NewInput{
		TraceID: traceID, SpanID: spanID, SessionID: sessionID,
		EventType: trace.EventActionApproved,
		Payload:   map[string]interface{}{"action_id": actionID},
	}); err != nil {
		return err
	}
	return r.tracer.Record(ctx, trace.NewInput{
		TraceID: traceID, SpanID: spanID, SessionID: sessionID,
		EventType: trace.EventActionExecuted,
		Payload:   map[string]interface{}{"action_id": actionID, "output": result.Output},
	})
}

// EndSession emits session.ended, flushes pending events, and marks the
// session ended; subsequent writes fail.
func (r *Resolver) EndSession(ctx context.Context, sessionID string) error {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	now := r.clock.Now()

	if err := r.tracer.Record(ctx, trace.NewInput{
		TraceID:   sess.TraceID,
		SpanID:    uuid.New().String(),
		SessionID: sessionID,
		EventType: trace.EventSessionEnded,
	}); err != nil {
		return err
	}
	if err := r.tracer.Flush(ctx); err != nil {
		return err
	}
	if err := sess.End(now); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.SetSessionsActive(r.sessions.ActiveCount())
	}
	return nil
}

// GetTrace flushes, then returns sessionID's events in sequence order.
func (r *Resolver) GetTrace(ctx context.Context, sessionID string) ([]trace.Event, error) {
	if _, err := r.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	return r.tracer.Events(ctx, sessionID)
}

// VerifyChain flushes, then runs ChainVerifier over sessionID's events.
func (r *Resolver) VerifyChain(ctx context.Context, sessionID string) (trace.VerifyResult, error) {
	if _, err := r.sessions.Get(sessionID); err != nil {
		return trace.VerifyResult{}, err
	}
	return r.tracer.VerifyChain(ctx, sessionID)
}

// sweepExpiredResolutions is a cheap amortized cleanup run once per Resolve
// call (§9: no background goroutine is required, only that stale
// resolutions fail their Execute, not that memory is reclaimed on a
// schedule).
func (r *Resolver) sweepExpiredResolutions(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, live := range r.resolutions {
		if live.resolution.Expired(now) {
			delete(r.resolutions, id)
		}
	}
}

// rateLimitPolicyFor returns the rate_limit constraint's policy id attached
// to actionID, if the resolution carries one.
func rateLimitPolicyFor(constraints []Constraint, actionID string) (string, bool) {
	for _, c := range constraints {
		if c.ActionID == actionID && c.Kind == ConstraintRateLimit {
			return c.PolicyID, true
		}
	}
	return "", false
}

func splitOutcomes(outcomes []outcome) ([]AllowedAction, []DeniedAction, []Constraint) {
	var allowed []AllowedAction
	var denied []DeniedAction
	var constraints []Constraint

	for _, o := range outcomes {
		if o.denied {
			denied = append(denied, DeniedAction{ActionID: o.actionID, PolicyID: o.denyPolicy, Reason: o.denyReason})
			continue
		}
		allowed = append(allowed, AllowedAction{ActionID: o.actionID})
		if o.requiresApproval {
			constraints = append(constraints, Constraint{
				ActionID: o.actionID, Kind: ConstraintRequiresApproval, PolicyID: o.approvalPolicy,
				Approver: o.approver, Reason: o.approvalReason, TimeoutSeconds: o.timeoutSeconds,
			})
		}
		if o.rateLimitPolicy != "" {
			constraints = append(constraints, Constraint{
				ActionID: o.actionID, Kind: ConstraintRateLimit, PolicyID: o.rateLimitPolicy,
			})
		}
	}
	return allowed, denied, constraints
}

func outcomePayload(o outcome) map[string]interface{} {
	p := map[string]interface{}{"action_id": o.actionID, "allowed": o.allowed()}
	if o.denied {
		p["denied_by"] = o.denyPolicy
		p["reason"] = o.denyReason
	}
	if o.requiresApproval {
		p["requires_approval_by"] = o.approvalPolicy
	}
	if o.rateLimitPolicy != "" {
		p["rate_limit_policy"] = o.rateLimitPolicy
	}
	return p
}

func outcomeKind(o outcome) string {
	switch {
	case o.denied:
		return "deny"
	case o.requiresApproval:
		return "requires_approval"
	case o.rateLimitPolicy != "":
		return "rate_limit"
	default:
		return "allow"
	}
}

