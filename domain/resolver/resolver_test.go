package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/cra/domain/atlas"
	"github.com/R3E-Network/cra/domain/session"
	"github.com/R3E-Network/cra/domain/trace"
	"github.com/R3E-Network/cra/infrastructure/clock"
	"github.com/R3E-Network/cra/infrastructure/config"
	craerrors "github.com/R3E-Network/cra/infrastructure/errors"
	"github.com/R3E-Network/cra/infrastructure/logging"
	"github.com/R3E-Network/cra/infrastructure/metrics"
)

// newTestResolver wires a Resolver in immediate trace mode, so every Record
// call is synchronously sequenced and hashed — no Flush race to manage in a
// test.
func newTestResolver(t *testing.T, a *atlas.Atlas) *Resolver {
	t.Helper()
	reg := atlas.NewRegistry()
	if a != nil {
		reg.Load(a)
	}
	sessions := session.NewStore()
	storage := trace.NewMemoryBackend()
	clk := clock.New()
	collector := trace.NewCollector(trace.ModeImmediate, sessions, storage, clk, nil, nil)
	log := logging.New("cra-resolver-test", "error", "json")
	m := metrics.NewWithRegistry("cra-resolver-test", nil)
	cfg := config.ResolverConfig{PolicyDefault: config.PolicyDefaultAllow, ResolutionTTL: time.Minute}
	return New(reg, sessions, collector, clk, log, m, cfg)
}

func supportAtlas() *atlas.Atlas {
	a := testAtlas() // from policy_test.go
	a.ContextBlocks = []atlas.ContextBlock{
		{ID: "refund-policy", InjectMode: atlas.InjectOnMatch, Keywords: []string{"refund"}, Content: "refund rules"},
	}
	return a
}

func TestResolver_CreateSessionThenResolveAllow(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()

	sessionID, err := r.CreateSession(ctx, "agent-1", "help a customer")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	res, err := r.Resolve(ctx, Request{AgentID: "agent-1", SessionID: sessionID, Goal: "get a refund", RequestedActions: []string{"ticket.get"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Decision != DecisionAllow {
		t.Fatalf("Decision = %q, want allow", res.Decision)
	}
	if len(res.Allowed) != 1 || res.Allowed[0].ActionID != "ticket.get" {
		t.Fatalf("Allowed = %+v", res.Allowed)
	}
	if len(res.Context) != 1 || res.Context[0].ID != "refund-policy" {
		t.Fatalf("Context = %+v, want refund-policy injected for goal mentioning refund", res.Context)
	}
}

func TestResolver_ResolveDeny(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")

	res, err := r.Resolve(ctx, Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"ticket.delete"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Decision != DecisionDeny {
		t.Fatalf("Decision = %q, want deny", res.Decision)
	}
	if len(res.Denied) != 1 || res.Denied[0].PolicyID != "deny-delete" {
		t.Fatalf("Denied = %+v", res.Denied)
	}
}

func TestResolver_ResolvePartial(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")

	res, err := r.Resolve(ctx, Request{
		AgentID: "agent-1", SessionID: sessionID,
		RequestedActions: []string{"ticket.get", "ticket.delete"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Decision != DecisionPartial {
		t.Fatalf("Decision = %q, want partial", res.Decision)
	}
	if len(res.Allowed) != 1 || len(res.Denied) != 1 {
		t.Fatalf("Allowed/Denied = %+v / %+v", res.Allowed, res.Denied)
	}
}

func TestResolver_ResolveAllowWithConstraints(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")

	res, err := r.Resolve(ctx, Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"payments.charge"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Decision != DecisionAllowWithConstraint {
		t.Fatalf("Decision = %q, want allow_with_constraints", res.Decision)
	}
	if len(res.Constraints) != 1 || res.Constraints[0].Kind != ConstraintRequiresApproval {
		t.Fatalf("Constraints = %+v", res.Constraints)
	}
}

func TestResolver_RateLimitDeniesThirdCall(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")
	req := Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"ticket.update"}}

	for i := 0; i < 2; i++ {
		res, err := r.Resolve(ctx, req)
		if err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
		if len(res.Denied) != 0 {
			t.Fatalf("call %d unexpectedly denied: %+v", i, res.Denied)
		}
	}

	res, err := r.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve 3rd: %v", err)
	}
	if len(res.Denied) != 1 || res.Denied[0].PolicyID != "rl-update" {
		t.Fatalf("3rd call = %+v, want rate-limit denial", res.Denied)
	}
}

func TestResolver_ExecuteRejectsActionNotInResolution(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")
	res, _ := r.Resolve(ctx, Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"ticket.get"}})

	err := r.Execute(ctx, sessionID, res.ID, "ticket.delete", ExecResult{Success: true})
	if err == nil {
		t.Fatal("Execute succeeded for an action never allowed by the resolution")
	}
}

func TestResolver_ExecuteSucceedsForAllowedAction(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")
	res, _ := r.Resolve(ctx, Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"ticket.get"}})

	if err := r.Execute(ctx, sessionID, res.ID, "ticket.get", ExecResult{Success: true, Output: "ok"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestResolver_ExecuteRejectsExpiredResolution(t *testing.T) {
	reg := atlas.NewRegistry()
	reg.Load(supportAtlas())
	sessions := session.NewStore()
	storage := trace.NewMemoryBackend()
	fc := clock.NewFake(time.Now())
	collector := trace.NewCollector(trace.ModeImmediate, sessions, storage, fc, nil, nil)
	log := logging.New("cra-resolver-test", "error", "json")
	m := metrics.NewWithRegistry("cra-resolver-test", nil)
	cfg := config.ResolverConfig{PolicyDefault: config.PolicyDefaultAllow, ResolutionTTL: time.Second}
	r := New(reg, sessions, collector, fc, log, m, cfg)

	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")
	res, _ := r.Resolve(ctx, Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"ticket.get"}})

	fc.Advance(2 * time.Second)

	if err := r.Execute(ctx, sessionID, res.ID, "ticket.get", ExecResult{Success: true}); err == nil {
		t.Fatal("Execute succeeded against an expired resolution")
	}
}

func TestResolver_ExecuteDeniesOnRateLimitRecheck(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")
	req := Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"ticket.update"}}

	first, err := r.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve 1: %v", err)
	}
	if _, err := r.Resolve(ctx, req); err != nil {
		t.Fatalf("Resolve 2: %v", err)
	}
	// The session's rl-update window is now at its max_calls=2 ceiling, even
	// though `first` was issued while there was still headroom.

	err = r.Execute(ctx, sessionID, first.ID, "ticket.update", ExecResult{Success: true})
	if err == nil {
		t.Fatal("Execute succeeded despite the session's rate-limit window having since filled")
	}
	if !craerrors.Is(err, craerrors.CodeRateLimitExceeded) {
		t.Fatalf("Execute err = %v, want CodeRateLimitExceeded", err)
	}

	events, err := r.GetTrace(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	foundDenied := false
	for _, e := range events {
		if e.EventType == trace.EventActionDenied {
			foundDenied = true
		}
	}
	if !foundDenied {
		t.Fatalf("events = %+v, want an action.denied event from the Execute re-check", events)
	}
}

func TestResolver_AllEventsInASessionShareOneTraceID(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")

	res, err := r.Resolve(ctx, Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"ticket.get"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := r.Execute(ctx, sessionID, res.ID, "ticket.get", ExecResult{Success: true}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := r.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	events, err := r.GetTrace(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("events empty")
	}
	traceID := events[0].TraceID
	if traceID == "" {
		t.Fatal("first event has an empty trace id")
	}
	for _, e := range events {
		if e.TraceID != traceID {
			t.Fatalf("event %s has trace id %q, want %q shared across the whole session", e.EventType, e.TraceID, traceID)
		}
	}
}

func TestResolver_EndSessionThenResolveFails(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")

	if err := r.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	if _, err := r.Resolve(ctx, Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"ticket.get"}}); err == nil {
		t.Fatal("Resolve succeeded against an ended session")
	}
}

func TestResolver_GetTraceReturnsChainedEvents(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()
	sessionID, _ := r.CreateSession(ctx, "agent-1", "goal")
	if _, err := r.Resolve(ctx, Request{AgentID: "agent-1", SessionID: sessionID, RequestedActions: []string{"ticket.get"}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := r.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	events, err := r.GetTrace(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("events empty, want at least session.started/session.ended plus the resolve events")
	}

	result, err := r.VerifyChain(ctx, sessionID)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("VerifyChain = %+v, want valid", result)
	}
}

func TestResolver_ConcurrentSessionsProduceIndependentValidChains(t *testing.T) {
	r := newTestResolver(t, supportAtlas())
	ctx := context.Background()

	const sessions = 4
	const eventsPerSession = 25 // Resolve calls per session; each emits 3 trace events here

	ids := make([]string, sessions)
	for i := range ids {
		id, err := r.CreateSession(ctx, "agent", "goal")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			for i := 0; i < eventsPerSession; i++ {
				if _, err := r.Resolve(ctx, Request{AgentID: "agent", SessionID: sessionID, RequestedActions: []string{"ticket.get"}}); err != nil {
					t.Errorf("Resolve: %v", err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		result, err := r.VerifyChain(ctx, id)
		if err != nil {
			t.Fatalf("VerifyChain(%s): %v", id, err)
		}
		if !result.Valid {
			t.Fatalf("VerifyChain(%s) = %+v, want valid", id, result)
		}
	}
}
