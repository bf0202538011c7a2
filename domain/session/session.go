// Package session implements the CARP session lifecycle: the
// Pending→Active→Ended state machine, the monotonic per-session sequence
// counter and last-event-hash the trace processor consumes through the
// Store's SessionLedger implementation, and per-(policy,session) rate-limit
// windows.
package session

import (
	"sync"
	"time"

	craerrors "github.com/R3E-Network/cra/infrastructure/errors"
	"github.com/R3E-Network/cra/domain/trace"
)

// State is the closed set of session lifecycle states (§4.10). Pending is
// transitional and never externally observable — a session is constructed
// already Active, matching "on session.started" in the same call that
// creates it.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateEnded   State = "ended"
)

// Session is the mutable per-agent-interaction record the resolver
// orchestrates against. Every field below sequence/lastHash/state/windows is
// guarded by mu; AgentID/CreatedAt/ID are immutable after construction.
type Session struct {
	ID        string
	AgentID   string
	Goal      string
	TraceID   string
	CreatedAt time.Time

	mu       sync.Mutex
	sequence uint64
	lastHash string
	state    State
	endedAt  time.Time
	windows  map[string]Window // keyed by policy id
}

// New constructs a session already in the Active state, per §4.10 ("Pending
// ... before first event written — transitional, not externally
// observable"): by the time a Session value exists and is handed back to a
// caller, session.started has already been recorded. traceID is minted once,
// by the caller, and is shared by every event the session ever produces
// (§3: "shared by all events of a session unless the core supports
// sub-traces" — §9 rules out sub-traces for flat sessions).
func New(id, agentID, goal, traceID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		AgentID:   agentID,
		Goal:      goal,
		TraceID:   traceID,
		CreatedAt: now,
		state:     StateActive,
		lastHash:  trace.GenesisHash,
		windows:   make(map[string]Window),
	}
}

// IsActive reports whether the session can still accept writes.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// End transitions the session Active→Ended exactly once. A second call
// returns SessionAlreadyEnded rather than silently succeeding, since the
// spec requires the transition happen "exactly once".
func (s *Session) End(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return craerrors.SessionAlreadyEnded(s.ID)
	}
	s.state = StateEnded
	s.endedAt = now
	return nil
}

// advance returns the next sequence number and current last-event-hash
// without committing them, failing if the session has already ended — no
// event with sequence greater than the end-event's sequence may be appended.
func (s *Session) advance() (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return 0, "", craerrors.SessionAlreadyEnded(s.ID)
	}
	return s.sequence, s.lastHash, nil
}

// commit records sequence/hash as the session's new high-water mark.
func (s *Session) commit(sequence uint64, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence = sequence + 1
	s.lastHash = hash
}

// CheckRateLimit consults (and updates, via the caller's subsequent
// CommitRateLimit call) the window for policyID, implementing §4.6 phase 3. It returns the
// count as of now (after any window reset) and whether max has already been
// reached.
func (s *Session) CheckRateLimit(policyID string, now time.Time, window time.Duration, max int) (count int, limited bool, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[policyID]
	count = w.CheckAndReset(now, window)
	s.windows[policyID] = w
	if count >= max {
		return count, true, w.RetryAfter(now, window)
	}
	return count, false, 0
}

// CommitRateLimit increments policyID's window, per §4.6's commit-phase-only
// rule: called only once the overall request's disposition for this action
// is known not to be denied elsewhere.
func (s *Session) CommitRateLimit(policyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[policyID]
	w.Increment()
	s.windows[policyID] = w
}
