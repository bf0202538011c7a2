package session

import (
	"hash/fnv"
	"sync"
	"time"

	craerrors "github.com/R3E-Network/cra/infrastructure/errors"
)

const shardCount = 32

// Store is the concurrent session table (§5: "a concurrent map keyed by
// session id"). It is sharded into fixed buckets, each behind its own mutex,
// so lookups for unrelated sessions never contend — generalizing the single
// map+RWMutex shape into per-entity locking, since §5 requires the session
// lock be per-session, not global.
type Store struct {
	shards [shardCount]shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	st := &Store{}
	for i := range st.shards {
		st.shards[i].sessions = make(map[string]*Session)
	}
	return st
}

func (st *Store) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &st.shards[h.Sum32()%shardCount]
}

// Put registers a new session.
func (st *Store) Put(s *Session) {
	shard := st.shardFor(s.ID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.sessions[s.ID] = s
}

// Get returns the session with the given id.
func (st *Store) Get(sessionID string) (*Session, error) {
	shard := st.shardFor(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	s, ok := shard.sessions[sessionID]
	if !ok {
		return nil, craerrors.SessionNotFound(sessionID)
	}
	return s, nil
}

// Delete removes sessionID from the store, for post-TTL reclamation of
// ended sessions.
func (st *Store) Delete(sessionID string) {
	shard := st.shardFor(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.sessions, sessionID)
}

// Count returns the number of sessions currently tracked, for the
// cra_sessions_active gauge (callers filter to active sessions themselves).
func (st *Store) Count() int {
	total := 0
	for i := range st.shards {
		st.shards[i].mu.RLock()
		total += len(st.shards[i].sessions)
		st.shards[i].mu.RUnlock()
	}
	return total
}

// ActiveCount returns the number of sessions currently in the Active state.
func (st *Store) ActiveCount() int {
	total := 0
	for i := range st.shards {
		st.shards[i].mu.RLock()
		for _, s := range st.shards[i].sessions {
			if s.IsActive() {
				total++
			}
		}
		st.shards[i].mu.RUnlock()
	}
	return total
}

// Advance implements trace.SessionLedger: it looks up sessionID and defers
// to its per-session lock for the actual sequence/hash read.
func (st *Store) Advance(sessionID string) (uint64, string, error) {
	s, err := st.Get(sessionID)
	if err != nil {
		return 0, "", err
	}
	return s.advance()
}

// Commit implements trace.SessionLedger. Commits against a session that has
// since been deleted from the store are silently dropped — this only
// happens to already-ended sessions past their eviction point, whose chain
// is already complete.
func (st *Store) Commit(sessionID string, sequence uint64, hash string) {
	s, err := st.Get(sessionID)
	if err != nil {
		return
	}
	s.commit(sequence, hash)
}

// End transitions sessionID to Ended.
func (st *Store) End(sessionID string, now time.Time) error {
	s, err := st.Get(sessionID)
	if err != nil {
		return err
	}
	return s.End(now)
}
