package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	craerrors "github.com/R3E-Network/cra/infrastructure/errors"
)

func TestStore_PutGet(t *testing.T) {
	st := NewStore()
	s := New("sess-1", "agent-1", "goal", "trace-1", time.Now())
	st.Put(s)

	got, err := st.Get("sess-1")
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
}

func TestStore_GetUnknownReturnsSessionNotFound(t *testing.T) {
	st := NewStore()
	_, err := st.Get("ghost")
	if !craerrors.Is(err, craerrors.CodeSessionNotFound) {
		t.Errorf("Get = %v, want SessionNotFound", err)
	}
}

func TestStore_AdvanceCommitImplementsSessionLedger(t *testing.T) {
	st := NewStore()
	st.Put(New("sess-1", "agent-1", "goal", "trace-1", time.Now()))

	seq, prevHash, err := st.Advance("sess-1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if seq != 0 {
		t.Errorf("Advance seq = %d, want 0", seq)
	}
	st.Commit("sess-1", seq, "hash-0")

	seq2, prevHash2, err := st.Advance("sess-1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if seq2 != 1 || prevHash2 != "hash-0" {
		t.Errorf("second Advance = (%d, %q), want (1, hash-0)", seq2, prevHash2)
	}
	_ = prevHash
}

func TestStore_DeleteRemovesSession(t *testing.T) {
	st := NewStore()
	st.Put(New("sess-1", "agent-1", "goal", "trace-1", time.Now()))
	st.Delete("sess-1")

	_, err := st.Get("sess-1")
	if !craerrors.Is(err, craerrors.CodeSessionNotFound) {
		t.Errorf("Get after Delete = %v, want SessionNotFound", err)
	}
}

func TestStore_CommitAfterDeleteIsSilentlyDropped(t *testing.T) {
	st := NewStore()
	st.Put(New("sess-1", "agent-1", "goal", "trace-1", time.Now()))
	st.Delete("sess-1")

	st.Commit("sess-1", 0, "hash-0") // must not panic
}

func TestStore_ActiveCountReflectsEndedSessions(t *testing.T) {
	st := NewStore()
	s1 := New("sess-1", "agent-1", "goal", "trace-1", time.Now())
	s2 := New("sess-2", "agent-1", "goal", "trace-1", time.Now())
	st.Put(s1)
	st.Put(s2)

	if st.ActiveCount() != 2 {
		t.Fatalf("ActiveCount = %d, want 2", st.ActiveCount())
	}
	s1.End(time.Now())
	if st.ActiveCount() != 1 {
		t.Errorf("ActiveCount after End = %d, want 1", st.ActiveCount())
	}
	if st.Count() != 2 {
		t.Errorf("Count = %d, want 2 (ended session still tracked until Delete)", st.Count())
	}
}

func TestStore_ConcurrentAccessAcrossSessions(t *testing.T) {
	st := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", i)
			st.Put(New(id, "agent-1", "goal", "trace-1", time.Now()))
			st.Advance(id)
			st.Commit(id, 0, "hash")
		}(i)
	}
	wg.Wait()

	if st.Count() != 50 {
		t.Errorf("Count = %d, want 50", st.Count())
	}
}
