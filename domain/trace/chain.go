package trace

import "errors"

// VerifyErrorKind is the closed set of ways a chain can fail verification,
// per §4.2.
type VerifyErrorKind string

const (
	VerifyErrSequenceGap          VerifyErrorKind = "sequence_gap"
	VerifyErrSequenceNonMonotonic VerifyErrorKind = "sequence_non_monotonic"
	VerifyErrHashMismatch         VerifyErrorKind = "hash_mismatch"
	VerifyErrPrevHashMismatch     VerifyErrorKind = "prev_hash_mismatch"
	VerifyErrGenesisViolation     VerifyErrorKind = "genesis_violation"
)

// Sentinel errors returned by Event.Verify. ChainVerifier does not use them:
// it recomputes each hash itself and reports a VerifyErrorKind directly.
var (
	ErrHashMismatch     = errors.New("trace: event hash mismatch")
	ErrPrevHashMismatch = errors.New("trace: previous-event hash mismatch")
)

// VerifyResult is the structured outcome of verifying a session's event chain.
type VerifyResult struct {
	Valid          bool
	EventCount     int
	FirstEventID   string
	LastEventID    string
	ErrorKind      VerifyErrorKind
	ErrorKindSet   bool
	OffendingIndex int
}

// ChainVerifier checks the hash-chain and sequence invariants across an
// ordered slice of events belonging to a single session.
type ChainVerifier struct{}

// Verify checks, in order: genesis previous-hash on the first event,
// sequence monotonicity and gap-freedom, and per-event hash/prev-hash
// correctness. It stops at the first violation and reports its index and
// kind; running it twice over the same input is idempotent.
func (ChainVerifier) Verify(events []Event) VerifyResult {
	result := VerifyResult{EventCount: len(events)}
	if len(events) == 0 {
		result.Valid = true
		return result
	}

	result.FirstEventID = events[0].EventID
	result.LastEventID = events[len(events)-1].EventID

	if events[0].PreviousHash != GenesisHash {
		return fail(result, VerifyErrGenesisViolation, 0)
	}

	prevHash := GenesisHash
	var prevSeq uint64
	for i, ev := range events {
		if i > 0 {
			if ev.Sequence <= prevSeq {
				return fail(result, VerifyErrSequenceNonMonotonic, i)
			}
			if ev.Sequence != prevSeq+1 {
				return fail(result, VerifyErrSequenceGap, i)
			}
		} else if ev.Sequence != 0 {
			return fail(result, VerifyErrSequenceGap, i)
		}

		if ev.PreviousHash != prevHash {
			return fail(result, VerifyErrPrevHashMismatch, i)
		}

		recomputed, err := Hash(ev.preHash())
		if err != nil || recomputed != ev.EventHash {
			return fail(result, VerifyErrHashMismatch, i)
		}

		prevHash = ev.EventHash
		prevSeq = ev.Sequence
	}

	result.Valid = true
	return result
}

func fail(result VerifyResult, kind VerifyErrorKind, index int) VerifyResult {
	result.Valid = false
	result.ErrorKind = kind
	result.ErrorKindSet = true
	result.OffendingIndex = index
	return result
}
