package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/cra/infrastructure/clock"
)

// Mode selects between immediate (synchronous, on the caller's goroutine)
// and deferred (ring buffer + background processor) hashing, per §6's
// trace_mode configuration option.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeDeferred  Mode = "deferred"
)

// Collector is the per-resolver façade every CARP operation writes TRACE
// events through. In ModeImmediate it computes sequence and hash inline,
// bypassing the ring buffer entirely; in ModeDeferred it pushes a RawEvent
// and lets the Processor do the sequencing asynchronously.
type Collector struct {
	mode      Mode
	ledger    SessionLedger
	storage   StorageBackend
	clock     clock.Clock
	buf       *RingBuffer
	processor *Processor
}

// NewCollector constructs a Collector. processor may be nil only when mode
// is ModeImmediate (there is nothing for it to do).
func NewCollector(mode Mode, ledger SessionLedger, storage StorageBackend, clk clock.Clock, buf *RingBuffer, processor *Processor) *Collector {
	return &Collector{
		mode:      mode,
		ledger:    ledger,
		storage:   storage,
		clock:     clk,
		buf:       buf,
		processor: processor,
	}
}

// Record writes one TRACE event. In deferred mode this never blocks on I/O
// or hashing; in immediate mode the hash is computed before Record returns.
func (c *Collector) Record(ctx context.Context, in NewInput) error {
	if c.mode == ModeImmediate {
		seq, prevHash, err := c.ledger.Advance(in.SessionID)
		if err != nil {
			return err
		}
		ev, err := New(in, seq, prevHash, c.clock.Now())
		if err != nil {
			return err
		}
		c.ledger.Commit(in.SessionID, seq, ev.EventHash)
		if err := c.storage.WriteBatch(ctx, []Event{ev}); err != nil {
			return fmt.Errorf("trace: immediate-mode write: %w", err)
		}
		return nil
	}

	raw := RawEvent{Input: in, Timestamp: c.clock.Now().UnixNano()}
	for !c.buf.Push(raw) {
		// Only BackpressurePolicy refuses a push: wake the processor so it
		// frees space, and retry until there is room or ctx is done.
		if c.processor != nil {
			c.processor.Notify()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	if c.processor != nil {
		c.processor.Notify()
	}
	return nil
}

// Flush blocks until every event recorded so far has reached the storage
// backend. In immediate mode this is a no-op since Record already wrote
// synchronously.
func (c *Collector) Flush(ctx context.Context) error {
	if c.mode == ModeImmediate || c.processor == nil {
		return nil
	}
	return c.processor.Flush(ctx)
}

// Events flushes, then returns sessionID's events in sequence order.
func (c *Collector) Events(ctx context.Context, sessionID string) ([]Event, error) {
	if err := c.Flush(ctx); err != nil {
		return nil, err
	}
	return c.storage.ReadSession(ctx, sessionID)
}

// VerifyChain flushes, then runs ChainVerifier over sessionID's events.
func (c *Collector) VerifyChain(ctx context.Context, sessionID string) (VerifyResult, error) {
	events, err := c.Events(ctx, sessionID)
	if err != nil {
		return VerifyResult{}, err
	}
	return ChainVerifier{}.Verify(events), nil
}

// FlushTimeout wraps Flush with a timeout, for callers that want a bounded
// wait and a partial-flush indication (§5) rather than an unbounded block.
func (c *Collector) FlushTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Flush(ctx)
}
