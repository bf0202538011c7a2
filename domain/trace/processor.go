package trace

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/cra/infrastructure/clock"
	"github.com/R3E-Network/cra/infrastructure/logging"
	"github.com/R3E-Network/cra/infrastructure/metrics"
)

// SessionLedger is the narrow view of session state the processor needs to
// turn a RawEvent into a sequenced, hash-chained Event: the next sequence
// number and the previous event's hash, both guarded by that session's own
// lock (never a processor-wide lock), plus a commit call once the event's
// hash has been computed so the session's last-hash advances.
type SessionLedger interface {
	// Advance returns the next sequence number and current last-event-hash
	// for sessionID, without yet committing them (the event hash isn't
	// known until after this call returns).
	Advance(sessionID string) (sequence uint64, previousHash string, err error)
	// Commit records that sequence/hash as the session's new high-water mark.
	Commit(sessionID string, sequence uint64, hash string)
}

// Processor is the dedicated background consumer described in §4.4: it
// drains the ring buffer, sequences and hashes each event against its
// owning session's ledger, and hands completed batches to a StorageBackend
// with bounded retry on failure.
type Processor struct {
	buf     *RingBuffer
	ledger  SessionLedger
	storage StorageBackend
	clock   clock.Clock
	log     *logging.HotPath
	metrics *metrics.Collectors

	flushInterval time.Duration
	batchSize     int
	maxBackoff    time.Duration
	maxRetries    int

	wake chan struct{}
	done chan struct{}
	stop chan struct{}

	mu           sync.Mutex
	pendingFlush []chan struct{}
	droppedSeen  uint64
	carryover    []Event
}

// ProcessorConfig configures a Processor's batching and retry behavior.
type ProcessorConfig struct {
	FlushInterval time.Duration
	BatchSize     int
	MaxBackoff    time.Duration
	// MaxRetries bounds how many times a single batch is retried before the
	// processor gives up on that attempt, emits storage.degraded, and folds
	// the unwritten batch into the next write attempt (§4.11).
	MaxRetries int
}

// NewProcessor constructs a Processor. Call Run to start its goroutine.
func NewProcessor(buf *RingBuffer, ledger SessionLedger, storage StorageBackend, clk clock.Clock, log *logging.HotPath, m *metrics.Collectors, cfg ProcessorConfig) *Processor {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Processor{
		buf:           buf,
		ledger:        ledger,
		storage:       storage,
		clock:         clk,
		log:           log,
		metrics:       m,
		flushInterval: cfg.FlushInterval,
		batchSize:     cfg.BatchSize,
		maxBackoff:    cfg.MaxBackoff,
		maxRetries:    cfg.MaxRetries,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		stop:          make(chan struct{}),
	}
}

// Run starts the processor loop on a new goroutine. Call Stop to shut it down.
func (p *Processor) Run() {
	go p.loop()
}

// Stop signals the processor to exit after its current iteration.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.done
}

// Notify wakes the processor immediately instead of waiting for the next
// flush-interval tick; producers call this after Push so low-traffic
// sessions don't wait a full interval to be persisted.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every event currently in the ring buffer (as of the
// call) has been handed to the storage backend, implementing the
// synchronous drain §4.4 and §5 require for end_session/get_trace/verify_chain.
func (p *Processor) Flush(ctx context.Context) error {
	done := make(chan struct{})
	p.mu.Lock()
	p.pendingFlush = append(p.pendingFlush, done)
	p.mu.Unlock()
	p.Notify()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) loop() {
	defer close(p.done)
	ticker := p.clock.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.drainOnce()
			p.releaseFlushWaiters()
			return
		case <-p.wake:
			p.drainOnce()
			p.releaseFlushWaiters()
		case <-ticker.C():
			p.drainOnce()
			p.releaseFlushWaiters()
		}
	}
}

func (p *Processor) releaseFlushWaiters() {
	p.mu.Lock()
	waiters := p.pendingFlush
	p.pendingFlush = nil
	p.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// drainOnce drains everything buffered when the cycle starts, possibly across
// several batchSize-sized chunks, so a Flush call observes the whole backlog,
// not just one batch. Events pushed during the cycle, including the
// storage.degraded events writeWithRetry re-injects, wait for the next cycle.
func (p *Processor) drainOnce() {
	budget := p.buf.Len()
	for {
		var raw []RawEvent
		if budget > 0 {
			raw = p.buf.Drain(min(budget, p.batchSize))
			budget -= len(raw)
		}
		if len(raw) == 0 {
			p.reportDropped()
			if p.metrics != nil {
				p.metrics.SetTraceBuffered(p.buf.Len())
			}
			if len(p.carryover) > 0 {
				pending := p.carryover
				p.carryover = nil
				p.writeWithRetry(pending)
			}
			return
		}

		batch := make([]Event, 0, len(raw))
		for _, r := range raw {
			ev, err := p.sequence(r)
			if err != nil {
				// Sequencing failure means the owning session is gone
				// (ended and reaped) or the ledger rejected it; the event
				// is dropped rather than corrupting another session's chain.
				continue
			}
			batch = append(batch, ev)
		}
		p.reportDropped()
		if p.metrics != nil {
			p.metrics.SetTraceBuffered(p.buf.Len())
		}
		if len(batch) == 0 {
			continue
		}
		if len(p.carryover) > 0 {
			batch = append(p.carryover, batch...)
			p.carryover = nil
		}

		p.writeWithRetry(batch)
	}
}

func (p *Processor) sequence(r RawEvent) (Event, error) {
	seq, prevHash, err := p.ledger.Advance(r.Input.SessionID)
	if err != nil {
		return Event{}, err
	}
	ev, err := New(r.Input, seq, prevHash, time.Unix(0, r.Timestamp))
	if err != nil {
		return Event{}, err
	}
	p.ledger.Commit(r.Input.SessionID, seq, ev.EventHash)
	return ev, nil
}

func (p *Processor) reportDropped() {
	total := p.buf.Dropped()
	if total == p.droppedSeen {
		return
	}
	delta := total - p.droppedSeen
	p.droppedSeen = total
	if p.log != nil {
		p.log.Dropped("", total)
	}
	if p.metrics != nil {
		for i := uint64(0); i < delta; i++ {
			p.metrics.RecordTraceDropped()
		}
	}
}

// writeWithRetry attempts to persist batch, retrying with capped exponential
// backoff up to maxRetries times. On exhaustion it stashes the batch as
// carryover, which the next write attempt includes ahead of newer events, and emits a storage.degraded event,
// chained into each affected session, per §4.11.
func (p *Processor) writeWithRetry(batch []Event) {
	backoff := 100 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		start := p.clock.Now()
		err := p.storage.WriteBatch(context.Background(), batch)
		duration := p.clock.Since(start)
		if err == nil {
			if p.metrics != nil {
				p.metrics.RecordTraceBatch(len(batch), duration)
			}
			if p.log != nil {
				p.log.BatchWritten(len(batch), duration)
			}
			return
		}

		lastErr = err
		if p.log != nil {
			p.log.WriteFailed(err, attempt+1, backoff)
		}
		if attempt < p.maxRetries {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > p.maxBackoff {
				backoff = p.maxBackoff
			}
		}
	}

	p.carryover = batch
	p.emitDegraded(batch, lastErr)
}

// emitDegraded pushes a storage.degraded RawEvent back into the ring buffer
// for each distinct session represented in the failed batch, so it is
// sequenced and hashed into that session's chain on the next drain — "still
// chained" per §4.11 — rather than being lost or reported out-of-band.
func (p *Processor) emitDegraded(batch []Event, cause error) {
	seen := make(map[string]bool)
	for _, ev := range batch {
		if seen[ev.SessionID] {
			continue
		}
		seen[ev.SessionID] = true

		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		p.buf.Push(RawEvent{
			Input: NewInput{
				TraceID:   ev.TraceID,
				SessionID: ev.SessionID,
				EventType: EventStorageDegraded,
				Payload:   map[string]interface{}{"reason": reason, "batch_size": len(batch)},
			},
			Timestamp: p.clock.Now().UnixNano(),
		})
	}
}
