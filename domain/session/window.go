package session

import "time"

// Window is a fixed-window rate-limit counter for one (policy id, session
// id) pair, generalized from a fixed per-minute bucket to an arbitrary
// window_seconds duration supplied by the matching rate_limit policy.
type Window struct {
	Count int
	Start time.Time
}

// CheckAndReset resets the window to (now, 0) if the configured duration has
// elapsed since Start, per §4.6's sliding-window-counter arithmetic ("on
// access, if now - window_start >= window_seconds the window resets to
// (now, 0) before the read"). It returns the window's count as of now, after
// any reset.
func (w *Window) CheckAndReset(now time.Time, window time.Duration) int {
	if w.Start.IsZero() || now.Sub(w.Start) >= window {
		w.Start = now
		w.Count = 0
	}
	return w.Count
}

// Increment records one call against the window. Callers must call
// CheckAndReset first within the same critical section so Start reflects
// the current window.
func (w *Window) Increment() {
	w.Count++
}

// RetryAfter reports how long remains until the window resets, for a
// rate-limit-denied action's response.
func (w *Window) RetryAfter(now time.Time, window time.Duration) time.Duration {
	remaining := window - now.Sub(w.Start)
	if remaining < 0 {
		return 0
	}
	return remaining
}
