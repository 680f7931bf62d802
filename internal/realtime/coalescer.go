package realtime

import (
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	// DefaultCoalesceWindow is how soon after an applied update a new
	// push is considered part of a burst.
	DefaultCoalesceWindow = 100 * time.Millisecond

	// DefaultDebounce is how long a burst must stay quiet before its
	// latest payload is delivered.
	DefaultDebounce = 50 * time.Millisecond
)

// Coalescer collapses rapid pushes. A push arriving within the window of
// the last applied delivery is held for the debounce delay, and only the
// most recent held payload is delivered. Another user's finished assistant
// message is never held.
type Coalescer struct {
	userID   string
	window   time.Duration
	debounce time.Duration
	deliver  func(models.PushPayload) bool

	mu sync.Mutex
	// lastApplied is when deliver last reported a payload as applied.
	lastApplied time.Time
	pending     *models.PushPayload
	pendingSeq  uint64
	timer       *time.Timer
	seq         uint64
	stopped     bool

	// deliverMu serializes deliver calls and lets Stop wait for one in
	// flight. delivered is the seq of the newest payload handed out.
	deliverMu sync.Mutex
	delivered uint64
}

// NewCoalescer creates a coalescer that hands payloads to deliver, which
// reports whether the payload was applied. Skipped payloads do not start
// a burst. deliver must not call Stop.
func NewCoalescer(userID string, deliver func(models.PushPayload) bool) *Coalescer {
	return &Coalescer{
		userID:   userID,
		window:   DefaultCoalesceWindow,
		debounce: DefaultDebounce,
		deliver:  deliver,
	}
}

// Submit offers a push. It is delivered synchronously when it is not part
// of a burst, otherwise from a timer goroutine after the debounce delay.
func (c *Coalescer) Submit(push models.PushPayload) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	c.seq++
	seq := c.seq
	now := time.Now()

	burst := !c.lastApplied.IsZero() && now.Sub(c.lastApplied) < c.window
	if !burst || c.isRemoteCompletedAssistant(push) {
		c.cancelPendingLocked()
		c.mu.Unlock()

		c.emit(seq, push)

		return
	}

	c.pending = &push
	c.pendingSeq = seq

	if c.timer != nil {
		c.timer.Stop()
	}

	c.timer = time.AfterFunc(c.debounce, func() { c.flush(seq) })
	c.mu.Unlock()
}

// flush delivers the held payload if no newer push has replaced the timer
// that scheduled it.
func (c *Coalescer) flush(seq uint64) {
	c.mu.Lock()
	if c.stopped || c.pending == nil || c.pendingSeq != seq {
		c.mu.Unlock()
		return
	}

	push := *c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()

	c.emit(seq, push)
}

func (c *Coalescer) emit(seq uint64, push models.PushPayload) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()

	if stopped || seq < c.delivered {
		return
	}

	c.delivered = seq

	if c.deliver(push) {
		c.mu.Lock()
		c.lastApplied = time.Now()
		c.mu.Unlock()
	}
}

// Pending reports whether a payload is waiting for its debounce timer.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending != nil
}

// Stop cancels any held payload and waits for a delivery in progress to
// return. No deliveries happen after Stop returns.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.cancelPendingLocked()
	c.mu.Unlock()

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
}

func (c *Coalescer) cancelPendingLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.pending = nil
}

// isRemoteCompletedAssistant reports whether push ends with a non-empty
// assistant message written by someone other than this session's user.
// Non-empty content is taken as finished since pushes carry no streaming
// flag.
func (c *Coalescer) isRemoteCompletedAssistant(push models.PushPayload) bool {
	if push.LastModifiedBy == "" || push.LastModifiedBy == c.userID || len(push.Messages) == 0 {
		return false
	}

	last := push.Messages[len(push.Messages)-1]

	return last.Role == models.RoleAssistant && !last.IsEmptyPlaceholder()
}
