package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/tabwarden/internal/protocol"
)

// Pending represents a command waiting for its result.
type Pending struct {
	RequestID string
	Method    string
	Submitted time.Time
	Result    chan *protocol.CommandResultPayload
}

// Tracker manages in-flight commands. When the driver dispatches a command
// to the extension, the caller waits on the pending Result channel; when
// the extension sends back a command_result, the tracker completes the
// request. Entries nobody claims expire after the TTL.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Pending // keyed by request_id
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

// NewTracker creates a Tracker with a TTL for auto-expiry.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	t := &Tracker{
		pending: make(map[string]*Pending),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go t.reaper()
	return t
}

// Track registers a command as in-flight. Returns the Pending whose Result
// channel will receive the extension's response.
func (t *Tracker) Track(requestID, method string) *Pending {
	pc := &Pending{
		RequestID: requestID,
		Method:    method,
		Submitted: time.Now().UTC(),
		Result:    make(chan *protocol.CommandResultPayload, 1),
	}

	t.mu.Lock()
	t.pending[requestID] = pc
	t.mu.Unlock()

	return pc
}

// Complete delivers a result to the waiting caller. Returns an error if
// the request ID isn't tracked (already expired or unknown).
func (t *Tracker) Complete(requestID string, result *protocol.CommandResultPayload) error {
	t.mu.Lock()
	pc, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending command for request %s", requestID)
	}

	// Non-blocking send (buffer=1)
	pc.Result <- result
	return nil
}

// Cancel removes a tracked command without delivering a result.
func (t *Tracker) Cancel(requestID string) {
	t.mu.Lock()
	pc, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
		close(pc.Result)
	}
	t.mu.Unlock()
}

// InFlight returns the number of currently tracked commands.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close stops the reaper and cancels every pending command.
func (t *Tracker) Close() {
	t.once.Do(func() { close(t.stop) })

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, pc := range t.pending {
		delete(t.pending, id)
		close(pc.Result)
	}
}

// expire checks for stale pending commands and times them out.
func (t *Tracker) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().UTC().Add(-t.ttl)
	for id, pc := range t.pending {
		if pc.Submitted.Before(cutoff) {
			pc.Result <- &protocol.CommandResultPayload{
				RequestID: pc.RequestID,
				OK:        false,
				Code:      protocol.CodeInternal,
				Error:     "timed out waiting for the extension",
			}
			delete(t.pending, id)
		}
	}
}

// reaper runs in a goroutine and periodically calls expire.
func (t *Tracker) reaper() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.expire()
		}
	}
}
