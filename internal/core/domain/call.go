package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// CallState is the negotiation state of a call between two users.
type CallState int

const (
	CallInit CallState = iota
	CallRinging
	CallAccepted
	CallStarted
	CallBusy
	CallReject
	CallMissed
	CallTimeout
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallInit:
		return "init"
	case CallRinging:
		return "ringing"
	case CallAccepted:
		return "accepted"
	case CallStarted:
		return "started"
	case CallBusy:
		return "busy"
	case CallReject:
		return "rejected"
	case CallMissed:
		return "missed"
	case CallTimeout:
		return "timeout"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s CallState) Terminal() bool {
	switch s {
	case CallBusy, CallReject, CallMissed, CallTimeout, CallEnded:
		return true
	}
	return false
}

// Call is the shared state of one call attempt between two users.
// Exactly two strong references exist while both participants are in
// the call; each side releases its own during teardown.
type Call struct {
	// Caller and Callee are fixed at creation and never change.
	Caller string
	Callee string

	mu sync.Mutex

	state     CallState
	finalized bool // set by the first End invocation
	isVideo   bool
	record    int32 // one-shot: consumed when recording actually starts
	duration  time.Duration

	startRing time.Time
	start     time.Time
	stop      time.Time

	ref *RefCount
}

// NewCall creates a call in the INIT state, ring clock started now.
// The creator holds the initial reference.
func NewCall(caller, callee string, isVideo, record bool, duration time.Duration) *Call {
	c := &Call{
		Caller:    caller,
		Callee:    callee,
		state:     CallInit,
		isVideo:   isVideo,
		duration:  duration,
		startRing: time.Now(),
	}
	if record {
		c.record = 1
	}
	c.ref = NewRefCount(nil)
	return c
}

// Ref exposes the call's reference counter.
func (c *Call) Ref() *RefCount { return c.ref }

// OnRelease installs the hook that runs when the last reference is
// dropped. Must be set before the call is shared.
func (c *Call) OnRelease(free func()) {
	c.ref.free = free
}

// State returns the current state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsVideo reports whether this is an audio+video call.
func (c *Call) IsVideo() bool { return c.isVideo }

// TakeRecording consumes the record-requested flag. It returns true
// exactly once per call.
func (c *Call) TakeRecording() bool {
	return atomic.CompareAndSwapInt32(&c.record, 1, 0)
}

// RecordRequested reports whether recording is still pending.
func (c *Call) RecordRequested() bool {
	return atomic.LoadInt32(&c.record) == 1
}

// Duration returns the configured duration limit (0 = unlimited).
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// SetDurationOnce applies a duration limit only if none is set yet.
func (c *Call) SetDurationOnce(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.duration == 0 {
		c.duration = d
	}
}

// MarkRinging moves INIT to RINGING. Safe to call repeatedly once
// the callee reports ringing.
func (c *Call) MarkRinging() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CallInit {
		c.state = CallRinging
	}
}

// Accept moves INIT or RINGING to ACCEPTED. It returns false when the
// call has already been accepted or has reached a terminal state, so
// the transition happens exactly once.
func (c *Call) Accept() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallInit && c.state != CallRinging {
		return false
	}
	c.state = CallAccepted
	return true
}

// MarkStarted moves ACCEPTED to STARTED and records the start time.
func (c *Call) MarkStarted(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallAccepted {
		return false
	}
	c.state = CallStarted
	c.start = now
	return true
}

// RingExpired reports whether the call is still unanswered past the
// ring timeout, and moves it to MISSED when it is.
func (c *Call) RingExpired(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallInit && c.state != CallRinging {
		return false
	}
	if now.Sub(c.startRing) < timeout {
		return false
	}
	c.state = CallMissed
	return true
}

// CheckTimeout moves a STARTED call past its duration limit to
// TIMEOUT. Checked opportunistically on each relayed packet.
func (c *Call) CheckTimeout(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallStarted || c.duration == 0 {
		return false
	}
	if now.Sub(c.start) < c.duration {
		return false
	}
	c.state = CallTimeout
	c.stop = now
	return true
}

// MarkRejected moves a not-yet-accepted call to REJECT.
func (c *Call) MarkRejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallInit && c.state != CallRinging {
		return false
	}
	c.state = CallReject
	return true
}

// End finishes a STARTED call, recording the stop time. For a call
// already in TIMEOUT the stop time is kept and the state preserved.
// Returns the state the stop event should report and whether this
// invocation performed the transition.
func (c *Call) End(now time.Time) (CallState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CallStarted:
		c.state = CallEnded
		c.stop = now
		c.finalized = true
		return CallEnded, true
	case CallTimeout:
		if c.stop.IsZero() {
			c.stop = now
		}
		if !c.finalized {
			c.finalized = true
			return CallTimeout, true
		}
	}
	return c.state, false
}

// SetRecordRequested arms or disarms recording before it has started.
func (c *Call) SetRecordRequested(on bool) {
	if on {
		atomic.StoreInt32(&c.record, 1)
	} else {
		atomic.StoreInt32(&c.record, 0)
	}
}

// StartRingTime returns when ringing began.
func (c *Call) StartRingTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startRing
}

// StartTime returns when media started flowing.
func (c *Call) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

// StopTime returns when the call stopped.
func (c *Call) StopTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

// SetStartTime backdates the media start. Used by duration-limit
// checks in tests.
func (c *Call) SetStartTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = t
}

// SetRingStartTime backdates the ring clock.
func (c *Call) SetRingStartTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startRing = t
}
