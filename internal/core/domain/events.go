package domain

// Event names carried in the "result" object of pairline events.
const (
	EventRegistered   = "registered"
	EventCalling      = "calling"
	EventIncomingCall = "incomingcall"
	EventRinging      = "ringing"
	EventAccepted     = "accepted"
	EventSet          = "set"
	EventSimulcast    = "simulcast"
	EventUpdate       = "update"
	EventSlowLink     = "slow_link"
	EventStop         = "stop"
	EventList         = "list"
)

// Hangup reasons reported in the stop event.
const (
	ReasonExplicit     = "explicit hangup"
	ReasonUserBusy     = "User busy"
	ReasonAnsweredElse = "Answered elsewhere"
	ReasonGone         = "Remote WebRTC hangup"
	ReasonTimeout      = "Call timed out"
	ReasonMissed       = "Missed call"
)

// Event is the envelope pushed to clients over the signaling channel.
// Result holds the event body; Error is set instead of Result when a
// request failed. SDP rides alongside the envelope when an offer or
// answer accompanies the event.
type Event struct {
	Pairline    string                 `json:"pairline"`
	Transaction string                 `json:"transaction,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       *EventError            `json:"error,omitempty"`
	SDP         *SessionDescription    `json:"jsep,omitempty"`
}

// EventError mirrors the error object of a failed request.
type EventError struct {
	Code   int    `json:"error_code"`
	Reason string `json:"error"`
}

// NewEvent builds a success envelope with the given event name.
func NewEvent(name string) *Event {
	return &Event{
		Pairline: "event",
		Result:   map[string]interface{}{"event": name},
	}
}

// NewErrorEvent builds a failure envelope.
func NewErrorEvent(code int, reason string) *Event {
	return &Event{
		Pairline: "event",
		Error:    &EventError{Code: code, Reason: reason},
	}
}

// With adds a result field and returns the event for chaining.
func (e *Event) With(key string, value interface{}) *Event {
	if e.Result == nil {
		e.Result = map[string]interface{}{}
	}
	e.Result[key] = value
	return e
}

// WithSDP attaches a session description to the envelope.
func (e *Event) WithSDP(sdp *SessionDescription) *Event {
	e.SDP = sdp
	return e
}
