package domain

import "encoding/json"

// Request names accepted by the signaling processor.
const (
	RequestLogin   = "login"
	RequestList    = "list"
	RequestCall    = "call"
	RequestAccept  = "accept"
	RequestReject  = "reject"
	RequestRinging = "ringing"
	RequestSet     = "set"
	RequestHangup  = "hangup"
)

// SignalRequest is the decoded body of a client signaling message.
// Optional fields use pointers so "absent" and "zero value" stay
// distinguishable during validation.
type SignalRequest struct {
	Request  string `json:"request"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`

	// set knobs
	Audio     *bool   `json:"audio,omitempty"`
	Video     *bool   `json:"video,omitempty"`
	Bitrate   *uint64 `json:"bitrate,omitempty"`
	Record    *bool   `json:"record,omitempty"`
	Filename  string  `json:"filename,omitempty"`
	Restart   *bool   `json:"restart,omitempty"`
	Substream *int    `json:"substream,omitempty"`
	Temporal  *int    `json:"temporal,omitempty"`
	Time      *int64  `json:"time,omitempty"` // one-time duration limit, seconds
}

// SignalMessage is the full frame arriving from a transport: the
// request body plus an optional SDP and routing metadata filled in by
// the gateway.
type SignalMessage struct {
	HandleID    string
	Transaction string
	Body        json.RawMessage
	SDP         *SessionDescription
}

// SessionDescription is the JSEP payload exchanged during call setup.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`

	// Simulcast layout parsed out of the offer, if any.
	Simulcast *SimulcastOffer `json:"-"`
}

// SimulcastOffer describes up to three substreams by SSRC or RID.
type SimulcastOffer struct {
	SSRC [3]uint32
	RID  [3]string
}

// Announced reports whether the offer carries any simulcast layers.
func (o *SimulcastOffer) Announced() bool {
	if o == nil {
		return false
	}
	return o.SSRC[0] != 0 || o.RID[0] != ""
}

// RecordingKind distinguishes the files produced for one leg.
type RecordingKind int

const (
	RecordingAudio RecordingKind = iota
	RecordingVideo
)

func (k RecordingKind) String() string {
	if k == RecordingVideo {
		return "video"
	}
	return "audio"
}

// RecordingSink receives the RTP packets of one media leg.
type RecordingSink interface {
	WriteRTP(buf []byte) error
	Close() error
	Path() string
}

// PostProcessJob asks the postprocessor to mux the recorded legs of a
// finished call into a single artifact.
type PostProcessJob struct {
	Caller    string
	Callee    string
	StartUnix int64
	Video     bool
	Paths     []string
}
