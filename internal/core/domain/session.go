package domain

import (
	"sync"
	"sync/atomic"
	"time"

	"pairline/internal/core/media"
)

// MediaFlags records what a session negotiated (Has*) and what it has
// locally enabled (Active). A muted leg keeps its capability but stops
// being relayed.
type MediaFlags struct {
	HasAudio bool
	HasVideo bool
	HasData  bool

	AudioActive bool
	VideoActive bool
}

// UserSession is the per-user state of a registered participant. One
// username maps to one session; a session may have several attached
// handles (devices) until a call pins one of them as active.
//
// Locking: mu guards the mutable call/media fields. The relay path
// reads Bitrate and the in-call flag through atomics so per-packet
// work never takes mu. recMu serializes recording sink writes.
type UserSession struct {
	mu sync.Mutex

	Username string

	handles      []string
	activeHandle string

	peerName string
	call     *Call

	Media MediaFlags

	// Negotiated codecs, empty until SDP exchange.
	AudioCodec string
	VideoCodec string

	// Simulcast SSRCs/RIDs announced by this session's sender.
	SSRC [3]uint32
	RID  [3]string

	// SimCtx selects which of the peer's substreams this session
	// receives; SwitchCtx keeps the relayed stream continuous.
	SimCtx    media.SimulcastContext
	SwitchCtx media.SwitchContext

	bitrate     uint64 // REMB cap imposed on the peer, atomic
	peerBitrate uint64 // last cap the peer asked of us, atomic

	inCall     int32 // 1 while paired, atomic
	hangingUp  int32 // CAS guard for teardown
	destroyed  int32
	mediaReady int32 // WebRTC transport up

	// NACK tally for uplink loss detection, guarded by mu; slowLinks
	// counts loss reports over the session's lifetime, atomic.
	nackCount  int
	nackWindow time.Time
	slowLinks  uint32

	// RecordFilename is the client-requested base name for the next
	// recording, guarded by mu.
	RecordFilename string

	recMu      sync.Mutex
	AudioSink  RecordingSink
	VideoSink  RecordingSink
	RecordPath string
}

// NewUserSession creates a session for username with one attached
// handle.
func NewUserSession(username, handleID string) *UserSession {
	s := &UserSession{
		Username: username,
		handles:  []string{handleID},
	}
	s.SimCtx.Reset()
	return s
}

func (s *UserSession) Lock()   { s.mu.Lock() }
func (s *UserSession) Unlock() { s.mu.Unlock() }

// AttachHandle registers an additional device for this username.
func (s *UserSession) AttachHandle(handleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		if h == handleID {
			return
		}
	}
	s.handles = append(s.handles, handleID)
}

// DetachHandle removes a device. It reports whether any handles remain
// and whether the removed handle was the call's active one.
func (s *UserSession) DetachHandle(handleID string) (remaining int, wasActive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handles {
		if h == handleID {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			break
		}
	}
	wasActive = s.activeHandle == handleID
	if wasActive {
		s.activeHandle = ""
	}
	return len(s.handles), wasActive
}

// Handles returns a snapshot of the attached handle IDs.
func (s *UserSession) Handles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.handles))
	copy(out, s.handles)
	return out
}

// ActiveHandle returns the handle pinned by the current call, if any.
func (s *UserSession) ActiveHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeHandle
}

// PinHandle marks handleID as the device carrying the current call.
func (s *UserSession) PinHandle(handleID string) {
	s.mu.Lock()
	s.activeHandle = handleID
	s.mu.Unlock()
}

// TryEnterCall atomically claims this session for a call. It fails if
// the session is already paired.
func (s *UserSession) TryEnterCall() bool {
	return atomic.CompareAndSwapInt32(&s.inCall, 0, 1)
}

// InCall reports whether the session is currently paired.
func (s *UserSession) InCall() bool {
	return atomic.LoadInt32(&s.inCall) == 1
}

// LeaveCall clears the paired flag.
func (s *UserSession) LeaveCall() {
	atomic.StoreInt32(&s.inCall, 0)
}

// BeginHangup wins the right to run teardown exactly once per call.
// FinishHangup re-arms it for the next call.
func (s *UserSession) BeginHangup() bool {
	return atomic.CompareAndSwapInt32(&s.hangingUp, 0, 1)
}

func (s *UserSession) FinishHangup() {
	atomic.StoreInt32(&s.hangingUp, 0)
}

// MarkDestroyed flags the session as going away; relay and signaling
// paths drop work for destroyed sessions.
func (s *UserSession) MarkDestroyed() {
	atomic.StoreInt32(&s.destroyed, 1)
}

func (s *UserSession) Destroyed() bool {
	return atomic.LoadInt32(&s.destroyed) == 1
}

// SetMediaReady flips the transport-up flag; relay refuses packets for
// sessions whose media is not up.
func (s *UserSession) SetMediaReady(ready bool) {
	if ready {
		atomic.StoreInt32(&s.mediaReady, 1)
	} else {
		atomic.StoreInt32(&s.mediaReady, 0)
	}
}

func (s *UserSession) MediaReady() bool {
	return atomic.LoadInt32(&s.mediaReady) == 1
}

// Bitrate returns the REMB cap this session imposes on its peer; zero
// means uncapped.
func (s *UserSession) Bitrate() uint64 {
	return atomic.LoadUint64(&s.bitrate)
}

func (s *UserSession) SetBitrate(b uint64) {
	atomic.StoreUint64(&s.bitrate, b)
}

func (s *UserSession) PeerBitrate() uint64 {
	return atomic.LoadUint64(&s.peerBitrate)
}

func (s *UserSession) SetPeerBitrate(b uint64) {
	atomic.StoreUint64(&s.peerBitrate, b)
}

// LearnSSRC pins an unannounced simulcast SSRC to the first free layer
// slot and returns the resulting layout. RID-only senders declare no
// SSRCs up front, so layers are claimed in order of first appearance
// on the wire. Known and overflow SSRCs leave the layout unchanged.
func (s *UserSession) LearnSSRC(ssrc uint32) [3]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.SSRC {
		if v == ssrc {
			return s.SSRC
		}
	}
	for i, v := range s.SSRC {
		if v == 0 {
			s.SSRC[i] = ssrc
			break
		}
	}
	return s.SSRC
}

// AddNacks folds n NACKed packets into the running tally, starting a
// fresh window when the previous one has expired, and returns the
// tally for the current window.
func (s *UserSession) AddNacks(n int, now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.nackWindow) > window {
		s.nackCount = 0
		s.nackWindow = now
	}
	s.nackCount += n
	return s.nackCount
}

// ResetNacks clears the tally after a loss report fired.
func (s *UserSession) ResetNacks() {
	s.mu.Lock()
	s.nackCount = 0
	s.mu.Unlock()
}

// SlowLinks reports how many uplink loss reports this session has
// accumulated.
func (s *UserSession) SlowLinks() uint32 {
	return atomic.LoadUint32(&s.slowLinks)
}

// MarkSlowLink bumps the loss-report counter.
func (s *UserSession) MarkSlowLink() {
	atomic.AddUint32(&s.slowLinks, 1)
}

// Peer returns the username this session is paired with, empty when
// idle. Callers resolve it through the registry; the peer may already
// be gone.
func (s *UserSession) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerName
}

func (s *UserSession) SetPeer(username string) {
	s.mu.Lock()
	s.peerName = username
	s.mu.Unlock()
}

// Call returns the shared call object, nil when idle.
func (s *UserSession) Call() *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func (s *UserSession) SetCall(c *Call) {
	s.mu.Lock()
	s.call = c
	s.mu.Unlock()
}

// SwapSinks installs recording sinks under the recording lock and
// returns the previous pair so the caller can close them.
func (s *UserSession) SwapSinks(audio, video RecordingSink, path string) (oldAudio, oldVideo RecordingSink) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	oldAudio, oldVideo = s.AudioSink, s.VideoSink
	s.AudioSink, s.VideoSink = audio, video
	s.RecordPath = path
	return
}

// RecordingPath returns the base path of the active recording, empty
// when not recording. Takes the recording lock; safe against a
// concurrent SwapSinks.
func (s *UserSession) RecordingPath() string {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.RecordPath
}

// WriteRecording appends an RTP packet to the matching sink, if any.
func (s *UserSession) WriteRecording(video bool, buf []byte) {
	s.recMu.Lock()
	sink := s.AudioSink
	if video {
		sink = s.VideoSink
	}
	if sink != nil {
		sink.WriteRTP(buf)
	}
	s.recMu.Unlock()
}

// ResetMedia clears all per-call media state: flags, codecs, simulcast
// layout, bitrate caps, peer link and call reference. Recording sinks
// are swapped out and returned for the caller to close.
func (s *UserSession) ResetMedia() (audio, video RecordingSink) {
	s.mu.Lock()
	s.Media = MediaFlags{}
	s.AudioCodec = ""
	s.VideoCodec = ""
	s.SSRC = [3]uint32{}
	s.RID = [3]string{}
	s.SimCtx.Reset()
	s.SwitchCtx.Reset()
	s.peerName = ""
	s.call = nil
	s.RecordFilename = ""
	s.nackCount = 0
	s.nackWindow = time.Time{}
	s.mu.Unlock()

	atomic.StoreUint64(&s.bitrate, 0)
	atomic.StoreUint64(&s.peerBitrate, 0)
	s.SetMediaReady(false)

	return s.SwapSinks(nil, nil, "")
}
