package services

import (
	"encoding/binary"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"pairline/internal/core/domain"
)

// Relay entry points run on transport goroutines, many concurrently.
// Failures degrade to silent drops: packet loss is a recoverable
// condition in real-time media, and transient races with teardown are
// expected. Only per-session locks and atomics are touched here; all
// linkage mutation stays on the processor worker.

// SetupMedia fires when a handle's media transport comes up. Once both
// sides are up an accepted call moves to started and recording begins
// if it was requested.
func (s *CallService) SetupMedia(handleID string) {
	sess, ok := s.reg.ByHandle(handleID)
	if !ok || sess.Destroyed() {
		return
	}
	sess.SetMediaReady(true)

	call := sess.Call()
	if call == nil {
		return
	}
	peer, ok := s.reg.Lookup(sess.Peer())
	if !ok || !peer.MediaReady() {
		return
	}
	if call.MarkStarted(s.now()) {
		s.metrics.CallStarted(call.IsVideo())
		s.log.Infow("call started", "caller", call.Caller, "callee", call.Callee, "video", call.IsVideo())
		s.emitTelemetry("started", map[string]interface{}{
			"caller": call.Caller,
			"callee": call.Callee,
			"video":  call.IsVideo(),
		})
		if call.TakeRecording() {
			s.startCallRecording(call, sess, peer)
		}
	}
}

// HangupMedia fires when a handle's media transport goes down without
// an explicit hangup. It funnels into the same teardown as hangup and
// is idempotent.
func (s *CallService) HangupMedia(handleID string) {
	sess, ok := s.reg.ByHandle(handleID)
	if !ok {
		return
	}
	sess.SetMediaReady(false)
	if !sess.InCall() {
		return
	}
	// Teardown mutates linkage, so hand it to the worker.
	s.queue.Push(queuedMessage{kind: msgHangupMedia, handleID: handleID})
}

func (s *CallService) processHangupMedia(handleID string) {
	sess, ok := s.reg.ByHandle(handleID)
	if !ok || !sess.InCall() {
		return
	}
	s.notifyPeerHangup(sess, domain.ReasonGone)
	s.teardown(sess, domain.ReasonGone)
}

// processTimeout unwinds a call that ran past its duration limit.
// Unlike a transport-initiated hangup the timed-out side still has a
// live connection, so it gets a stop notification and then its
// transport is closed.
func (s *CallService) processTimeout(handleID string) {
	sess, ok := s.reg.ByHandle(handleID)
	if !ok || !sess.InCall() {
		return
	}
	peerName := sess.Peer()
	call := sess.Call()
	h := sess.ActiveHandle() // teardown unpins it
	s.notifyPeerHangup(sess, domain.ReasonTimeout)
	s.teardown(sess, domain.ReasonTimeout)
	s.pushToSession(sess, s.stopEvent(peerName, domain.ReasonTimeout, call))
	if h != "" {
		s.gateway.CloseConnection(h)
	}
}

// IncomingRTP relays one media packet from handleID toward its peer.
func (s *CallService) IncomingRTP(handleID string, video bool, buf []byte) {
	sess, peer, call := s.resolveRelay(handleID)
	if sess == nil {
		return
	}
	if call.State() != domain.CallStarted {
		s.metrics.PacketDropped("not_started")
		return
	}
	if call.CheckTimeout(s.now()) {
		// Over the duration limit: tear down via the worker, drop the
		// packet that tripped the check.
		s.log.Infow("call over duration limit", "caller", call.Caller, "callee", call.Callee)
		s.queue.Push(queuedMessage{kind: msgTimeout, handleID: handleID})
		s.metrics.PacketDropped("timeout")
		return
	}

	sess.Lock()
	flags := sess.Media
	ssrcs := sess.SSRC
	ridSender := sess.RID[0] != ""
	videoCodec := sess.VideoCodec
	sess.Unlock()

	if !video {
		if !flags.HasAudio || !flags.AudioActive {
			s.metrics.PacketDropped("audio_inactive")
			return
		}
		sess.WriteRecording(false, buf)
		s.relayToActive(peer, false, buf)
		return
	}

	if !flags.HasVideo || !flags.VideoActive {
		s.metrics.PacketDropped("video_inactive")
		return
	}

	if ssrcs[0] == 0 && !ridSender {
		sess.WriteRecording(true, buf)
		s.relayToActive(peer, true, buf)
		return
	}

	var hdr rtp.Header
	n, err := hdr.Unmarshal(buf)
	if err != nil {
		s.metrics.PacketDropped("bad_rtp")
		return
	}
	payload := buf[n:]

	if ridSender && !ssrcKnown(ssrcs, hdr.SSRC) {
		// RID offers announce no SSRCs, so substream slots get bound
		// to SSRCs in order of first appearance on the wire.
		ssrcs = sess.LearnSSRC(hdr.SSRC)
	}

	// Layer selection runs against the receiving side's context: it
	// decides what reaches the peer.
	peer.Lock()
	relay := peer.SimCtx.ProcessRTP(&hdr, payload, ssrcs, videoCodec)
	changedSub, changedTemp := peer.SimCtx.ConsumeChanged()
	needKeyframe := peer.SimCtx.ConsumeKeyframe()
	substream := peer.SimCtx.Substream
	temporal := peer.SimCtx.Temporal
	peer.Unlock()

	if changedSub || changedTemp {
		ev := domain.NewEvent(domain.EventSimulcast).
			With("videocodec", videoCodec).
			With("substream", substream).
			With("temporal", temporal)
		s.pushToSession(peer, ev)
	}
	if needKeyframe {
		s.requestKeyframe(sess)
	}
	if !relay {
		s.metrics.PacketDropped("simulcast_layer")
		return
	}

	// Rewrite the header for output continuity, relay, then restore:
	// the sender's buffer keeps being used for stats upstream and must
	// come back untouched.
	origSeq := binary.BigEndian.Uint16(buf[2:4])
	origTS := binary.BigEndian.Uint32(buf[4:8])
	origSSRC := binary.BigEndian.Uint32(buf[8:12])

	peer.Lock()
	peer.SwitchCtx.Update(&hdr, ssrcs[0])
	peer.Unlock()

	binary.BigEndian.PutUint16(buf[2:4], hdr.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], hdr.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], hdr.SSRC)

	sess.WriteRecording(true, buf)
	s.relayToActive(peer, true, buf)

	binary.BigEndian.PutUint16(buf[2:4], origSeq)
	binary.BigEndian.PutUint32(buf[4:8], origTS)
	binary.BigEndian.PutUint32(buf[8:12], origSSRC)
}

// IncomingRTCP relays feedback from handleID toward its peer. Bitrate
// estimates are not forwarded verbatim: the reported value is stored
// and a fresh report capped at the session's own limit goes out. NACK
// feedback is relayed as-is but tallied for slow-link detection.
func (s *CallService) IncomingRTCP(handleID string, video bool, buf []byte) {
	sess, peer, call := s.resolveRelay(handleID)
	if sess == nil || call.State() != domain.CallStarted {
		return
	}

	if pkts, err := rtcp.Unmarshal(buf); err == nil {
		lost := 0
		for _, pkt := range pkts {
			switch fb := pkt.(type) {
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				if !video {
					continue
				}
				reported := uint64(fb.Bitrate)
				peer.SetPeerBitrate(reported)
				limit := sess.Bitrate()
				if limit == 0 {
					limit = uint64(s.cfg.Call.DefaultMaxBitrate)
				}
				if limit > 0 && reported > limit {
					reported = limit
				}
				s.sendBitrateFeedback(peer, reported)
				return
			case *rtcp.TransportLayerNack:
				for _, pair := range fb.Nacks {
					lost += len(pair.PacketList())
				}
			}
		}
		if lost > 0 {
			// handleID is the receiver complaining about missing
			// packets; the lossy uplink belongs to the peer.
			s.trackSlowLink(peer, sess, video, lost)
		}
	}
	s.relayRTCPToActive(peer, video, buf)
}

// Loss reporting: once a sender accumulates this many NACKed packets
// within one window, its client gets a slow_link event so it can back
// off its encoder.
const (
	slowLinkNackThreshold = 8
	slowLinkWindow        = time.Second
)

// trackSlowLink tallies NACKed packets against the sender of the lossy
// stream and pushes a slow_link event carrying the current bitrate cap
// once the tally crosses the threshold. Media the sender deliberately
// muted never alarms.
func (s *CallService) trackSlowLink(sender, receiver *domain.UserSession, video bool, lost int) {
	sender.Lock()
	flags := sender.Media
	sender.Unlock()
	if video && !flags.VideoActive {
		return
	}
	if !video && !flags.AudioActive {
		return
	}
	if sender.AddNacks(lost, s.now(), slowLinkWindow) < slowLinkNackThreshold {
		return
	}
	sender.ResetNacks()
	sender.MarkSlowLink()

	media := "audio"
	if video {
		media = "video"
	}
	// The cap on this uplink is whatever the receiving side imposed.
	limit := receiver.Bitrate()
	if limit == 0 {
		limit = uint64(s.cfg.Call.DefaultMaxBitrate)
	}
	s.log.Infow("slow link", "username", sender.Username, "media", media, "nacks", lost)
	ev := domain.NewEvent(domain.EventSlowLink).
		With("media", media).
		With("uplink", true).
		With("current_bitrate", limit)
	s.pushToSession(sender, ev)
}

// IncomingData relays a data-channel message toward the peer.
func (s *CallService) IncomingData(handleID string, isBinary bool, buf []byte) {
	sess, peer, call := s.resolveRelay(handleID)
	if sess == nil || call.State() != domain.CallStarted {
		return
	}
	sess.Lock()
	hasData := sess.Media.HasData
	sess.Unlock()
	if !hasData {
		s.metrics.PacketDropped("no_data_channel")
		return
	}
	if h := peer.ActiveHandle(); h != "" {
		if err := s.gateway.RelayData(h, isBinary, buf); err != nil {
			s.metrics.PacketDropped("relay_failed")
		}
	}
}

// ssrcKnown reports whether ssrc already occupies a layer slot.
func ssrcKnown(ssrcs [3]uint32, ssrc uint32) bool {
	for _, v := range ssrcs {
		if v != 0 && v == ssrc {
			return true
		}
	}
	return false
}

// resolveRelay resolves a handle to (session, peer, call) or all-nil
// when anything along the chain is missing or torn down.
func (s *CallService) resolveRelay(handleID string) (*domain.UserSession, *domain.UserSession, *domain.Call) {
	sess, ok := s.reg.ByHandle(handleID)
	if !ok || sess.Destroyed() || !sess.InCall() || !sess.MediaReady() {
		return nil, nil, nil
	}
	call := sess.Call()
	if call == nil {
		return nil, nil, nil
	}
	peer, ok := s.reg.Lookup(sess.Peer())
	if !ok || peer.Destroyed() || !peer.MediaReady() {
		return nil, nil, nil
	}
	return sess, peer, call
}

func (s *CallService) relayToActive(peer *domain.UserSession, video bool, buf []byte) {
	h := peer.ActiveHandle()
	if h == "" {
		s.metrics.PacketDropped("no_active_handle")
		return
	}
	if err := s.gateway.RelayRTP(h, video, buf); err != nil {
		s.metrics.PacketDropped("relay_failed")
		return
	}
	s.metrics.PacketRelayed(video, len(buf))
}

func (s *CallService) relayRTCPToActive(peer *domain.UserSession, video bool, buf []byte) {
	if h := peer.ActiveHandle(); h != "" {
		if err := s.gateway.RelayRTCP(h, video, buf); err != nil {
			s.metrics.PacketDropped("relay_failed")
		}
	}
}

// requestKeyframe asks sess's sender for a full frame via PLI.
func (s *CallService) requestKeyframe(sess *domain.UserSession) {
	h := sess.ActiveHandle()
	if h == "" {
		return
	}
	sess.Lock()
	ssrc := sess.SSRC[0]
	sess.Unlock()
	pli := &rtcp.PictureLossIndication{MediaSSRC: ssrc}
	buf, err := pli.Marshal()
	if err != nil {
		return
	}
	if err := s.gateway.RelayRTCP(h, true, buf); err != nil {
		s.log.Debugw("keyframe request failed", "handle", h, "err", err)
	}
}

// sendBitrateFeedback emits a REMB toward target's sender.
func (s *CallService) sendBitrateFeedback(target *domain.UserSession, bitrate uint64) {
	h := target.ActiveHandle()
	if h == "" {
		return
	}
	remb := &rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(bitrate)}
	buf, err := remb.Marshal()
	if err != nil {
		return
	}
	if err := s.gateway.RelayRTCP(h, true, buf); err != nil {
		s.log.Debugw("bitrate feedback failed", "handle", h, "err", err)
	}
}
