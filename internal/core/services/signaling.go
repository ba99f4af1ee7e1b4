package services

import (
	"context"
	"encoding/json"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/registry"
	errs "pairline/pkg/errors"
	"pairline/pkg/tracing"
	"pairline/pkg/utils"
	"pairline/pkg/validation"
)

// processSignal validates and dispatches one queued signaling message.
// Runs only on the processor worker; handlers are free to take session
// locks and to touch two sessions during pairing.
func (s *CallService) processSignal(msg domain.SignalMessage) {
	if len(msg.Body) == 0 {
		s.pushError(msg, errs.New(errs.CodeNoMessage, "no message"))
		return
	}
	var req domain.SignalRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		s.pushError(msg, errs.Wrap(err, errs.CodeInvalidJSON, "message is not valid JSON"))
		return
	}
	if req.Request == "" {
		s.pushError(msg, errs.NewMissingElement("request"))
		return
	}
	s.metrics.SignalRequest(req.Request)

	ctx, span := tracing.TraceSignalRequest(context.Background(), req.Request, msg.HandleID)
	defer span.End()

	var err error
	switch req.Request {
	case domain.RequestLogin:
		err = s.handleLogin(ctx, msg, &req)
	case domain.RequestList:
		err = s.handleList(msg)
	case domain.RequestCall:
		err = s.handleCall(msg, &req)
	case domain.RequestAccept:
		err = s.handleAccept(msg)
	case domain.RequestReject:
		err = s.handleReject(msg)
	case domain.RequestRinging:
		err = s.handleRinging(msg)
	case domain.RequestSet:
		err = s.handleSet(msg, &req)
	case domain.RequestHangup:
		err = s.handleHangup(msg)
	default:
		err = errs.NewUnknownRequest(req.Request)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		s.pushError(msg, err)
	}
}

// pushError reports a failed request back to its sender only.
func (s *CallService) pushError(msg domain.SignalMessage, err error) {
	se := errs.GetSignalError(err)
	if se == nil {
		se = errs.Wrap(err, errs.CodeUnknownError, "internal error")
	}
	s.metrics.SignalError(int(se.Code))
	s.log.Warnw("request failed", "handle", msg.HandleID, "code", int(se.Code), "cause", se.Cause)

	ev := domain.NewErrorEvent(int(se.Code), se.Cause)
	ev.Transaction = msg.Transaction
	if pushErr := s.gateway.PushEvent(msg.HandleID, ev); pushErr != nil {
		s.log.Warnw("error push failed", "handle", msg.HandleID, "err", pushErr)
	}
}

// push delivers an event to one handle, logging delivery failures.
func (s *CallService) push(handleID string, ev *domain.Event) {
	if err := s.gateway.PushEvent(handleID, ev); err != nil {
		s.log.Warnw("push failed", "handle", handleID, "err", err)
	}
}

func (s *CallService) handleLogin(ctx context.Context, msg domain.SignalMessage, req *domain.SignalRequest) error {
	if req.Username == "" {
		return errs.NewMissingElement("username")
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		return errs.NewInvalidElement(err.Error())
	}
	username := utils.NormalizeUsername(req.Username)

	if existing, ok := s.reg.Username(msg.HandleID); ok && existing != username {
		return errs.NewAlreadyRegistered(existing)
	}
	if s.auth != nil {
		if err := s.auth.Authorize(ctx, username, req.Token); err != nil {
			s.log.Infow("login refused", "username", username, "handle", msg.HandleID, "err", err)
			return errs.NewUsernameTaken(username)
		}
	}

	sess, created, err := s.reg.Register(username, msg.HandleID)
	if err != nil {
		if existing, ok := registry.IsAlreadyRegistered(err); ok {
			return errs.NewAlreadyRegistered(existing)
		}
		return errs.Wrap(err, errs.CodeUnknownError, "login failed")
	}
	if created {
		s.metrics.SessionRegistered()
	}
	s.log.Infow("user logged in", "username", username, "handle", msg.HandleID, "new_session", created, "devices", len(sess.Handles()))

	ev := domain.NewEvent(domain.EventRegistered).With("username", username)
	ev.Transaction = msg.Transaction
	s.push(msg.HandleID, ev)
	s.emitTelemetry("registered", map[string]interface{}{
		"username": username,
		"devices":  len(sess.Handles()),
	})
	return nil
}

func (s *CallService) handleList(msg domain.SignalMessage) error {
	ev := domain.NewEvent(domain.EventList).With("list", s.reg.Peers())
	ev.Transaction = msg.Transaction
	s.push(msg.HandleID, ev)
	return nil
}

func (s *CallService) handleCall(msg domain.SignalMessage, req *domain.SignalRequest) error {
	sess, ok := s.reg.ByHandle(msg.HandleID)
	if !ok {
		return errs.NewRegisterFirst()
	}
	if req.Username == "" {
		return errs.NewMissingElement("username")
	}
	callee := utils.NormalizeUsername(req.Username)
	if callee == sess.Username {
		return errs.New(errs.CodeSelfCall, "you can't call yourself")
	}
	if msg.SDP == nil {
		return errs.NewMissingSDP()
	}
	if msg.SDP.Type != "offer" {
		return errs.NewInvalidSDP("expected an offer, got a " + msg.SDP.Type)
	}

	peer, ok := s.reg.Lookup(callee)
	if !ok {
		return errs.NewNoSuchUsername(callee)
	}

	// Fixed pairing order: claim the caller first, then the callee.
	if !sess.TryEnterCall() {
		return errs.NewAlreadyInCall()
	}
	if !peer.TryEnterCall() {
		// Busy is an event to the caller, not an error; the callee's
		// existing call is untouched.
		sess.LeaveCall()
		s.log.Infow("callee busy", "caller", sess.Username, "callee", callee)
		busy := domain.NewEvent(domain.EventStop).
			With("username", callee).
			With("reason", domain.ReasonUserBusy).
			With("call_state", domain.CallBusy.String())
		busy.Transaction = msg.Transaction
		s.push(msg.HandleID, busy)
		return nil
	}

	offer := parseSDP(msg.SDP.SDP)
	call := domain.NewCall(sess.Username, callee, offer.flags.HasVideo, false, 0)
	call.OnRelease(func() {
		s.log.Debugw("call released", "caller", call.Caller, "callee", call.Callee)
	})
	call.Ref().Increase() // the callee's share

	sess.Lock()
	sess.Media = offer.flags
	sess.Media.AudioActive = true
	sess.Media.VideoActive = true
	sess.SSRC = offer.simulcast.SSRC
	sess.RID = offer.simulcast.RID
	sess.Unlock()
	sess.SetPeer(callee)
	sess.SetCall(call)
	sess.PinHandle(msg.HandleID)

	peer.SetPeer(sess.Username)
	peer.SetCall(call)
	peer.Lock()
	peer.SimCtx.Reset()
	peer.SwitchCtx.Reset()
	peer.Unlock()

	s.log.Infow("call placed", "caller", sess.Username, "callee", callee,
		"video", offer.flags.HasVideo, "simulcast", offer.simulcast.Announced())

	calling := domain.NewEvent(domain.EventCalling).With("username", callee)
	calling.Transaction = msg.Transaction
	s.push(msg.HandleID, calling)

	// Fan the offer out to every device of the callee; whichever
	// accepts becomes the active one.
	incoming := domain.NewEvent(domain.EventIncomingCall).
		With("username", sess.Username).
		WithSDP(&domain.SessionDescription{Type: "offer", SDP: msg.SDP.SDP})
	s.pushToSession(peer, incoming)

	s.armRingTimer(sess.Username, callee, call)
	s.emitTelemetry("calling", map[string]interface{}{
		"caller": sess.Username,
		"callee": callee,
		"video":  offer.flags.HasVideo,
	})
	return nil
}

func (s *CallService) handleAccept(msg domain.SignalMessage) error {
	sess, ok := s.reg.ByHandle(msg.HandleID)
	if !ok {
		return errs.NewRegisterFirst()
	}
	call := sess.Call()
	if call == nil || !sess.InCall() {
		return errs.NewNoCall("no incoming call to accept")
	}
	if call.Callee != sess.Username {
		return errs.NewNoCall("only the callee can accept")
	}
	if msg.SDP == nil {
		return errs.NewMissingSDP()
	}
	if msg.SDP.Type != "answer" {
		return errs.NewInvalidSDP("expected an answer, got a " + msg.SDP.Type)
	}
	if !call.Accept() {
		return errs.NewNoCall("call already " + call.State().String())
	}

	peerName := sess.Peer()
	peer, _ := s.reg.Lookup(peerName)

	// Final codecs come out of the answer and hold for both sides.
	answer := parseSDP(msg.SDP.SDP)
	sess.Lock()
	sess.Media = answer.flags
	sess.Media.AudioActive = true
	sess.Media.VideoActive = true
	sess.AudioCodec = answer.audioCodec
	sess.VideoCodec = answer.videoCodec
	sess.SSRC = answer.simulcast.SSRC
	sess.RID = answer.simulcast.RID
	sess.SimCtx.Reset()
	sess.SwitchCtx.Reset()
	sess.Unlock()
	sess.PinHandle(msg.HandleID)

	if peer != nil {
		peer.Lock()
		peer.AudioCodec = answer.audioCodec
		peer.VideoCodec = answer.videoCodec
		peer.Unlock()
	}

	s.log.Infow("call accepted", "caller", peerName, "callee", sess.Username,
		"audio_codec", answer.audioCodec, "video_codec", answer.videoCodec)

	ack := domain.NewEvent(domain.EventAccepted).With("username", peerName)
	ack.Transaction = msg.Transaction
	s.push(msg.HandleID, ack)

	if peer != nil {
		accepted := domain.NewEvent(domain.EventAccepted).
			With("username", sess.Username).
			WithSDP(&domain.SessionDescription{Type: "answer", SDP: msg.SDP.SDP})
		s.pushToSession(peer, accepted)
	}

	// Other devices of the callee learn the call went elsewhere.
	for _, h := range sess.Handles() {
		if h != msg.HandleID {
			s.push(h, s.stopEvent(peerName, domain.ReasonAnsweredElse, nil))
		}
	}
	s.emitTelemetry("accepted", map[string]interface{}{
		"caller": peerName,
		"callee": sess.Username,
	})
	return nil
}

func (s *CallService) handleReject(msg domain.SignalMessage) error {
	sess, ok := s.reg.ByHandle(msg.HandleID)
	if !ok {
		return errs.NewRegisterFirst()
	}
	call := sess.Call()
	if call == nil || !sess.InCall() {
		return errs.NewNoCall("no incoming call to reject")
	}
	if call.Callee != sess.Username {
		return errs.NewNoCall("only the callee can reject")
	}
	if !call.MarkRejected() {
		return errs.NewNoCall("call already " + call.State().String())
	}
	peerName := sess.Peer()
	s.log.Infow("call rejected", "caller", peerName, "callee", sess.Username)

	s.teardown(sess, domain.ReasonExplicit)
	ack := s.stopEvent(peerName, domain.ReasonExplicit, call)
	ack.Transaction = msg.Transaction
	s.push(msg.HandleID, ack)

	if peer, ok := s.reg.Lookup(peerName); ok {
		s.teardown(peer, domain.ReasonExplicit)
		s.pushToSession(peer, s.stopEvent(sess.Username, domain.ReasonExplicit, call))
	}
	return nil
}

func (s *CallService) handleRinging(msg domain.SignalMessage) error {
	sess, ok := s.reg.ByHandle(msg.HandleID)
	if !ok {
		return errs.NewRegisterFirst()
	}
	call := sess.Call()
	if call == nil || !sess.InCall() {
		return errs.NewNoCall("no incoming call to ring for")
	}
	call.MarkRinging()

	if peer, ok := s.reg.Lookup(sess.Peer()); ok {
		s.pushToSession(peer, domain.NewEvent(domain.EventRinging).With("username", sess.Username))
	}
	ev := domain.NewEvent(domain.EventRinging)
	ev.Transaction = msg.Transaction
	s.push(msg.HandleID, ev)
	return nil
}

func (s *CallService) handleSet(msg domain.SignalMessage, req *domain.SignalRequest) error {
	sess, ok := s.reg.ByHandle(msg.HandleID)
	if !ok {
		return errs.NewRegisterFirst()
	}
	call := sess.Call()

	if req.Audio != nil {
		sess.Lock()
		sess.Media.AudioActive = *req.Audio
		sess.Unlock()
		s.log.Infow("audio toggled", "username", sess.Username, "active", *req.Audio)
	}
	if req.Video != nil {
		sess.Lock()
		wasActive := sess.Media.VideoActive
		sess.Media.VideoActive = *req.Video
		sess.Unlock()
		s.log.Infow("video toggled", "username", sess.Username, "active", *req.Video)
		if *req.Video && !wasActive {
			// Restarted video needs a fresh keyframe to decode from.
			s.requestKeyframe(sess)
		}
	}
	if req.Bitrate != nil {
		sess.SetBitrate(*req.Bitrate)
		s.log.Infow("bitrate cap set", "username", sess.Username, "bitrate", *req.Bitrate)
		if peer, ok := s.reg.Lookup(sess.Peer()); ok {
			s.sendBitrateFeedback(peer, *req.Bitrate)
		}
	}
	if req.Time != nil && call != nil && *req.Time > 0 {
		call.SetDurationOnce(time.Duration(*req.Time) * time.Second)
	}
	if req.Record != nil {
		if err := s.applyRecordToggle(sess, call, *req.Record, req.Filename); err != nil {
			return err
		}
	}
	if req.Substream != nil {
		if err := validation.ValidateSubstream(*req.Substream); err != nil {
			return errs.NewInvalidElement(err.Error())
		}
		sess.Lock()
		noop := sess.SimCtx.SetSubstreamTarget(*req.Substream)
		sess.Unlock()
		if noop {
			s.push(msg.HandleID, domain.NewEvent(domain.EventSimulcast).
				With("substream", *req.Substream))
		} else if peer, ok := s.reg.Lookup(sess.Peer()); ok {
			s.requestKeyframe(peer)
		}
		s.metrics.SimulcastSwitch(false)
	}
	if req.Temporal != nil {
		if err := validation.ValidateTemporal(*req.Temporal); err != nil {
			return errs.NewInvalidElement(err.Error())
		}
		sess.Lock()
		noop := sess.SimCtx.SetTemporalTarget(*req.Temporal)
		sess.Unlock()
		if noop {
			s.push(msg.HandleID, domain.NewEvent(domain.EventSimulcast).
				With("temporal", *req.Temporal))
		} else if peer, ok := s.reg.Lookup(sess.Peer()); ok {
			s.requestKeyframe(peer)
		}
		s.metrics.SimulcastSwitch(true)
	}
	if req.Restart != nil && *req.Restart {
		// Renegotiation is driven by the client; nudge the peer.
		if peer, ok := s.reg.Lookup(sess.Peer()); ok {
			s.pushToSession(peer, domain.NewEvent(domain.EventUpdate))
		}
	}

	ev := domain.NewEvent(domain.EventSet)
	ev.Transaction = msg.Transaction
	s.push(msg.HandleID, ev)
	return nil
}

func (s *CallService) handleHangup(msg domain.SignalMessage) error {
	sess, ok := s.reg.ByHandle(msg.HandleID)
	if !ok {
		return errs.NewRegisterFirst()
	}
	call := sess.Call()
	if call == nil || !sess.InCall() {
		return errs.NewNoCall("no call to hangup")
	}
	peerName := sess.Peer()
	s.log.Infow("hangup", "username", sess.Username, "peer", peerName, "state", call.State().String())

	recordPath := sess.RecordingPath()
	s.teardown(sess, domain.ReasonExplicit)

	ack := s.stopEvent(peerName, domain.ReasonExplicit, call)
	if recordPath != "" {
		ack.With("record_path", recordPath)
	}
	ack.Transaction = msg.Transaction
	s.push(msg.HandleID, ack)

	if peer, ok := s.reg.Lookup(peerName); ok {
		h := peer.ActiveHandle() // teardown unpins it
		s.teardown(peer, domain.ReasonExplicit)
		s.pushToSession(peer, s.stopEvent(sess.Username, domain.ReasonExplicit, call))
		if h != "" {
			s.gateway.CloseConnection(h)
		}
	}
	s.gateway.CloseConnection(msg.HandleID)
	return nil
}

// stopEvent builds the teardown notification. call may be nil.
func (s *CallService) stopEvent(peerUsername, reason string, call *domain.Call) *domain.Event {
	ev := domain.NewEvent(domain.EventStop).
		With("username", peerUsername).
		With("reason", reason)
	if call != nil {
		ev.With("call_state", call.State().String())
		if t := call.StartTime(); !t.IsZero() {
			ev.With("start_time", t.Unix())
		}
		if t := call.StopTime(); !t.IsZero() {
			ev.With("stop_time", t.Unix())
		}
	}
	return ev
}

// teardown is the single routine that unwinds one side of a call. It
// is balanced: every path through pairing is undone here exactly once,
// whatever order the two sides arrive in. Safe to invoke on an idle
// session.
func (s *CallService) teardown(sess *domain.UserSession, reason string) {
	if !sess.BeginHangup() {
		return
	}
	defer sess.FinishHangup()

	call := sess.Call()

	audio, video := sess.ResetMedia()
	var paths []string
	if audio != nil {
		if err := audio.Close(); err != nil {
			s.log.Warnw("closing audio recording failed", "username", sess.Username, "err", err)
		}
		paths = append(paths, audio.Path())
	}
	if video != nil {
		if err := video.Close(); err != nil {
			s.log.Warnw("closing video recording failed", "username", sess.Username, "err", err)
		}
		paths = append(paths, video.Path())
	}

	if !sess.InCall() {
		// Idle session, nothing to unwind.
		return
	}
	sess.LeaveCall()
	sess.PinHandle("")

	if call == nil {
		return
	}
	finalState, finished := call.End(s.now())
	if finished {
		duration := call.StopTime().Sub(call.StartTime())
		s.metrics.CallEnded(finalState.String(), duration)
		s.log.Infow("call finished", "caller", call.Caller, "callee", call.Callee,
			"state", finalState.String(), "duration", duration, "reason", reason)
		s.emitTelemetry("hangup", map[string]interface{}{
			"caller":   call.Caller,
			"callee":   call.Callee,
			"state":    finalState.String(),
			"duration": duration.Seconds(),
			"reason":   reason,
		})
	}
	// Only the side that finalizes the call enqueues a job; the script
	// derives the other leg's files from the naming convention, and
	// the postprocessor's backoff covers files still being flushed.
	if finished && len(paths) > 0 && s.post != nil {
		s.post.Enqueue(domain.PostProcessJob{
			Caller:    call.Caller,
			Callee:    call.Callee,
			StartUnix: call.StartTime().Unix(),
			Video:     call.IsVideo(),
			Paths:     paths,
		})
	}
	call.Ref().Decrease()
}
