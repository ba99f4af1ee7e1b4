package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/internal/core/registry"
	"pairline/pkg/config"
)

// queued message kinds for the processor loop.
const (
	msgSignal = iota
	msgRingCheck
	msgDetach
	msgHangupMedia
	msgTimeout
)

type queuedMessage struct {
	kind int

	// msgSignal
	msg domain.SignalMessage

	// msgRingCheck: the call the timer was armed for; caller/callee
	// are usernames at arm time.
	call   *domain.Call
	caller string
	callee string

	// msgDetach
	handleID string
}

// CallService is the signaling processor and relay core. Signaling
// messages are handled on a single worker goroutine fed by an
// unbounded queue, so per-handle ordering is the order of arrival and
// handlers can take session locks without worrying about the transport
// reader. The relay path (IncomingRTP and friends) runs on the
// transport's goroutines and touches only lock-free session state plus
// the per-session media locks.
type CallService struct {
	log     *zap.SugaredLogger
	cfg     *config.Config
	reg     *registry.Registry
	gateway ports.Gateway
	auth    ports.Authorizer
	rec     ports.Recorder
	post    ports.PostProcessor
	sink    ports.EventSink
	metrics Metrics

	queue *fifo[queuedMessage]
	done  chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

func NewCallService(
	log *zap.SugaredLogger,
	cfg *config.Config,
	reg *registry.Registry,
	gateway ports.Gateway,
	auth ports.Authorizer,
	rec ports.Recorder,
	post ports.PostProcessor,
	metrics Metrics,
) *CallService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &CallService{
		log:     log,
		cfg:     cfg,
		reg:     reg,
		gateway: gateway,
		auth:    auth,
		rec:     rec,
		post:    post,
		metrics: metrics,
		queue:   newFifo[queuedMessage](),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Registry exposes the session registry for introspection handlers.
func (s *CallService) Registry() *registry.Registry {
	return s.reg
}

// SetGateway installs the transport after construction; transport and
// service reference each other, so one of them has to come second.
// Must be called before Start.
func (s *CallService) SetGateway(gw ports.Gateway) {
	s.gateway = gw
}

// SetEventSink installs an optional telemetry sink. Must be called
// before Start.
func (s *CallService) SetEventSink(sink ports.EventSink) {
	s.sink = sink
}

// emitTelemetry forwards a lifecycle event to the sink, if any.
func (s *CallService) emitTelemetry(event string, fields map[string]interface{}) {
	if s.sink != nil {
		s.sink.Emit(event, fields)
	}
}

// Start launches the signaling worker.
func (s *CallService) Start() {
	go s.processLoop()
}

// Stop closes the queue and waits for the worker to drain.
func (s *CallService) Stop(ctx context.Context) error {
	s.queue.Close()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage enqueues a signaling message from a transport. Never
// blocks.
func (s *CallService) HandleMessage(msg domain.SignalMessage) {
	s.queue.Push(queuedMessage{kind: msgSignal, msg: msg})
}

// HandleDetach enqueues teardown for a disappeared handle.
func (s *CallService) HandleDetach(handleID string) {
	s.queue.Push(queuedMessage{kind: msgDetach, handleID: handleID})
}

func (s *CallService) processLoop() {
	defer close(s.done)
	for {
		qm, ok := s.queue.Pop()
		if !ok {
			return
		}
		switch qm.kind {
		case msgSignal:
			s.processSignal(qm.msg)
		case msgRingCheck:
			s.processRingCheck(qm.caller, qm.callee, qm.call)
		case msgDetach:
			s.processDetach(qm.handleID)
		case msgHangupMedia:
			s.processHangupMedia(qm.handleID)
		case msgTimeout:
			s.processTimeout(qm.handleID)
		}
	}
}

// armRingTimer schedules a ring-timeout check on the processor queue
// so the check runs on the worker, never concurrently with handlers.
func (s *CallService) armRingTimer(caller, callee string, call *domain.Call) {
	timeout := s.cfg.Call.RingTimeout
	if timeout <= 0 {
		return
	}
	time.AfterFunc(timeout, func() {
		s.queue.Push(queuedMessage{kind: msgRingCheck, call: call, caller: caller, callee: callee})
	})
}

// processRingCheck fires after the ring timeout. If the callee never
// answered the call becomes missed and both sides are torn down.
func (s *CallService) processRingCheck(caller, callee string, call *domain.Call) {
	if !call.RingExpired(s.now(), s.cfg.Call.RingTimeout) {
		return
	}
	s.log.Infow("call timed out while ringing", "caller", caller, "callee", callee)

	if callerSess, ok := s.reg.Lookup(caller); ok && callerSess.Call() == call {
		// Teardown unpins the handle, so grab it first; the
		// unanswered caller's transport is closed outright.
		h := callerSess.ActiveHandle()
		s.pushToSession(callerSess, s.stopEvent(callee, domain.ReasonMissed, call))
		s.teardown(callerSess, domain.ReasonMissed)
		if h != "" {
			s.gateway.CloseConnection(h)
		}
	}
	if calleeSess, ok := s.reg.Lookup(callee); ok && calleeSess.Call() == call {
		s.pushToSession(calleeSess, s.stopEvent(caller, domain.ReasonMissed, call))
		s.teardown(calleeSess, domain.ReasonMissed)
	}
}

// processDetach runs when a transport connection goes away.
func (s *CallService) processDetach(handleID string) {
	sess, lastGone, wasActive := s.reg.Detach(handleID)
	if sess == nil {
		return
	}
	s.log.Infow("handle detached", "handle", handleID, "username", sess.Username, "last", lastGone)

	if lastGone {
		sess.MarkDestroyed()
		s.metrics.SessionRemoved()
	}
	// A surviving secondary device keeps the registration alive; only
	// the in-call device (or the last device) ends the call.
	if wasActive || lastGone {
		if sess.InCall() {
			s.notifyPeerHangup(sess, domain.ReasonGone)
			s.teardown(sess, domain.ReasonGone)
		}
	}
}

// pushToSession fans an event out to every handle of a session, or
// only the active one when a call has pinned a device.
func (s *CallService) pushToSession(sess *domain.UserSession, ev *domain.Event) {
	if active := sess.ActiveHandle(); active != "" {
		if err := s.gateway.PushEvent(active, ev); err != nil {
			s.log.Warnw("push failed", "handle", active, "err", err)
		}
		return
	}
	for _, h := range sess.Handles() {
		if err := s.gateway.PushEvent(h, ev); err != nil {
			s.log.Warnw("push failed", "handle", h, "err", err)
		}
	}
}

// notifyPeerHangup tells the peer of sess that the call is over.
func (s *CallService) notifyPeerHangup(sess *domain.UserSession, reason string) {
	peerName := sess.Peer()
	if peerName == "" {
		return
	}
	peer, ok := s.reg.Lookup(peerName)
	if !ok {
		return
	}
	call := peer.Call()
	s.teardown(peer, reason)
	s.pushToSession(peer, s.stopEvent(sess.Username, reason, call))
}
