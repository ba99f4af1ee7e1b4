package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pairline/internal/core/domain"
	"pairline/internal/core/registry"
	"pairline/pkg/config"
)

// fakeGateway records everything the service pushes toward clients.
type fakeGateway struct {
	mu     sync.Mutex
	events map[string][]*domain.Event
	rtp    map[string][]relayedPacket
	rtcp   map[string][]relayedPacket
	data   map[string][][]byte
	closed []string
}

type relayedPacket struct {
	video bool
	buf   []byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events: make(map[string][]*domain.Event),
		rtp:    make(map[string][]relayedPacket),
		rtcp:   make(map[string][]relayedPacket),
		data:   make(map[string][][]byte),
	}
}

func (g *fakeGateway) PushEvent(handleID string, ev *domain.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[handleID] = append(g.events[handleID], ev)
	return nil
}

func (g *fakeGateway) RelayRTP(handleID string, video bool, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rtp[handleID] = append(g.rtp[handleID], relayedPacket{video: video, buf: cp})
	return nil
}

func (g *fakeGateway) RelayRTCP(handleID string, video bool, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rtcp[handleID] = append(g.rtcp[handleID], relayedPacket{video: video, buf: cp})
	return nil
}

func (g *fakeGateway) RelayData(handleID string, _ bool, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data[handleID] = append(g.data[handleID], cp)
	return nil
}

func (g *fakeGateway) CloseConnection(handleID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = append(g.closed, handleID)
}

func (g *fakeGateway) eventsFor(handleID string) []*domain.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*domain.Event, len(g.events[handleID]))
	copy(out, g.events[handleID])
	return out
}

func (g *fakeGateway) lastEvent(handleID string) *domain.Event {
	evs := g.eventsFor(handleID)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

func (g *fakeGateway) findEvent(handleID, name string) *domain.Event {
	for _, ev := range g.eventsFor(handleID) {
		if ev.Result != nil && ev.Result["event"] == name {
			return ev
		}
	}
	return nil
}

func (g *fakeGateway) closedHandles() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.closed))
	copy(out, g.closed)
	return out
}

// fakeSink is an in-memory recording sink.
type fakeSink struct {
	mu     sync.Mutex
	path   string
	frames int
	closed bool
}

func (s *fakeSink) WriteRTP([]byte) error {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Path() string { return s.path }

// fakeRecorder hands out fakeSinks and remembers them.
type fakeRecorder struct {
	mu    sync.Mutex
	sinks []*fakeSink
}

func (r *fakeRecorder) Open(username string, kind domain.RecordingKind, startUnix int64, filename string) (domain.RecordingSink, error) {
	base := filename
	if base == "" {
		base = fmt.Sprintf("%s-%d", username, startUnix)
	}
	sink := &fakeSink{path: fmt.Sprintf("/rec/%s_%s", base, kind.String())}
	r.mu.Lock()
	r.sinks = append(r.sinks, sink)
	r.mu.Unlock()
	return sink, nil
}

// fakePost collects enqueued postprocess jobs.
type fakePost struct {
	mu   sync.Mutex
	jobs []domain.PostProcessJob
}

func (p *fakePost) Enqueue(job domain.PostProcessJob) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()
}

func (p *fakePost) Close() {}

func (p *fakePost) jobCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

type testRig struct {
	svc  *CallService
	gw   *fakeGateway
	rec  *fakeRecorder
	post *fakePost
	cfg  *config.Config
}

func newTestRig(t *testing.T) *testRig {
	gw := newFakeGateway()
	rec := &fakeRecorder{}
	post := &fakePost{}
	cfg := config.DefaultConfig()
	svc := NewCallService(zaptest.NewLogger(t).Sugar(), cfg, registry.New(), gw, nil, rec, post, nil)
	return &testRig{svc: svc, gw: gw, rec: rec, post: post, cfg: cfg}
}

// send runs one signaling request synchronously on the processor path.
func (r *testRig) send(handleID, tx string, body map[string]interface{}, sdp *domain.SessionDescription) {
	raw, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	r.svc.processSignal(domain.SignalMessage{HandleID: handleID, Transaction: tx, Body: raw, SDP: sdp})
}

func (r *testRig) login(handleID, username string) {
	r.send(handleID, "tx-login-"+username, map[string]interface{}{
		"request": "login", "username": username,
	}, nil)
}

const audioVideoOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 0.0.0.0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

const simulcastOffer = audioVideoOffer +
	"a=ssrc-group:SIM 100 200 300\r\n"

func offer(sdp string) *domain.SessionDescription {
	return &domain.SessionDescription{Type: "offer", SDP: sdp}
}

func answer(sdp string) *domain.SessionDescription {
	return &domain.SessionDescription{Type: "answer", SDP: sdp}
}

// placeCall logs both users in and takes them to the accepted state.
func (r *testRig) placeCall(t *testing.T, callerHandle, caller, calleeHandle, callee, sdp string) {
	r.login(callerHandle, caller)
	r.login(calleeHandle, callee)
	r.send(callerHandle, "tx-call", map[string]interface{}{
		"request": "call", "username": callee,
	}, offer(sdp))
	require.NotNil(t, r.gw.findEvent(calleeHandle, domain.EventIncomingCall))
	r.send(calleeHandle, "tx-accept", map[string]interface{}{
		"request": "accept",
	}, answer(sdp))
}

// startMedia brings both transports up, moving the call to started.
func (r *testRig) startMedia(callerHandle, calleeHandle string) {
	r.svc.SetupMedia(callerHandle)
	r.svc.SetupMedia(calleeHandle)
}

func eventName(ev *domain.Event) string {
	if ev == nil || ev.Result == nil {
		return ""
	}
	name, _ := ev.Result["event"].(string)
	return name
}

func TestLoginAndList(t *testing.T) {
	rig := newTestRig(t)

	rig.login("h1", "alice")
	ev := rig.gw.lastEvent("h1")
	require.NotNil(t, ev)
	assert.Equal(t, domain.EventRegistered, eventName(ev))
	assert.Equal(t, "alice", ev.Result["username"])
	assert.Equal(t, "tx-login-alice", ev.Transaction)

	rig.login("h2", "bob")
	rig.send("h1", "tx-list", map[string]interface{}{"request": "list"}, nil)
	list := rig.gw.lastEvent("h1")
	assert.Equal(t, domain.EventList, eventName(list))
	assert.Equal(t, []string{"alice", "bob"}, list.Result["list"])
}

func TestLoginValidation(t *testing.T) {
	rig := newTestRig(t)

	// Missing username.
	rig.send("h1", "t1", map[string]interface{}{"request": "login"}, nil)
	ev := rig.gw.lastEvent("h1")
	require.NotNil(t, ev.Error)
	assert.Equal(t, 475, ev.Error.Code)

	// Invalid characters.
	rig.send("h1", "t2", map[string]interface{}{"request": "login", "username": "bad user"}, nil)
	assert.Equal(t, 474, rig.gw.lastEvent("h1").Error.Code)

	// A handle cannot switch identity.
	rig.login("h1", "alice")
	rig.send("h1", "t3", map[string]interface{}{"request": "login", "username": "bob"}, nil)
	assert.Equal(t, 477, rig.gw.lastEvent("h1").Error.Code)

	// Re-login under the same name is idempotent.
	rig.login("h1", "alice")
	assert.Equal(t, domain.EventRegistered, eventName(rig.gw.lastEvent("h1")))
}

type denyAuthorizer struct{}

func (denyAuthorizer) Authorize(context.Context, string, string) error {
	return fmt.Errorf("user not in allow-list")
}

func TestLoginRejectedByAuthorizer(t *testing.T) {
	rig := newTestRig(t)
	rig.svc.auth = denyAuthorizer{}

	rig.send("h1", "t1", map[string]interface{}{"request": "login", "username": "mallory"}, nil)
	ev := rig.gw.lastEvent("h1")
	require.NotNil(t, ev.Error)
	assert.Equal(t, 476, ev.Error.Code)
	assert.Contains(t, ev.Error.Reason, "taken or not authorized")
}

func TestHangupReleasesCallReferences(t *testing.T) {
	rig := newTestRig(t)
	rig.placeCall(t, "hA", "alice", "hB", "bob", audioVideoOffer)
	rig.startMedia("hA", "hB")

	alice, _ := rig.svc.reg.Lookup("alice")
	call := alice.Call()
	require.Equal(t, int32(2), call.Ref().Refs())

	rig.send("hA", "tx-bye", map[string]interface{}{"request": "hangup"}, nil)
	assert.Equal(t, int32(0), call.Ref().Refs())
}

func TestLoginNormalizesUsername(t *testing.T) {
	rig := newTestRig(t)
	rig.send("h1", "t1", map[string]interface{}{"request": "login", "username": "  Alice "}, nil)
	ev := rig.gw.lastEvent("h1")
	require.Nil(t, ev.Error)
	assert.Equal(t, "alice", ev.Result["username"])
}

func TestMalformedMessages(t *testing.T) {
	rig := newTestRig(t)

	rig.svc.processSignal(domain.SignalMessage{HandleID: "h1", Body: nil})
	assert.Equal(t, 470, rig.gw.lastEvent("h1").Error.Code)

	rig.svc.processSignal(domain.SignalMessage{HandleID: "h1", Body: []byte("{nope")})
	assert.Equal(t, 471, rig.gw.lastEvent("h1").Error.Code)

	rig.send("h1", "t", map[string]interface{}{"no_request": true}, nil)
	assert.Equal(t, 475, rig.gw.lastEvent("h1").Error.Code)

	rig.send("h1", "t", map[string]interface{}{"request": "teleport"}, nil)
	assert.Equal(t, 472, rig.gw.lastEvent("h1").Error.Code)
}

func TestCallValidation(t *testing.T) {
	rig := newTestRig(t)

	// Must be logged in first.
	rig.send("h1", "t", map[string]interface{}{"request": "call", "username": "bob"}, offer(audioVideoOffer))
	assert.Equal(t, 473, rig.gw.lastEvent("h1").Error.Code)

	rig.login("h1", "alice")

	rig.send("h1", "t", map[string]interface{}{"request": "call"}, offer(audioVideoOffer))
	assert.Equal(t, 475, rig.gw.lastEvent("h1").Error.Code)

	rig.send("h1", "t", map[string]interface{}{"request": "call", "username": "alice"}, offer(audioVideoOffer))
	assert.Equal(t, 479, rig.gw.lastEvent("h1").Error.Code)

	rig.send("h1", "t", map[string]interface{}{"request": "call", "username": "bob"}, nil)
	assert.Equal(t, 482, rig.gw.lastEvent("h1").Error.Code)

	rig.send("h1", "t", map[string]interface{}{"request": "call", "username": "bob"}, answer(audioVideoOffer))
	assert.Equal(t, 483, rig.gw.lastEvent("h1").Error.Code)

	rig.send("h1", "t", map[string]interface{}{"request": "call", "username": "bob"}, offer(audioVideoOffer))
	assert.Equal(t, 478, rig.gw.lastEvent("h1").Error.Code)
}

func TestCallFlow(t *testing.T) {
	rig := newTestRig(t)
	rig.login("hA", "alice")
	rig.login("hB", "bob")

	rig.send("hA", "tx-call", map[string]interface{}{
		"request": "call", "username": "bob",
	}, offer(audioVideoOffer))

	calling := rig.gw.lastEvent("hA")
	assert.Equal(t, domain.EventCalling, eventName(calling))
	assert.Equal(t, "bob", calling.Result["username"])

	incoming := rig.gw.findEvent("hB", domain.EventIncomingCall)
	require.NotNil(t, incoming)
	assert.Equal(t, "alice", incoming.Result["username"])
	require.NotNil(t, incoming.SDP)
	assert.Equal(t, "offer", incoming.SDP.Type)

	// Callee signals ringing; caller hears it.
	rig.send("hB", "tx-ring", map[string]interface{}{"request": "ringing"}, nil)
	assert.NotNil(t, rig.gw.findEvent("hA", domain.EventRinging))

	rig.send("hB", "tx-accept", map[string]interface{}{"request": "accept"}, answer(audioVideoOffer))
	accepted := rig.gw.findEvent("hA", domain.EventAccepted)
	require.NotNil(t, accepted)
	require.NotNil(t, accepted.SDP)
	assert.Equal(t, "answer", accepted.SDP.Type)

	alice, _ := rig.svc.reg.Lookup("alice")
	bob, _ := rig.svc.reg.Lookup("bob")
	call := alice.Call()
	require.NotNil(t, call)
	assert.Same(t, call, bob.Call())
	assert.Equal(t, domain.CallAccepted, call.State())
	assert.Equal(t, "opus", bob.AudioCodec)
	assert.Equal(t, "vp8", bob.VideoCodec)

	// Media up on both sides starts the clock.
	rig.startMedia("hA", "hB")
	assert.Equal(t, domain.CallStarted, call.State())
	assert.False(t, call.StartTime().IsZero())
}

func TestCalleeBusy(t *testing.T) {
	rig := newTestRig(t)
	rig.placeCall(t, "hA", "alice", "hB", "bob", audioVideoOffer)

	// Carol calls the busy bob: not an error, a busy stop event.
	rig.login("hC", "carol")
	rig.send("hC", "tx-busy", map[string]interface{}{
		"request": "call", "username": "bob",
	}, offer(audioVideoOffer))

	ev := rig.gw.lastEvent("hC")
	require.Nil(t, ev.Error)
	assert.Equal(t, domain.EventStop, eventName(ev))
	assert.Equal(t, domain.ReasonUserBusy, ev.Result["reason"])
	assert.Equal(t, "busy", ev.Result["call_state"])

	// Bob's call is untouched and carol is free to call someone else.
	bob, _ := rig.svc.reg.Lookup("bob")
	assert.True(t, bob.InCall())
	rig.login("hD", "dave")
	rig.send("hC", "tx-call2", map[string]interface{}{
		"request": "call", "username": "dave",
	}, offer(audioVideoOffer))
	assert.Equal(t, domain.EventCalling, eventName(rig.gw.lastEvent("hC")))
}

func TestAcceptOnlyByCallee(t *testing.T) {
	rig := newTestRig(t)
	rig.login("hA", "alice")
	rig.login("hB", "bob")
	rig.send("hA", "tx-call", map[string]interface{}{
		"request": "call", "username": "bob",
	}, offer(audioVideoOffer))

	// The caller cannot accept its own call.
	rig.send("hA", "tx-bad", map[string]interface{}{"request": "accept"}, answer(audioVideoOffer))
	assert.Equal(t, 481, rig.gw.lastEvent("hA").Error.Code)

	// The callee must attach an answer.
	rig.send("hB", "tx-bad2", map[string]interface{}{"request": "accept"}, nil)
	assert.Equal(t, 482, rig.gw.lastEvent("hB").Error.Code)
}

func TestReject(t *testing.T) {
	rig := newTestRig(t)
	rig.login("hA", "alice")
	rig.login("hB", "bob")
	rig.send("hA", "tx-call", map[string]interface{}{
		"request": "call", "username": "bob",
	}, offer(audioVideoOffer))

	rig.send("hB", "tx-reject", map[string]interface{}{"request": "reject"}, nil)

	ack := rig.gw.lastEvent("hB")
	assert.Equal(t, domain.EventStop, eventName(ack))
	assert.Equal(t, "rejected", ack.Result["call_state"])

	stop := rig.gw.findEvent("hA", domain.EventStop)
	require.NotNil(t, stop)
	assert.Equal(t, "bob", stop.Result["username"])

	// Both sides are free again.
	alice, _ := rig.svc.reg.Lookup("alice")
	bob, _ := rig.svc.reg.Lookup("bob")
	assert.False(t, alice.InCall())
	assert.False(t, bob.InCall())
	assert.Nil(t, alice.Call())
}

func TestRejectOnlyByCallee(t *testing.T) {
	rig := newTestRig(t)
	rig.login("hA", "alice")
	rig.login("hB", "bob")
	rig.send("hA", "tx-call", map[string]interface{}{
		"request": "call", "username": "bob",
	}, offer(audioVideoOffer))

	rig.send("hA", "tx-bad", map[string]interface{}{"request": "reject"}, nil)
	assert.Equal(t, 481, rig.gw.lastEvent("hA").Error.Code)
}

func TestHangup(t *testing.T) {
	rig := newTestRig(t)
	rig.placeCall(t, "hA", "alice", "hB", "bob", audioVideoOffer)
	rig.startMedia("hA", "hB")

	rig.send("hA", "tx-hang", map[string]interface{}{"request": "hangup"}, nil)

	ack := rig.gw.lastEvent("hA")
	assert.Equal(t, domain.EventStop, eventName(ack))
	assert.Equal(t, domain.ReasonExplicit, ack.Result["reason"])
	assert.Equal(t, "ended", ack.Result["call_state"])
	assert.NotNil(t, ack.Result["start_time"])
	assert.NotNil(t, ack.Result["stop_time"])

	stop := rig.gw.findEvent("hB", domain.EventStop)
	require.NotNil(t, stop)
	assert.Equal(t, "alice", stop.Result["username"])

	assert.ElementsMatch(t, []string{"hA", "hB"}, rig.gw.closedHandles())

	alice, _ := rig.svc.reg.Lookup("alice")
	bob, _ := rig.svc.reg.Lookup("bob")
	assert.False(t, alice.InCall())
	assert.False(t, bob.InCall())
}

func TestHangupWithoutCall(t *testing.T) {
	rig := newTestRig(t)
	rig.login("h1", "alice")
	rig.send("h1", "t", map[string]interface{}{"request": "hangup"}, nil)
	assert.Equal(t, 481, rig.gw.lastEvent("h1").Error.Code)
}

func TestRingTimeoutMissesCall(t *testing.T) {
	rig := newTestRig(t)
	rig.login("hA", "alice")
	rig.login("hB", "bob")
	rig.send("hA", "tx-call", map[string]interface{}{
		"request": "call", "username": "bob",
	}, offer(audioVideoOffer))

	alice, _ := rig.svc.reg.Lookup("alice")
	call := alice.Call()
	require.NotNil(t, call)
	call.SetRingStartTime(time.Now().Add(-2 * rig.cfg.Call.RingTimeout))

	rig.svc.processRingCheck("alice", "bob", call)

	assert.Equal(t, domain.CallMissed, call.State())
	stopA := rig.gw.findEvent("hA", domain.EventStop)
	require.NotNil(t, stopA)
	assert.Equal(t, domain.ReasonMissed, stopA.Result["reason"])
	assert.NotNil(t, rig.gw.findEvent("hB", domain.EventStop))

	// The unanswered caller's connection is closed.
	assert.Contains(t, rig.gw.closedHandles(), "hA")
	assert.False(t, alice.InCall())
}

func TestRingCheckIgnoresAnsweredCall(t *testing.T) {
	rig := newTestRig(t)
	rig.placeCall(t, "hA", "alice", "hB", "bob", audioVideoOffer)

	alice, _ := rig.svc.reg.Lookup("alice")
	call := alice.Call()
	call.SetRingStartTime(time.Now().Add(-time.Hour))

	rig.svc.processRingCheck("alice", "bob", call)

	assert.Equal(t, domain.CallAccepted, call.State())
	assert.True(t, alice.InCall())
}

func TestMultiDeviceAnsweredElsewhere(t *testing.T) {
	rig := newTestRig(t)
	rig.login("hA", "alice")
	rig.login("hB1", "bob")
	rig.login("hB2", "bob")

	rig.send("hA", "tx-call", map[string]interface{}{
		"request": "call", "username": "bob",
	}, offer(audioVideoOffer))

	// Both of bob's devices ring.
	require.NotNil(t, rig.gw.findEvent("hB1", domain.EventIncomingCall))
	require.NotNil(t, rig.gw.findEvent("hB2", domain.EventIncomingCall))

	rig.send("hB2", "tx-accept", map[string]interface{}{"request": "accept"}, answer(audioVideoOffer))

	bob, _ := rig.svc.reg.Lookup("bob")
	assert.Equal(t, "hB2", bob.ActiveHandle())

	// The device that lost the race hears the call went elsewhere.
	stop := rig.gw.findEvent("hB1", domain.EventStop)
	require.NotNil(t, stop)
	assert.Equal(t, domain.ReasonAnsweredElse, stop.Result["reason"])
}

func TestDetachEndsCall(t *testing.T) {
	rig := newTestRig(t)
	rig.placeCall(t, "hA", "alice", "hB", "bob", audioVideoOffer)
	rig.startMedia("hA", "hB")

	rig.svc.processDetach("hA")

	// Alice is fully gone; bob got a stop and is free.
	_, ok := rig.svc.reg.Lookup("alice")
	assert.False(t, ok)
	stop := rig.gw.findEvent("hB", domain.EventStop)
	require.NotNil(t, stop)
	assert.Equal(t, domain.ReasonGone, stop.Result["reason"])
	bob, _ := rig.svc.reg.Lookup("bob")
	assert.False(t, bob.InCall())
}

func TestDetachSecondaryDeviceKeepsCall(t *testing.T) {
	rig := newTestRig(t)
	rig.login("hA", "alice")
	rig.login("hB1", "bob")
	rig.login("hB2", "bob")
	rig.send("hA", "tx-call", map[string]interface{}{
		"request": "call", "username": "bob",
	}, offer(audioVideoOffer))
	rig.send("hB2", "tx-accept", map[string]interface{}{"request": "accept"}, answer(audioVideoOffer))

	rig.svc.processDetach("hB1")

	bob, ok := rig.svc.reg.Lookup("bob")
	require.True(t, ok)
	assert.True(t, bob.InCall())
	assert.Equal(t, "hB2", bob.ActiveHandle())
}

func TestSetTogglesAndSimulcast(t *testing.T) {
	rig := newTestRig(t)
	rig.placeCall(t, "hA", "alice", "hB", "bob", simulcastOffer)
	rig.startMedia("hA", "hB")

	// Mute audio.
	rig.send("hA", "tx-set", map[string]interface{}{"request": "set", "audio": false}, nil)
	assert.Equal(t, domain.EventSet, eventName(rig.gw.lastEvent("hA")))
	alice, _ := rig.svc.reg.Lookup("alice")
	alice.Lock()
	assert.False(t, alice.Media.AudioActive)
	alice.Unlock()

	// Substream out of range is rejected.
	rig.send("hA", "tx-bad", map[string]interface{}{"request": "set", "substream": 5}, nil)
	assert.Equal(t, 474, rig.gw.lastEvent("hA").Error.Code)

	// Valid substream request updates the target.
	rig.send("hA", "tx-sub", map[string]interface{}{"request": "set", "substream": 1}, nil)
	alice.Lock()
	assert.Equal(t, 1, alice.SimCtx.SubstreamTarget)
	alice.Unlock()

	// Bitrate cap is stored and echoed to the peer as REMB.
	rig.send("hA", "tx-rate", map[string]interface{}{"request": "set", "bitrate": 500000}, nil)
	assert.Equal(t, uint64(500000), alice.Bitrate())
	bobRTCP := func() int {
		rig.gw.mu.Lock()
		defer rig.gw.mu.Unlock()
		return len(rig.gw.rtcp["hB"])
	}()
	assert.Greater(t, bobRTCP, 0)
}

func TestSetTimeArmsDurationLimit(t *testing.T) {
	rig := newTestRig(t)
	rig.placeCall(t, "hA", "alice", "hB", "bob", audioVideoOffer)

	rig.send("hA", "tx-time", map[string]interface{}{"request": "set", "time": 30}, nil)
	alice, _ := rig.svc.reg.Lookup("alice")
	assert.Equal(t, 30*time.Second, alice.Call().Duration())

	// The limit is one-shot.
	rig.send("hA", "tx-time2", map[string]interface{}{"request": "set", "time": 99}, nil)
	assert.Equal(t, 30*time.Second, alice.Call().Duration())
}

func TestStopDrainsWorker(t *testing.T) {
	rig := newTestRig(t)
	rig.svc.Start()
	rig.svc.HandleMessage(domain.SignalMessage{
		HandleID: "h1", Transaction: "t",
		Body: []byte(`{"request":"login","username":"alice"}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rig.svc.Stop(ctx))

	// The queued login was processed before the worker exited.
	assert.Equal(t, domain.EventRegistered, eventName(rig.gw.lastEvent("h1")))
}
