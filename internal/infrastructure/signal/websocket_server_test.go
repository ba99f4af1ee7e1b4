package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pairline/internal/core/domain"
	"pairline/pkg/config"
)

type procCall struct {
	method   string
	handleID string
	msg      domain.SignalMessage
	video    bool
	binary   bool
	buf      []byte
}

// fakeProcessor records every call on a channel so tests can wait for
// the server's read goroutines.
type fakeProcessor struct {
	calls chan procCall
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{calls: make(chan procCall, 64)}
}

func (p *fakeProcessor) HandleMessage(msg domain.SignalMessage) {
	p.calls <- procCall{method: "message", handleID: msg.HandleID, msg: msg}
}

func (p *fakeProcessor) HandleDetach(handleID string) {
	p.calls <- procCall{method: "detach", handleID: handleID}
}

func (p *fakeProcessor) SetupMedia(handleID string) {
	p.calls <- procCall{method: "setup", handleID: handleID}
}

func (p *fakeProcessor) HangupMedia(handleID string) {
	p.calls <- procCall{method: "hangup", handleID: handleID}
}

func (p *fakeProcessor) IncomingRTP(handleID string, video bool, buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.calls <- procCall{method: "rtp", handleID: handleID, video: video, buf: cp}
}

func (p *fakeProcessor) IncomingRTCP(handleID string, video bool, buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.calls <- procCall{method: "rtcp", handleID: handleID, video: video, buf: cp}
}

func (p *fakeProcessor) IncomingData(handleID string, isBinary bool, buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.calls <- procCall{method: "data", handleID: handleID, binary: isBinary, buf: cp}
}

// next waits for the processor's next recorded call.
func (p *fakeProcessor) next(t *testing.T) procCall {
	t.Helper()
	select {
	case call := <-p.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for processor call")
		return procCall{}
	}
}

// nextOf waits for the next call of the given method, skipping others.
func (p *fakeProcessor) nextOf(t *testing.T, method string) procCall {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case call := <-p.calls:
			if call.method == method {
				return call
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q call", method)
			return procCall{}
		}
	}
}

type wsHarness struct {
	server *WebSocketServer
	proc   *fakeProcessor
	http   *httptest.Server
}

func newWSHarness(t *testing.T, mutate func(*config.Config)) *wsHarness {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	proc := newFakeProcessor()
	server := NewWebSocketServer(cfg, proc, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return &wsHarness{server: server, proc: proc, http: ts}
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSignalMessageReachesProcessor(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	payload := `{"pairline":{"request":"list"},"transaction":"tx-1"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	call := h.proc.nextOf(t, "message")
	assert.NotEmpty(t, call.msg.HandleID)
	assert.Equal(t, "tx-1", call.msg.Transaction)
	assert.JSONEq(t, `{"request":"list"}`, string(call.msg.Body))
}

func TestMissingTransactionGetsGenerated(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"pairline":{"request":"list"}}`)))

	call := h.proc.nextOf(t, "message")
	assert.NotEmpty(t, call.msg.Transaction)
}

func TestMalformedJSONStillForwarded(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	call := h.proc.nextOf(t, "message")
	assert.Equal(t, "not json", string(call.msg.Body))
	assert.Empty(t, call.msg.Transaction)
}

func TestBinaryFramesRouteByKind(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		[]byte{frameAudioRTP, 0xAA, 0xBB}))

	// First media frame flips the transport to up.
	setup := h.proc.next(t)
	assert.Equal(t, "setup", setup.method)

	rtp := h.proc.nextOf(t, "rtp")
	assert.False(t, rtp.video)
	assert.Equal(t, []byte{0xAA, 0xBB}, rtp.buf)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		[]byte{frameVideoRTCP, 0x01}))
	rtcp := h.proc.nextOf(t, "rtcp")
	assert.True(t, rtcp.video)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		[]byte{frameDataBin, 0x02}))
	data := h.proc.nextOf(t, "data")
	assert.True(t, data.binary)
	assert.Equal(t, []byte{0x02}, data.buf)
}

func TestShortBinaryFrameIgnored(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{frameAudioRTP}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"pairline":{"request":"list"},"transaction":"tx-after"}`)))

	// The one-byte frame produced no processor call, not even setup.
	call := h.proc.next(t)
	assert.Equal(t, "message", call.method)
	assert.Equal(t, "tx-after", call.msg.Transaction)
}

func TestPushEventDeliveredToClient(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"pairline":{"request":"list"},"transaction":"tx-1"}`)))
	handleID := h.proc.nextOf(t, "message").msg.HandleID

	ev := domain.NewEvent(domain.EventRegistered).With("username", "alice")
	require.NoError(t, h.server.PushEvent(handleID, ev))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Contains(t, string(data), `"event":"registered"`)
}

func TestRelayRTPFramesWithKindByte(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"pairline":{"request":"list"},"transaction":"tx-1"}`)))
	handleID := h.proc.nextOf(t, "message").msg.HandleID

	require.NoError(t, h.server.RelayRTP(handleID, true, []byte{0xDE, 0xAD}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{frameVideoRTP, 0xDE, 0xAD}, data)
}

func TestPushEventToUnknownHandle(t *testing.T) {
	h := newWSHarness(t, nil)

	err := h.server.PushEvent("nope", domain.NewEvent(domain.EventList))
	assert.Error(t, err)
}

func TestDisconnectDetachesAndHangsUpMedia(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		[]byte{frameAudioRTP, 0x01}))
	h.proc.nextOf(t, "rtp")

	require.NoError(t, conn.Close())

	assert.Equal(t, "hangup", h.proc.nextOf(t, "hangup").method)
	assert.Equal(t, "detach", h.proc.nextOf(t, "detach").method)

	require.Eventually(t, func() bool {
		return h.server.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectWithoutMediaSkipsHangup(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"pairline":{"request":"list"},"transaction":"tx-1"}`)))
	h.proc.nextOf(t, "message")

	require.NoError(t, conn.Close())

	call := h.proc.nextOf(t, "detach")
	assert.Equal(t, "detach", call.method)
}

func TestSignalingRateLimit(t *testing.T) {
	h := newWSHarness(t, func(cfg *config.Config) {
		cfg.RateLimiting.Enabled = true
		cfg.RateLimiting.MessagesPerSecond = 0.01
		cfg.RateLimiting.Burst = 1
	})
	conn := h.dial(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"pairline":{"request":"list"},"transaction":"tx"}`)))
	}
	// Only the first message fits the burst; the rest are dropped.
	h.proc.nextOf(t, "message")
	select {
	case call := <-h.proc.calls:
		t.Fatalf("unexpected call after limit: %q", call.method)
	case <-time.After(300 * time.Millisecond):
	}
}
