package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pairline/internal/core/domain"
	"pairline/pkg/config"
	"pairline/pkg/utils"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Binary frame kinds. Every binary frame starts with one kind byte;
// the rest is the raw packet.
const (
	frameAudioRTP  = 0x01
	frameVideoRTP  = 0x02
	frameAudioRTCP = 0x03
	frameVideoRTCP = 0x04
	frameDataText  = 0x05
	frameDataBin   = 0x06
)

// Processor is the core the transport feeds. CallService implements
// it.
type Processor interface {
	HandleMessage(msg domain.SignalMessage)
	HandleDetach(handleID string)
	SetupMedia(handleID string)
	HangupMedia(handleID string)
	IncomingRTP(handleID string, video bool, buf []byte)
	IncomingRTCP(handleID string, video bool, buf []byte)
	IncomingData(handleID string, isBinary bool, buf []byte)
}

// clientEnvelope is the frame clients send on the signaling channel.
type clientEnvelope struct {
	Pairline    json.RawMessage            `json:"pairline"`
	Transaction string                     `json:"transaction,omitempty"`
	SDP         *domain.SessionDescription `json:"jsep,omitempty"`
}

type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	mediaUp int32
	closed  int32
}

// WebSocketServer carries both signaling (JSON text frames) and media
// (binary frames with a one-byte kind prefix) per connection. One
// connection is one handle.
type WebSocketServer struct {
	proc Processor

	connections map[string]*connection
	mu          sync.RWMutex

	pingInterval    time.Duration
	pongTimeout     time.Duration
	writeTimeout    time.Duration
	maxMessageBytes int64

	limitEnabled bool
	limitRate    float64
	limitBurst   int

	logger *zap.SugaredLogger
}

func NewWebSocketServer(cfg *config.Config, proc Processor, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		proc:            proc,
		connections:     make(map[string]*connection),
		pingInterval:    cfg.Signal.PingInterval,
		pongTimeout:     cfg.Signal.PongTimeout,
		writeTimeout:    cfg.Signal.WriteTimeout,
		maxMessageBytes: cfg.Signal.MaxMessageBytes,
		limitEnabled:    cfg.RateLimiting.Enabled,
		limitRate:       cfg.RateLimiting.MessagesPerSecond,
		limitBurst:      cfg.RateLimiting.Burst,
		logger:          logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	handleID := utils.GenerateHandleID()
	conn := &connection{ws: ws}

	s.mu.Lock()
	s.connections[handleID] = conn
	s.mu.Unlock()

	s.logger.Infow("client connected", "handle", handleID, "remote", r.RemoteAddr)

	if s.maxMessageBytes > 0 {
		ws.SetReadLimit(s.maxMessageBytes)
	}
	ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	// Signaling messages are rate-limited; media frames are not.
	var limiter *rate.Limiter
	if s.limitEnabled {
		limiter = rate.NewLimiter(rate.Limit(s.limitRate), s.limitBurst)
	}

	errorChan := make(chan error, 1)
	go s.readLoop(handleID, conn, limiter, errorChan)

	for {
		select {
		case <-pingTicker.C:
			conn.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "handle", handleID, "error", err)
				s.cleanup(handleID, conn)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "handle", handleID, "error", err)
			}
			s.cleanup(handleID, conn)
			return
		}
	}
}

// readLoop pulls frames off the wire. Text frames go to the signaling
// queue; binary frames hit the relay path directly on this goroutine.
func (s *WebSocketServer) readLoop(handleID string, conn *connection, limiter *rate.Limiter, errorChan chan<- error) {
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			errorChan <- err
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(s.pongTimeout))

		switch msgType {
		case websocket.TextMessage:
			if limiter != nil && !limiter.Allow() {
				s.logger.Warnw("signaling rate limit exceeded", "handle", handleID)
				continue
			}
			var env clientEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				// Let the processor report the shape error uniformly.
				s.proc.HandleMessage(domain.SignalMessage{HandleID: handleID, Body: data})
				continue
			}
			tx := env.Transaction
			if tx == "" {
				tx = utils.GenerateTransactionID()
			}
			s.proc.HandleMessage(domain.SignalMessage{
				HandleID:    handleID,
				Transaction: tx,
				Body:        env.Pairline,
				SDP:         env.SDP,
			})

		case websocket.BinaryMessage:
			if len(data) < 2 {
				continue
			}
			if atomic.CompareAndSwapInt32(&conn.mediaUp, 0, 1) {
				s.proc.SetupMedia(handleID)
			}
			kind, payload := data[0], data[1:]
			switch kind {
			case frameAudioRTP:
				s.proc.IncomingRTP(handleID, false, payload)
			case frameVideoRTP:
				s.proc.IncomingRTP(handleID, true, payload)
			case frameAudioRTCP:
				s.proc.IncomingRTCP(handleID, false, payload)
			case frameVideoRTCP:
				s.proc.IncomingRTCP(handleID, true, payload)
			case frameDataText:
				s.proc.IncomingData(handleID, false, payload)
			case frameDataBin:
				s.proc.IncomingData(handleID, true, payload)
			}
		}
	}
}

func (s *WebSocketServer) cleanup(handleID string, conn *connection) {
	if !atomic.CompareAndSwapInt32(&conn.closed, 0, 1) {
		return
	}
	s.mu.Lock()
	delete(s.connections, handleID)
	s.mu.Unlock()

	if atomic.LoadInt32(&conn.mediaUp) == 1 {
		s.proc.HangupMedia(handleID)
	}
	s.proc.HandleDetach(handleID)
	conn.ws.Close()
	s.logger.Infow("client disconnected", "handle", handleID)
}

func (s *WebSocketServer) lookup(handleID string) (*connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[handleID]
	return conn, ok
}

// PushEvent implements ports.Gateway.
func (s *WebSocketServer) PushEvent(handleID string, event *domain.Event) error {
	conn, ok := s.lookup(handleID)
	if !ok {
		return errNotConnected(handleID)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.write(conn, websocket.TextMessage, data)
}

// RelayRTP implements ports.Gateway.
func (s *WebSocketServer) RelayRTP(handleID string, video bool, buf []byte) error {
	kind := byte(frameAudioRTP)
	if video {
		kind = frameVideoRTP
	}
	return s.relayBinary(handleID, kind, buf)
}

// RelayRTCP implements ports.Gateway.
func (s *WebSocketServer) RelayRTCP(handleID string, video bool, buf []byte) error {
	kind := byte(frameAudioRTCP)
	if video {
		kind = frameVideoRTCP
	}
	return s.relayBinary(handleID, kind, buf)
}

// RelayData implements ports.Gateway.
func (s *WebSocketServer) RelayData(handleID string, isBinary bool, buf []byte) error {
	kind := byte(frameDataText)
	if isBinary {
		kind = frameDataBin
	}
	return s.relayBinary(handleID, kind, buf)
}

func (s *WebSocketServer) relayBinary(handleID string, kind byte, buf []byte) error {
	conn, ok := s.lookup(handleID)
	if !ok {
		return errNotConnected(handleID)
	}
	frame := make([]byte, len(buf)+1)
	frame[0] = kind
	copy(frame[1:], buf)
	return s.write(conn, websocket.BinaryMessage, frame)
}

func (s *WebSocketServer) write(conn *connection, msgType int, data []byte) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	conn.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.ws.WriteMessage(msgType, data)
}

// CloseConnection implements ports.Gateway. The close runs on its own
// goroutine so signaling handlers can request it re-entrantly.
func (s *WebSocketServer) CloseConnection(handleID string) {
	conn, ok := s.lookup(handleID)
	if !ok {
		return
	}
	go func() {
		conn.writeMu.Lock()
		conn.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		conn.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.writeMu.Unlock()
		conn.ws.Close()
	}()
}

// ConnectionCount reports live connections, for health checks.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

type errNotConnected string

func (e errNotConnected) Error() string { return "handle " + string(e) + " is not connected" }
