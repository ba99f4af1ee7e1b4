package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher fans call telemetry out over a Redis pub/sub channel.
// Emissions are buffered and published from a single worker goroutine;
// when the buffer is full the event is dropped rather than stalling
// the signaling path.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger

	queue chan []byte
	done  chan struct{}
}

const publishTimeout = 2 * time.Second

func NewRedisPublisher(client *redis.Client, channel string, logger *zap.SugaredLogger) *RedisPublisher {
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger,
		queue:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	go p.publishLoop()
	return p
}

// Emit implements ports.EventSink.
func (p *RedisPublisher) Emit(event string, fields map[string]interface{}) {
	data, err := marshalEvent(event, fields, time.Now())
	if err != nil {
		p.logger.Warnw("telemetry event not serializable", "event", event, "error", err)
		return
	}
	select {
	case p.queue <- data:
	default:
		p.logger.Warnw("telemetry buffer full, event dropped", "event", event)
	}
}

// Close implements ports.EventSink. Queued events are drained first.
func (p *RedisPublisher) Close() error {
	close(p.queue)
	<-p.done
	return nil
}

func (p *RedisPublisher) publishLoop() {
	defer close(p.done)
	for data := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.client.Publish(ctx, p.channel, data).Err()
		cancel()
		if err != nil {
			p.logger.Warnw("telemetry publish failed", "channel", p.channel, "error", err)
		}
	}
}

func marshalEvent(event string, fields map[string]interface{}, now time.Time) ([]byte, error) {
	payload := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["event"] = event
	payload["timestamp"] = now.Unix()
	return json.Marshal(payload)
}
