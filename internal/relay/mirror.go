package relay

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"go.uber.org/zap"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 2 * time.Second
	routingKeyPrefix      = "realtime."
)

// MirrorConfig configures an AsyncMirror.
type MirrorConfig struct {
	Publisher      Publisher
	QueueSize      int
	PublishTimeout time.Duration
	Logger         *zap.Logger
}

// AsyncMirror forwards hub envelopes to a Publisher from a single background worker.
// Envelopes arriving while the queue is full are dropped.
type AsyncMirror struct {
	publisher Publisher
	queue     chan realtime.Envelope
	timeout   time.Duration
	logger    *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ realtime.Mirror = (*AsyncMirror)(nil)

// NewAsyncMirror constructs a mirror. Call Run to start publishing.
func NewAsyncMirror(cfg MirrorConfig) *AsyncMirror {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noopPublisher{reason: "no publisher configured"}
	}
	return &AsyncMirror{
		publisher: publisher,
		queue:     make(chan realtime.Envelope, size),
		timeout:   timeout,
		logger:    logger,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RoutingKey returns the topic routing key for an event name.
func RoutingKey(event string) string {
	return routingKeyPrefix + event
}

// Mirror enqueues the envelope without blocking.
func (m *AsyncMirror) Mirror(envelope realtime.Envelope) {
	select {
	case <-m.closed:
		return
	default:
	}
	select {
	case m.queue <- envelope:
	default:
		metrics.IncRelayDropped()
		m.logger.Warn("relay queue full, envelope dropped", zap.String("event", envelope.Event))
	}
}

// Run publishes queued envelopes until ctx ends or Close is called, then drains what is left.
func (m *AsyncMirror) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case envelope := <-m.queue:
			m.publish(envelope)
		case <-ctx.Done():
			m.drain()
			return
		case <-m.closed:
			m.drain()
			return
		}
	}
}

// Close stops accepting envelopes. Run drains the queue and returns.
func (m *AsyncMirror) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
}

// Done is closed once Run has returned.
func (m *AsyncMirror) Done() <-chan struct{} {
	return m.done
}

func (m *AsyncMirror) drain() {
	for {
		select {
		case envelope := <-m.queue:
			m.publish(envelope)
		default:
			return
		}
	}
}

func (m *AsyncMirror) publish(envelope realtime.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.publisher.Publish(ctx, RoutingKey(envelope.Event), envelope); err != nil {
		metrics.IncRelayPublishError()
		m.logger.Warn("relay publish failed", zap.String("event", envelope.Event), zap.Error(err))
	}
}
