package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"go.uber.org/zap"
)

const defaultPushBuffer = 16

// PushEvent is one record on the one-way channel.
type PushEvent struct {
	Name      string
	Data      any
	Timestamp time.Time
}

// DispatcherConfig configures the one-way push dispatcher.
type DispatcherConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

// Dispatcher fans push events out to per-user and per-post subscriber queues.
type Dispatcher struct {
	mu         sync.RWMutex
	users      map[uint]map[int64]*pushSubscriber
	posts      map[uint]map[int64]*pushSubscriber
	nextID     int64
	bufferSize int
	logger     *zap.Logger
}

type pushSubscriber struct {
	id     int64
	stream chan PushEvent
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultPushBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		users:      make(map[uint]map[int64]*pushSubscriber),
		posts:      make(map[uint]map[int64]*pushSubscriber),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a queue for the user. The queue is removed when ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID uint) (<-chan PushEvent, func()) {
	return d.subscribe(ctx, d.users, userID)
}

// SubscribePost registers a listener queue for activity on a single post.
func (d *Dispatcher) SubscribePost(ctx context.Context, postID uint) (<-chan PushEvent, func()) {
	return d.subscribe(ctx, d.posts, postID)
}

// Publish try-puts the event on every queue of the user and returns how many accepted it.
func (d *Dispatcher) Publish(userID uint, event PushEvent) int {
	return d.publish(d.users, userID, event)
}

// PublishPost try-puts the event on every listener of the post.
func (d *Dispatcher) PublishPost(postID uint, event PushEvent) int {
	return d.publish(d.posts, postID, event)
}

// SubscriberCount reports how many queues are registered for the user.
func (d *Dispatcher) SubscriberCount(userID uint) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users[userID])
}

// PostListenerCount reports how many queues are registered for the post.
func (d *Dispatcher) PostListenerCount(postID uint) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.posts[postID])
}

func (d *Dispatcher) subscribe(ctx context.Context, registry map[uint]map[int64]*pushSubscriber, key uint) (<-chan PushEvent, func()) {
	if key == 0 {
		ch := make(chan PushEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &pushSubscriber{
		stream: make(chan PushEvent, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := registry[key]; !ok {
		registry[key] = make(map[int64]*pushSubscriber)
	}
	registry[key][subscriber.id] = subscriber
	d.mu.Unlock()
	metrics.IncSessions(string(TransportSSE))

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(registry, key, subscriber.id)
			metrics.DecSessions(string(TransportSSE))
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *Dispatcher) publish(registry map[uint]map[int64]*pushSubscriber, key uint, event PushEvent) int {
	if key == 0 || event.Name == "" {
		return 0
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := registry[key]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return 0
	}
	copies := make([]*pushSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	accepted := 0
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
			accepted++
			metrics.IncEvent(string(TransportSSE), event.Name)
		default:
			metrics.IncDropped(string(TransportSSE), event.Name)
			d.logger.Warn("push event dropped", zap.String("event", event.Name), zap.Int64("subscriber_id", subscriber.id))
		}
	}
	return accepted
}

func (d *Dispatcher) unregister(registry map[uint]map[int64]*pushSubscriber, key uint, subscriberID int64) {
	d.mu.Lock()
	subscribers := registry[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(registry, key)
		}
	}
	d.mu.Unlock()
}
