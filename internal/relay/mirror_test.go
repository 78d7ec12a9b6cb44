package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	routingKey string
	envelope   realtime.Envelope
}

type fakePublisher struct {
	mu        sync.Mutex
	messages  []publishedMessage
	failWith  error
	published chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(chan struct{}, 64)}
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, message any) error {
	p.mu.Lock()
	envelope, _ := message.(realtime.Envelope)
	p.messages = append(p.messages, publishedMessage{routingKey: routingKey, envelope: envelope})
	err := p.failWith
	p.mu.Unlock()
	p.published <- struct{}{}
	return err
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) snapshot() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}

func waitPublished(t *testing.T, p *fakePublisher, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-p.published:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for publish %d", i+1)
		}
	}
}

func TestMirrorPublishesHubFrames(t *testing.T) {
	publisher := newFakePublisher()
	mirror := NewAsyncMirror(MirrorConfig{Publisher: publisher, QueueSize: 8})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mirror.Run(ctx)

	hub := realtime.NewHub(realtime.HubConfig{Mirror: mirror})
	hub.Emit(realtime.ToRoom(realtime.PostRoom(3)), realtime.EventLockAcquired, map[string]any{"post_id": 3})

	waitPublished(t, publisher, 1)
	messages := publisher.snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, "realtime.post_lock_acquired", messages[0].routingKey)
	assert.Equal(t, "room:post_3", messages[0].envelope.Target)
	assert.JSONEq(t, `{"post_id":3}`, string(messages[0].envelope.Data))
}

func TestMirrorDropsWhenQueueFull(t *testing.T) {
	publisher := newFakePublisher()
	mirror := NewAsyncMirror(MirrorConfig{Publisher: publisher, QueueSize: 1})

	mirror.Mirror(realtime.Envelope{Event: "first"})
	mirror.Mirror(realtime.Envelope{Event: "second"})

	ctx, cancel := context.WithCancel(context.Background())
	go mirror.Run(ctx)
	waitPublished(t, publisher, 1)
	cancel()
	<-mirror.Done()

	messages := publisher.snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, "first", messages[0].envelope.Event)
}

func TestMirrorCloseDrainsQueue(t *testing.T) {
	publisher := newFakePublisher()
	publisher.failWith = errors.New("broker unavailable")
	mirror := NewAsyncMirror(MirrorConfig{Publisher: publisher, QueueSize: 4})
	mirror.Mirror(realtime.Envelope{Event: "a"})
	mirror.Mirror(realtime.Envelope{Event: "b"})
	mirror.Close()
	mirror.Mirror(realtime.Envelope{Event: "after-close"})

	mirror.Run(context.Background())
	messages := publisher.snapshot()
	require.Len(t, messages, 2)
	assert.Equal(t, "a", messages[0].envelope.Event)
	assert.Equal(t, "b", messages[1].envelope.Event)
}

func TestNewPublisherFallsBackToNoop(t *testing.T) {
	publisher := NewPublisher("", "agora.realtime", nil)
	assert.Equal(t, "noop", Mode(publisher))
	assert.Equal(t, "empty amqp url", NoopReason(publisher))
	assert.NoError(t, publisher.Publish(context.Background(), "realtime.x", map[string]string{}))
	assert.NoError(t, publisher.Close())
	assert.Equal(t, "custom", Mode(newFakePublisher()))
}
