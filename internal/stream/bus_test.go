package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu       sync.Mutex
	received []Envelope
	failNext bool
}

func (m *mockSender) Send(env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		return errors.New("connection gone")
	}
	m.received = append(m.received, env)
	return nil
}

func (m *mockSender) events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, env := range m.received {
		if env.Event != nil {
			out = append(out, env.Event)
		}
	}
	return out
}

func testBus() *Bus {
	return New(Options{WindowSize: 100, DefaultTTL: time.Minute}, nil)
}

func TestPublish_ChannelFiltering(t *testing.T) {
	b := testBus()
	ctx := context.Background()

	onX := &mockSender{}
	onY := &mockSender{}
	onAll := &mockSender{}
	b.Subscribe("cx", onX, SubscribeOptions{Channels: []string{"x"}})
	b.Subscribe("cy", onY, SubscribeOptions{Channels: []string{"y"}})
	b.Subscribe("ca", onAll, SubscribeOptions{Channels: []string{ChannelAll}})

	b.Publish(ctx, "stage_completed", "corr-1", nil, PublishOptions{Channels: []string{"x"}})

	assert.Len(t, onX.events(), 1)
	assert.Empty(t, onY.events())
	assert.Len(t, onAll.events(), 1)
}

func TestPublish_MonotonicSequence(t *testing.T) {
	b := testBus()
	ctx := context.Background()
	s := &mockSender{}
	b.Subscribe("c1", s, SubscribeOptions{Channels: []string{ChannelAll}})

	for i := 0; i < 5; i++ {
		b.Publish(ctx, "stage_completed", "corr-1", nil, PublishOptions{Channels: []string{"x"}})
	}

	evs := s.events()
	require.Len(t, evs, 5)
	for i := 1; i < len(evs); i++ {
		assert.Equal(t, evs[i-1].Sequence+1, evs[i].Sequence)
	}
}

func TestPublish_KindAndFieldFilters(t *testing.T) {
	b := testBus()
	ctx := context.Background()

	s := &mockSender{}
	b.Subscribe("c1", s, SubscribeOptions{
		Channels: []string{ChannelAll},
		Kinds:    []string{"enhancement_completed"},
		Filters:  Filters{Unit: "osa", MinPriority: 5},
	})

	b.Publish(ctx, "enhancement_completed", "corr-1", nil, PublishOptions{Unit: "osa", Priority: 7, Channels: []string{"x"}})
	b.Publish(ctx, "enhancement_completed", "corr-2", nil, PublishOptions{Unit: "other", Priority: 7, Channels: []string{"x"}})
	b.Publish(ctx, "validation_failed", "corr-3", nil, PublishOptions{Unit: "osa", Priority: 7, Channels: []string{"x"}})
	b.Publish(ctx, "enhancement_completed", "corr-4", nil, PublishOptions{Unit: "osa", Priority: 1, Channels: []string{"x"}})

	evs := s.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "corr-1", evs[0].CorrelationID)
}

func TestSubscribe_HistoryReplayBounded(t *testing.T) {
	b := testBus()
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		b.Publish(ctx, "stage_completed", "corr", map[string]any{"n": i}, PublishOptions{Channels: []string{"x"}})
	}

	s := &mockSender{}
	b.Subscribe("late", s, SubscribeOptions{Channels: []string{"x"}})

	evs := s.events()
	require.Len(t, evs, 10)
	// Replay is oldest-first and covers the most recent ten.
	assert.Equal(t, 5, evs[0].Payload["n"])
	assert.Equal(t, 14, evs[9].Payload["n"])
}

func TestSubscribe_ReplayOnlyMatching(t *testing.T) {
	b := testBus()
	ctx := context.Background()

	b.Publish(ctx, "a", "corr", nil, PublishOptions{Channels: []string{"x"}})
	b.Publish(ctx, "b", "corr", nil, PublishOptions{Channels: []string{"y"}})

	s := &mockSender{}
	b.Subscribe("c1", s, SubscribeOptions{Channels: []string{"y"}})
	evs := s.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "b", evs[0].Kind)
}

func TestFanOut_FailedSenderRemoved(t *testing.T) {
	b := testBus()
	ctx := context.Background()

	bad := &mockSender{failNext: true}
	good := &mockSender{}
	badSub := b.Subscribe("bad", bad, SubscribeOptions{Channels: []string{"x"}})
	b.Subscribe("good", good, SubscribeOptions{Channels: []string{"x"}})

	b.Publish(ctx, "stage_completed", "corr", nil, PublishOptions{Channels: []string{"x"}})
	assert.Len(t, good.events(), 1)

	// The failed subscription is gone; a second publish reaches only good.
	b.Publish(ctx, "stage_completed", "corr", nil, PublishOptions{Channels: []string{"x"}})
	assert.Len(t, good.events(), 2)
	assert.False(t, b.Unsubscribe(badSub.ID), "failed subscription should already be removed")
}

func TestPurgeExpired(t *testing.T) {
	b := testBus()
	ctx := context.Background()

	b.Publish(ctx, "short", "corr", nil, PublishOptions{Channels: []string{"x"}, TTL: time.Millisecond})
	b.Publish(ctx, "long", "corr", nil, PublishOptions{Channels: []string{"x"}, TTL: time.Hour})

	time.Sleep(5 * time.Millisecond)
	b.purgeExpired()

	s := &mockSender{}
	b.Subscribe("c1", s, SubscribeOptions{Channels: []string{"x"}})
	evs := s.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "long", evs[0].Kind)
}

func TestStartStop_NoStrayTimers(t *testing.T) {
	b := New(Options{
		WindowSize:      10,
		DefaultTTL:      time.Minute,
		PurgeInterval:   time.Millisecond,
		MetricsInterval: time.Millisecond,
	}, nil)
	b.Start()
	time.Sleep(10 * time.Millisecond)
	b.Stop()

	published := b.published.Load()
	time.Sleep(10 * time.Millisecond)
	// No monitoring events are published after Stop.
	assert.Equal(t, published, b.published.Load())
}

func TestMetricsSweep_PublishesMonitoringUpdate(t *testing.T) {
	b := testBus()
	s := &mockSender{}
	b.Subscribe("mon", s, SubscribeOptions{Channels: []string{ChannelMonitoring}})

	b.publishMetrics()

	evs := s.events()
	require.Len(t, evs, 1)
	assert.Equal(t, KindMonitoringUpdate, evs[0].Kind)
}

type mockPublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (m *mockPublisher) Publish(topic string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	m.bodies = append(m.bodies, body)
	return nil
}

func TestPublish_MirroredToNSQ(t *testing.T) {
	pub := &mockPublisher{}
	b := New(Options{WindowSize: 10, DefaultTTL: time.Minute}, pub)

	b.Publish(context.Background(), "stage_completed", "corr-1", nil, PublishOptions{Channels: []string{"x"}})

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "events.stream", pub.topics[0])
	var ev Event
	require.NoError(t, json.Unmarshal(pub.bodies[0], &ev))
	assert.Equal(t, "corr-1", ev.CorrelationID)
}

func TestHealth_Thresholds(t *testing.T) {
	b := New(Options{WindowSize: 2, DefaultTTL: time.Minute, MaxSubscribers: 1, MemoryLimitMB: 1 << 20}, nil)
	assert.Equal(t, HealthOK, b.Health())

	b.Subscribe("c1", &mockSender{}, SubscribeOptions{})
	b.Subscribe("c2", &mockSender{}, SubscribeOptions{})
	assert.Equal(t, HealthDegraded, b.Health())
}
