// Package stream is the in-process broadcast bus: filtered fan-out to live
// subscribers, a bounded TTL-evicted event window with history replay, and
// periodic monitoring snapshots. Every event is additionally mirrored to NSQ
// for off-process consumers.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"opalsync/internal/config"
)

const replayLimit = 10

type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthCritical HealthState = "critical"
)

// Publisher mirrors events to a durable topic. Satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Options struct {
	WindowSize      int
	DefaultTTL      time.Duration
	PurgeInterval   time.Duration
	MetricsInterval time.Duration
	MaxSubscribers  int
	MemoryLimitMB   int
}

type Bus struct {
	opts Options
	pub  Publisher

	seq       atomic.Uint64
	published atomic.Uint64
	delivered atomic.Uint64
	sendFails atomic.Uint64

	windowMu sync.RWMutex
	window   []*Event

	subs sync.Map // subscription id -> *Subscription

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	sweepMu       sync.Mutex
	lastSweep     time.Time
	lastPublished uint64
}

// New builds a stopped bus. pub may be nil when no durable mirror is wanted.
func New(opts Options, pub Publisher) *Bus {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 1000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	return &Bus{
		opts:      opts,
		pub:       pub,
		done:      make(chan struct{}),
		lastSweep: time.Now(),
	}
}

// Start launches the TTL purge and metrics sweeps. Stop halts them; no timers
// survive shutdown.
func (b *Bus) Start() {
	if b.opts.PurgeInterval > 0 {
		b.wg.Add(1)
		go b.loop(b.opts.PurgeInterval, b.purgeExpired)
	}
	if b.opts.MetricsInterval > 0 {
		b.wg.Add(1)
		go b.loop(b.opts.MetricsInterval, b.publishMetrics)
	}
}

func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Bus) loop(interval time.Duration, fn func()) {
	defer b.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			fn()
		}
	}
}

// Publish assigns the next sequence number, stores the event in the window,
// mirrors it to NSQ and pushes it to every matching subscription. Returns the
// stream event id.
func (b *Bus) Publish(ctx context.Context, kind, correlationID string, data map[string]any, opts PublishOptions) string {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = b.opts.DefaultTTL
	}
	channels := opts.Channels
	if len(channels) == 0 {
		channels = []string{"default"}
	}

	ev := &Event{
		ID:            uuid.New().String(),
		Sequence:      b.seq.Add(1),
		Kind:          kind,
		CorrelationID: correlationID,
		Unit:          opts.Unit,
		SubUnit:       opts.SubUnit,
		Priority:      opts.Priority,
		Channels:      channels,
		Payload:       data,
		PublishedAt:   time.Now(),
		expiresAt:     time.Now().Add(ttl),
	}
	b.published.Add(1)
	publishedTotal.Inc()

	b.windowMu.Lock()
	b.window = append(b.window, ev)
	if len(b.window) > b.opts.WindowSize {
		b.window = b.window[len(b.window)-b.opts.WindowSize:]
	}
	b.windowMu.Unlock()

	b.mirror(ctx, config.TopicEventStream, ev)
	b.fanOut(ctx, Envelope{Type: "event", Event: ev, Timestamp: time.Now()})
	return ev.ID
}

// Subscribe registers a sender and replays up to the last 10 matching events
// before live delivery begins.
func (b *Bus) Subscribe(clientID string, sender Sender, opts SubscribeOptions) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Channels:  opts.Channels,
		Kinds:     opts.Kinds,
		Filters:   opts.Filters,
		CreatedAt: time.Now(),
		sender:    sender,
	}

	b.windowMu.RLock()
	var replay []*Event
	for i := len(b.window) - 1; i >= 0 && len(replay) < replayLimit; i-- {
		if sub.Matches(b.window[i]) {
			replay = append(replay, b.window[i])
		}
	}
	b.windowMu.RUnlock()

	// Oldest first.
	for i := len(replay) - 1; i >= 0; i-- {
		if err := sender.Send(Envelope{Type: "event", Event: replay[i], Timestamp: time.Now()}); err != nil {
			slog.Warn("subscriber failed during history replay, dropping",
				"client_id", clientID, "error", err)
			return sub
		}
		sub.delivered.Add(1)
	}

	b.subs.Store(sub.ID, sub)
	subscriptionsGauge.Inc()
	slog.Info("subscription created", "subscription_id", sub.ID, "client_id", clientID, "channels", opts.Channels)
	return sub
}

// Unsubscribe removes a subscription. Returns false when unknown.
func (b *Bus) Unsubscribe(id string) bool {
	_, ok := b.subs.LoadAndDelete(id)
	if ok {
		subscriptionsGauge.Dec()
	}
	return ok
}

func (b *Bus) fanOut(ctx context.Context, env Envelope) {
	b.subs.Range(func(key, value any) bool {
		sub := value.(*Subscription)
		if env.Event != nil && !sub.Matches(env.Event) {
			return true
		}
		if err := sub.sender.Send(env); err != nil {
			// Fail fast: no buffering per subscriber.
			b.sendFails.Add(1)
			b.subs.Delete(key)
			subscriptionsGauge.Dec()
			slog.WarnContext(ctx, "subscriber send failed, removing subscription",
				"subscription_id", sub.ID, "client_id", sub.ClientID, "error", err)
			return true
		}
		sub.delivered.Add(1)
		b.delivered.Add(1)
		deliveredTotal.Inc()
		return true
	})
}

func (b *Bus) mirror(ctx context.Context, topic string, ev *Event) {
	if b.pub == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.pub.Publish(topic, body); err != nil {
		// The mirror is best effort; live fan-out must never block on it.
		slog.WarnContext(ctx, "failed to mirror event to nsq", "topic", topic, "error", err)
	}
}

func (b *Bus) purgeExpired() {
	now := time.Now()
	b.windowMu.Lock()
	kept := b.window[:0]
	for _, ev := range b.window {
		if ev.expiresAt.After(now) {
			kept = append(kept, ev)
		}
	}
	purged := len(b.window) - len(kept)
	b.window = kept
	b.windowMu.Unlock()

	if purged > 0 {
		purgedTotal.Add(float64(purged))
		slog.Debug("purged expired stream events", "count", purged)
	}
}

func (b *Bus) publishMetrics() {
	snap := b.Snapshot()
	windowGauge.Set(float64(snap.WindowSize))
	processedPerMinute.Set(snap.ProcessedPerMinute)

	ctx := context.Background()
	data := map[string]any{"metrics": snap}
	b.Publish(ctx, KindMonitoringUpdate, "", data, PublishOptions{
		Channels: []string{ChannelMonitoring},
		TTL:      b.opts.DefaultTTL,
	})
	if b.pub != nil {
		if body, err := json.Marshal(snap); err == nil {
			if err := b.pub.Publish(config.TopicMonitoring, body); err != nil {
				slog.Warn("failed to publish monitoring snapshot to nsq", "error", err)
			}
		}
	}
}

// Snapshot computes the current aggregate metrics.
func (b *Bus) Snapshot() MetricsSnapshot {
	b.windowMu.RLock()
	windowSize := len(b.window)
	b.windowMu.RUnlock()

	published := b.published.Load()
	b.sweepMu.Lock()
	perMin := 0.0
	elapsed := time.Since(b.lastSweep)
	if elapsed > 0 {
		perMin = float64(published-b.lastPublished) / elapsed.Minutes()
	}
	b.lastSweep = time.Now()
	b.lastPublished = published
	b.sweepMu.Unlock()

	delivered := b.delivered.Load()
	fails := b.sendFails.Load()
	successRate := 100.0
	if delivered+fails > 0 {
		successRate = float64(delivered) / float64(delivered+fails) * 100
	}

	return MetricsSnapshot{
		ActiveSubscriptions: b.subscriptionCount(),
		WindowSize:          windowSize,
		ProcessedPerMinute:  perMin,
		SuccessRate:         successRate,
		TotalPublished:      published,
	}
}

// Health classifies the bus state for the health endpoint. Advisory only.
func (b *Bus) Health() HealthState {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if b.opts.MemoryLimitMB > 0 && mem.Alloc > uint64(b.opts.MemoryLimitMB)*1024*1024 {
		return HealthCritical
	}

	b.windowMu.RLock()
	windowSize := len(b.window)
	b.windowMu.RUnlock()
	if b.opts.MaxSubscribers > 0 && b.subscriptionCount() > b.opts.MaxSubscribers {
		return HealthDegraded
	}
	if windowSize >= b.opts.WindowSize {
		return HealthDegraded
	}
	return HealthOK
}

func (b *Bus) subscriptionCount() int {
	n := 0
	b.subs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
