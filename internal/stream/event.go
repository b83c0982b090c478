package stream

import (
	"sync/atomic"
	"time"
)

const (
	// ChannelAll subscribes to every channel.
	ChannelAll = "*"
	// ChannelMonitoring is reserved for monitoring_update events.
	ChannelMonitoring = "monitoring"

	KindMonitoringUpdate = "monitoring_update"
)

// Event is one broadcast milestone. Sequence is globally monotonic so
// subscribers can detect gaps.
type Event struct {
	ID            string         `json:"id"`
	Sequence      uint64         `json:"sequence"`
	Kind          string         `json:"kind"`
	CorrelationID string         `json:"correlation_id"`
	Unit          string         `json:"content_unit,omitempty"`
	SubUnit       string         `json:"sub_unit,omitempty"`
	Priority      int            `json:"priority"`
	Channels      []string       `json:"channels"`
	Payload       map[string]any `json:"payload,omitempty"`
	PublishedAt   time.Time      `json:"published_at"`

	expiresAt time.Time
}

type PublishOptions struct {
	Unit     string
	SubUnit  string
	Priority int
	Channels []string
	TTL      time.Duration
}

// MetricsSnapshot is the periodic aggregate published as monitoring_update.
type MetricsSnapshot struct {
	ActiveSubscriptions int     `json:"active_subscriptions"`
	WindowSize          int     `json:"event_window_size"`
	ProcessedPerMinute  float64 `json:"processed_per_minute"`
	SuccessRate         float64 `json:"success_rate"`
	TotalPublished      uint64  `json:"total_published"`
}

// Envelope is the JSON frame pushed to subscriber channels.
type Envelope struct {
	Type      string           `json:"type"`
	Event     *Event           `json:"event,omitempty"`
	Metrics   *MetricsSnapshot `json:"metrics,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Sender is the transport side of a subscription. A failed Send removes the
// subscription; there is no per-subscriber buffering.
type Sender interface {
	Send(env Envelope) error
}

type Filters struct {
	Unit          string
	CorrelationID string
	MinPriority   int
}

type SubscribeOptions struct {
	Channels []string
	Kinds    []string
	Filters  Filters
}

type Subscription struct {
	ID        string
	ClientID  string
	Channels  []string
	Kinds     []string
	Filters   Filters
	CreatedAt time.Time

	delivered atomic.Int64
	sender    Sender
}

// Delivered reports how many envelopes were pushed to this subscription.
func (s *Subscription) Delivered() int64 {
	return s.delivered.Load()
}

// Matches reports whether the event passes this subscription's channel, kind
// and field filters.
func (s *Subscription) Matches(ev *Event) bool {
	if !channelsIntersect(s.Channels, ev.Channels) {
		return false
	}
	if len(s.Kinds) > 0 && !contains(s.Kinds, ev.Kind) {
		return false
	}
	if s.Filters.Unit != "" && s.Filters.Unit != ev.Unit {
		return false
	}
	if s.Filters.CorrelationID != "" && s.Filters.CorrelationID != ev.CorrelationID {
		return false
	}
	if s.Filters.MinPriority > 0 && ev.Priority < s.Filters.MinPriority {
		return false
	}
	return true
}

func channelsIntersect(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if w == ChannelAll {
			return true
		}
		if contains(have, w) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
