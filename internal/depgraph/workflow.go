package depgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EventPublisher publishes to a durable topic. Satisfied by *nsq.Producer.
type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// TopicWorkflowApplier forwards workflow dependencies to a message topic so
// downstream workers apply the actual rules.
type TopicWorkflowApplier struct {
	publisher EventPublisher
	topic     string
}

func NewTopicWorkflowApplier(publisher EventPublisher, topic string) *TopicWorkflowApplier {
	return &TopicWorkflowApplier{publisher: publisher, topic: topic}
}

type workflowMessage struct {
	DependencyID  string `json:"dependency_id"`
	SourceUnit    string `json:"source_unit"`
	SourceSubUnit string `json:"source_sub_unit,omitempty"`
	TargetUnit    string `json:"target_unit"`
	TargetSubUnit string `json:"target_sub_unit,omitempty"`
	Strength      int    `json:"strength"`
	ChangeKind    string `json:"change_kind"`
	CorrelationID string `json:"correlation_id"`
	TriggeredAt   string `json:"triggered_at"`
}

func (a *TopicWorkflowApplier) Apply(ctx context.Context, dep *Dependency, changeKind, correlationID string) error {
	msg := workflowMessage{
		DependencyID:  dep.ID,
		SourceUnit:    dep.SourceUnit,
		SourceSubUnit: dep.SourceSubUnit,
		TargetUnit:    dep.TargetUnit,
		TargetSubUnit: dep.TargetSubUnit,
		Strength:      dep.Strength,
		ChangeKind:    changeKind,
		CorrelationID: correlationID,
		TriggeredAt:   time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal workflow message: %w", err)
	}
	if err := a.publisher.Publish(a.topic, body); err != nil {
		return fmt.Errorf("publish workflow message: %w", err)
	}

	slog.InfoContext(ctx, "workflow dependency forwarded",
		"dependency_id", dep.ID, "target", dep.targetKey().String(), "topic", a.topic)
	return nil
}
