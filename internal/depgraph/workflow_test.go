package depgraph

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	topic string
	body  []byte
	err   error
}

func (p *capturePublisher) Publish(topic string, body []byte) error {
	p.topic = topic
	p.body = body
	return p.err
}

func TestTopicWorkflowApplier_Apply(t *testing.T) {
	pub := &capturePublisher{}
	applier := NewTopicWorkflowApplier(pub, "events.workflow")

	dep := &Dependency{
		ID:         "dep-1",
		SourceUnit: "pricing",
		TargetUnit: "checkout",
		Kind:       KindWorkflow,
		Strength:   6,
	}

	err := applier.Apply(context.Background(), dep, "content_update", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "events.workflow", pub.topic)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(pub.body, &msg))
	assert.Equal(t, "dep-1", msg["dependency_id"])
	assert.Equal(t, "content_update", msg["change_kind"])
	assert.Equal(t, "corr-1", msg["correlation_id"])
}

func TestTopicWorkflowApplier_PublishError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("nsqd down")}
	applier := NewTopicWorkflowApplier(pub, "events.workflow")

	err := applier.Apply(context.Background(), &Dependency{ID: "dep-1"}, "content_update", "corr-1")
	assert.Error(t, err)
}
