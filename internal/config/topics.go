package config

const (
	// TopicEventStream is the NSQ topic mirroring every broadcast stream event.
	TopicEventStream = "events.stream"

	// TopicMonitoring is the NSQ topic for periodic monitoring snapshots.
	TopicMonitoring = "events.monitoring"

	// TopicAuditTrail is the NSQ topic for completed pipeline audit summaries.
	TopicAuditTrail = "events.audit"

	// TopicWorkflow is the NSQ topic workflow dependencies are forwarded to.
	TopicWorkflow = "events.workflow"
)
