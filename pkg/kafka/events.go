package kafka

import (
	"time"
)

// AuditEvent is a single entry on the audit firehose. Every denial and
// security-relevant lifecycle transition becomes one of these.
type AuditEvent struct {
	EventID        string                 `json:"event_id"`
	EventType      string                 `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         string                 `json:"source"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	UserID         *string                `json:"user_id,omitempty"`
	SessionID      *string                `json:"session_id,omitempty"`
	Channel        *string                `json:"channel,omitempty"`
	ClientIP       *string                `json:"client_ip,omitempty"`
	Action         string                 `json:"action"`
	Reason         string                 `json:"reason,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	SchemaVersion  string                 `json:"schema_version"`
}

// NewAuditEvent builds an AuditEvent with timestamp and schema version filled in.
func NewAuditEvent(eventID, eventType, source, organizationID, action string) *AuditEvent {
	return &AuditEvent{
		EventID:        eventID,
		EventType:      eventType,
		Timestamp:      time.Now().UTC(),
		Source:         source,
		OrganizationID: organizationID,
		Action:         action,
		SchemaVersion:  "1.0",
	}
}

// ProducerInterface defines the interface for Kafka producers
type ProducerInterface interface {
	ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error
	PublishAuditEvent(topic string, event *AuditEvent) error
	PublishAuditBatch(topic string, events []AuditEvent) error
	Close() error
	HealthCheck() error
	GetMetrics() (map[string]interface{}, error)
}
