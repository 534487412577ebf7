package models

import (
	"encoding/json"
	"time"
)

// Channel is a tenant-scoped message topic. The name carries the isolation
// prefix org:{orgId}: which is enforced at every boundary.
type Channel struct {
	Name           string    `json:"name" db:"name"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Event is an immutable message appended to a channel's stream. StreamEntryID
// is the monotone id assigned by the log on append and orders events per channel.
type Event struct {
	ID             string          `json:"id" db:"id"`
	Type           string          `json:"type" db:"type"`
	Channel        string          `json:"channel" db:"channel"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	UserID         *string         `json:"user_id,omitempty" db:"user_id"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Acknowledgment bool            `json:"acknowledgment" db:"acknowledgment"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	StreamEntryID  string          `json:"stream_entry_id" db:"stream_entry_id"`
	CorrelationID  *string         `json:"correlation_id,omitempty" db:"correlation_id"`
}

// AuditRecord captures a security-relevant decision (denial, admission,
// suspension). Written to the store and, when configured, the Kafka firehose.
type AuditRecord struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Subject        string    `json:"subject" db:"subject"`
	Action         string    `json:"action" db:"action"`
	Reason         string    `json:"reason" db:"reason"`
	ClientIP       *string   `json:"client_ip,omitempty" db:"client_ip"`
	Details        JSONB     `json:"details,omitempty" db:"details"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
