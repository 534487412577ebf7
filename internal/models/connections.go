package models

import (
	"time"
)

// ConnectionStatus is the session lifecycle state.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusReconnecting ConnectionStatus = "RECONNECTING"
	StatusSuspended    ConnectionStatus = "SUSPENDED"
	StatusFailed       ConnectionStatus = "FAILED"
)

// ConnectionQuality classifies a session's network condition.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "EXCELLENT"
	QualityGood      ConnectionQuality = "GOOD"
	QualityPoor      ConnectionQuality = "POOR"
	QualityCritical  ConnectionQuality = "CRITICAL"
)

// Connection is a live (or recently live) socket session. It is owned
// exclusively by the node that accepted it; other nodes reference it by ID.
type Connection struct {
	SessionID      string           `json:"session_id" db:"session_id"`
	OrganizationID string           `json:"organization_id" db:"organization_id"`
	UserID         *string          `json:"user_id,omitempty" db:"user_id"`
	ClientType     string           `json:"client_type" db:"client_type"`
	Status         ConnectionStatus `json:"status" db:"status"`

	ConnectedAt    time.Time  `json:"connected_at" db:"connected_at"`
	LastHeartbeat  time.Time  `json:"last_heartbeat" db:"last_heartbeat"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty" db:"disconnected_at"`

	// Reconnection bookkeeping
	ReconnectAttempts    int        `json:"reconnect_attempts" db:"reconnect_attempts"`
	MaxReconnectAttempts int        `json:"max_reconnect_attempts" db:"max_reconnect_attempts"`
	NextReconnectAt      *time.Time `json:"next_reconnect_at,omitempty" db:"next_reconnect_at"`

	// Network condition
	Quality             ConnectionQuality `json:"quality" db:"quality"`
	LatencyMs           int64             `json:"latency_ms" db:"latency_ms"`
	MissedHeartbeats    int               `json:"missed_heartbeats" db:"missed_heartbeats"`
	TotalDisconnections int               `json:"total_disconnections" db:"total_disconnections"`

	Metadata   JSONB      `json:"metadata,omitempty" db:"metadata"`
	LastDBSync *time.Time `json:"last_db_sync,omitempty" db:"last_db_sync"`
}

// Clone returns a deep-enough copy for handing stats out of the manager
// without exposing the live struct.
func (c *Connection) Clone() *Connection {
	cp := *c
	if c.UserID != nil {
		v := *c.UserID
		cp.UserID = &v
	}
	if c.DisconnectedAt != nil {
		v := *c.DisconnectedAt
		cp.DisconnectedAt = &v
	}
	if c.NextReconnectAt != nil {
		v := *c.NextReconnectAt
		cp.NextReconnectAt = &v
	}
	if c.LastDBSync != nil {
		v := *c.LastDBSync
		cp.LastDBSync = &v
	}
	if c.Metadata != nil {
		cp.Metadata = make(JSONB, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
