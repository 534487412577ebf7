package models

import (
	"time"
)

// NodeStatus is the registry state of a server node.
type NodeStatus string

const (
	NodeActive   NodeStatus = "active"
	NodeDraining NodeStatus = "draining"
	NodeInactive NodeStatus = "inactive"
)

// ServerNode is one process in the cluster as published to the shared
// registry. Records are refreshed by heartbeat and reaped once stale.
type ServerNode struct {
	ID             string     `json:"id"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	WSPort         int        `json:"ws_port"`
	Status         NodeStatus `json:"status"`
	Capabilities   []string   `json:"capabilities,omitempty"`
	Connections    int        `json:"connections"`
	MaxConnections int        `json:"max_connections"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	StartedAt      time.Time  `json:"started_at"`
	Version        string     `json:"version"`
	Region         *string    `json:"region,omitempty"`
	Zone           *string    `json:"zone,omitempty"`
}

// HasCapacity reports whether the node should receive new placements. Nodes
// above 90% of their ceiling are treated as full.
func (n *ServerNode) HasCapacity() bool {
	if n.Status != NodeActive {
		return false
	}
	if n.MaxConnections <= 0 {
		return true
	}
	return float64(n.Connections) < 0.9*float64(n.MaxConnections)
}

// Load is the occupancy ratio used to pick the least-loaded node.
func (n *ServerNode) Load() float64 {
	if n.MaxConnections <= 0 {
		return 0
	}
	return float64(n.Connections) / float64(n.MaxConnections)
}
