package kafka

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewAuditEventFillsDefaults(t *testing.T) {
	evt := NewAuditEvent("evt-1", "RATE_LIMIT_EXCEEDED", "axonpuls", "org-1", "publish")

	if evt.SchemaVersion != "1.0" {
		t.Fatalf("expected schema version 1.0, got %s", evt.SchemaVersion)
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	if evt.OrganizationID != "org-1" {
		t.Fatalf("expected organization org-1, got %s", evt.OrganizationID)
	}
}

func TestAuditEventOmitsEmptyOptionalFields(t *testing.T) {
	evt := NewAuditEvent("evt-2", "AUTH_FAILED", "axonpuls", "", "connect")
	evt.Timestamp = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"organization_id", "user_id", "session_id", "channel", "client_ip"} {
		if _, present := m[key]; present {
			t.Fatalf("expected %s to be omitted when empty", key)
		}
	}
	if m["action"] != "connect" {
		t.Fatalf("expected action connect, got %v", m["action"])
	}
}
