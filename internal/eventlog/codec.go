package eventlog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/AxonStream/axonpuls/internal/models"
)

// Stream field names. Values are flat strings so entries stay readable from
// redis-cli.
const (
	fieldID            = "id"
	fieldType          = "type"
	fieldChannel       = "channel"
	fieldOrgID         = "org_id"
	fieldUserID        = "user_id"
	fieldPayload       = "payload"
	fieldAck           = "ack"
	fieldCorrelationID = "correlation_id"
	fieldCreatedMs     = "created_ms"
)

// FieldsFromEvent flattens an event into stream fields.
func FieldsFromEvent(ev *models.Event) map[string]interface{} {
	fields := map[string]interface{}{
		fieldID:        ev.ID,
		fieldType:      ev.Type,
		fieldChannel:   ev.Channel,
		fieldOrgID:     ev.OrganizationID,
		fieldPayload:   string(ev.Payload),
		fieldCreatedMs: strconv.FormatInt(ev.CreatedAt.UnixMilli(), 10),
	}
	if ev.UserID != nil {
		fields[fieldUserID] = *ev.UserID
	}
	if ev.Acknowledgment {
		fields[fieldAck] = "1"
	}
	if ev.CorrelationID != nil {
		fields[fieldCorrelationID] = *ev.CorrelationID
	}
	return fields
}

// EventFromEntry rebuilds an event from a stream entry. The stream entry id is
// carried on the event so clients can resume replay from it.
func EventFromEntry(entry Entry) (*models.Event, error) {
	ev := &models.Event{StreamEntryID: entry.ID}

	var ok bool
	if ev.ID, ok = stringField(entry.Fields, fieldID); !ok {
		return nil, fmt.Errorf("entry %s: missing id field", entry.ID)
	}
	if ev.Type, ok = stringField(entry.Fields, fieldType); !ok {
		return nil, fmt.Errorf("entry %s: missing type field", entry.ID)
	}
	ev.Channel, _ = stringField(entry.Fields, fieldChannel)
	ev.OrganizationID, _ = stringField(entry.Fields, fieldOrgID)

	if payload, ok := stringField(entry.Fields, fieldPayload); ok && payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	if userID, ok := stringField(entry.Fields, fieldUserID); ok && userID != "" {
		ev.UserID = &userID
	}
	if ack, ok := stringField(entry.Fields, fieldAck); ok && ack == "1" {
		ev.Acknowledgment = true
	}
	if corr, ok := stringField(entry.Fields, fieldCorrelationID); ok && corr != "" {
		ev.CorrelationID = &corr
	}
	if ms, ok := stringField(entry.Fields, fieldCreatedMs); ok {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			ev.CreatedAt = time.UnixMilli(v).UTC()
		}
	}
	return ev, nil
}

func stringField(fields map[string]interface{}, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
