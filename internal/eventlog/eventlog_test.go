package eventlog

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/AxonStream/axonpuls/internal/models"
)

func newTestLog(t *testing.T, opts ...Option) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(client, logger, opts...), mr
}

func appendEvent(t *testing.T, log *Log, key, id, eventType string) string {
	t.Helper()
	ev := &models.Event{
		ID:             id,
		Type:           eventType,
		Channel:        "org:o1:chat",
		OrganizationID: "o1",
		Payload:        json.RawMessage(`{"n":1}`),
		CreatedAt:      time.Now().UTC(),
	}
	entryID, err := log.Append(context.Background(), key, FieldsFromEvent(ev))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return entryID
}

func TestAppendReadRoundTrip(t *testing.T) {
	log, _ := newTestLog(t)
	key := Key("o1", "org:o1:chat")

	appendEvent(t, log, key, "E1", "message.sent")
	appendEvent(t, log, key, "E2", "message.sent")
	appendEvent(t, log, key, "E3", "message.edited")

	entries, err := log.Read(context.Background(), key, "0", 100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	first, err := EventFromEntry(entries[0])
	if err != nil {
		t.Fatalf("EventFromEntry: %v", err)
	}
	if first.ID != "E1" {
		t.Fatalf("replay from the beginning must start at the first event, got %s", first.ID)
	}
	if first.StreamEntryID != entries[0].ID {
		t.Fatalf("expected stream entry id %s on event, got %s", entries[0].ID, first.StreamEntryID)
	}
	if first.Channel != "org:o1:chat" || first.OrganizationID != "o1" {
		t.Fatalf("unexpected channel/org: %s/%s", first.Channel, first.OrganizationID)
	}
}

func TestEntryIDsMonotonic(t *testing.T) {
	log, _ := newTestLog(t)
	key := Key("o1", "org:o1:chat")

	var prev string
	for i := 0; i < 10; i++ {
		id := appendEvent(t, log, key, "E", "tick")
		if prev != "" && CompareIDs(prev, id) >= 0 {
			t.Fatalf("entry ids must be strictly increasing: %s then %s", prev, id)
		}
		prev = id
	}
}

func TestReadAfterResumes(t *testing.T) {
	log, _ := newTestLog(t)
	key := Key("o1", "org:o1:chat")

	appendEvent(t, log, key, "E1", "a")
	second := appendEvent(t, log, key, "E2", "b")
	appendEvent(t, log, key, "E3", "c")

	entries, err := log.ReadAfter(context.Background(), key, second, 100)
	if err != nil {
		t.Fatalf("ReadAfter: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after %s, got %d", second, len(entries))
	}
	ev, err := EventFromEntry(entries[0])
	if err != nil {
		t.Fatalf("EventFromEntry: %v", err)
	}
	if ev.ID != "E3" {
		t.Fatalf("expected E3 after resume point, got %s", ev.ID)
	}
}

func TestAppendTrimsStream(t *testing.T) {
	log, _ := newTestLog(t, WithMaxLen(5))
	key := Key("o1", "org:o1:busy")

	for i := 0; i < 20; i++ {
		appendEvent(t, log, key, "E", "tick")
	}

	n, err := log.Length(context.Background(), key)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n == 0 || n > 5 {
		t.Fatalf("expected stream trimmed to at most 5 entries, got %d", n)
	}
}

func TestCreateGroupIdempotent(t *testing.T) {
	log, _ := newTestLog(t)
	key := Key("o1", "org:o1:chat")

	if err := log.CreateGroup(context.Background(), key, "dispatch", "0"); err != nil {
		t.Fatalf("first CreateGroup: %v", err)
	}
	if err := log.CreateGroup(context.Background(), key, "dispatch", "0"); err != nil {
		t.Fatalf("second CreateGroup must tolerate existing group: %v", err)
	}
}

func TestReadGroupAckFlow(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	key := Key("o1", "org:o1:chat")

	if err := log.CreateGroup(ctx, key, "dispatch", "0"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	appendEvent(t, log, key, "E1", "a")
	appendEvent(t, log, key, "E2", "b")

	entries, err := log.ReadGroup(ctx, key, "dispatch", "node-1", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 delivered entries, got %d", len(entries))
	}

	if err := log.Ack(ctx, key, "dispatch", entries[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	again, err := log.ReadGroup(ctx, key, "dispatch", "node-1", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup after ack: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("already delivered entries must not be redelivered on >, got %d", len(again))
	}
}

func TestEventCodecOptionalFields(t *testing.T) {
	user := "u1"
	corr := "req-9"
	ev := &models.Event{
		ID:             "E9",
		Type:           "alert",
		Channel:        "org:o1:ops",
		OrganizationID: "o1",
		UserID:         &user,
		Payload:        json.RawMessage(`{"level":"high"}`),
		Acknowledgment: true,
		CorrelationID:  &corr,
		CreatedAt:      time.UnixMilli(1700000000000).UTC(),
	}

	got, err := EventFromEntry(Entry{ID: "1-1", Fields: FieldsFromEvent(ev)})
	if err != nil {
		t.Fatalf("EventFromEntry: %v", err)
	}
	if got.UserID == nil || *got.UserID != "u1" {
		t.Fatalf("user id lost in codec: %+v", got.UserID)
	}
	if !got.Acknowledgment {
		t.Fatal("acknowledgment flag lost in codec")
	}
	if got.CorrelationID == nil || *got.CorrelationID != "req-9" {
		t.Fatalf("correlation id lost in codec: %+v", got.CorrelationID)
	}
	if !got.CreatedAt.Equal(ev.CreatedAt) {
		t.Fatalf("created at drifted: %v vs %v", got.CreatedAt, ev.CreatedAt)
	}
}

func TestCompareIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1-1", "1-2", -1},
		{"2-0", "1-9", 1},
		{"5-3", "5-3", 0},
		{"10-0", "9-99", 1},
	}
	for _, tc := range cases {
		if got := CompareIDs(tc.a, tc.b); got != tc.want {
			t.Fatalf("CompareIDs(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
