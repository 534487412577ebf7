package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/AxonStream/axonpuls/internal/audit"
	"github.com/AxonStream/axonpuls/internal/collab"
	"github.com/AxonStream/axonpuls/internal/connection"
	"github.com/AxonStream/axonpuls/internal/eventlog"
	"github.com/AxonStream/axonpuls/internal/gateway"
	"github.com/AxonStream/axonpuls/internal/healthmon"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/ratelimit"
	"github.com/AxonStream/axonpuls/internal/registry"
	"github.com/AxonStream/axonpuls/internal/router"
	"github.com/AxonStream/axonpuls/internal/store"
	"github.com/AxonStream/axonpuls/internal/tenant"
	"github.com/AxonStream/axonpuls/pkg/auth"
	"github.com/AxonStream/axonpuls/pkg/testutil"
)

var apiSecret = []byte("handlers-test-secret")

const adminToken = "admin-service-token"

type harness struct {
	mock     sqlmock.Sqlmock
	mr       *miniredis.Miniredis
	server   *httptest.Server
	hub      *gateway.Hub
	manager  *connection.Manager
	registry *registry.Registry
	log      *eventlog.Log
	jwt      *testutil.JWTTestHelper
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sub := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = sub.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.New(db, logger)
	log := eventlog.New(client, logger)
	mgr := connection.NewManager(st, client, logger, nil, connection.DefaultConfig())
	limiter := ratelimit.New(client, logger, 100, time.Minute)
	recorder := audit.NewRecorder(st, nil, "", logger, nil)
	engine := collab.NewEngine(st, log, client, logger, nil)
	reg := registry.New(client, logger, nil, &models.ServerNode{
		ID: "node-test", Host: "127.0.0.1", Port: 18020, WSPort: 18020, MaxConnections: 100,
	})
	monitor := healthmon.New(healthmon.Config{NodeID: "node-test", Stats: mgr, Logger: logger})

	hub := gateway.New(gateway.Options{
		NodeID:   "node-test",
		Store:    st,
		Log:      log,
		Resolver: tenant.NewResolver(st, logger, tenant.Config{JWTSecret: apiSecret}),
		Router:   router.New(logger, nil),
		Manager:  mgr,
		Limiter:  limiter,
		Audit:    recorder,
		PubSub:   sub,
		Logger:   logger,
	})
	engine.SetBroadcaster(hub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	opts := Options{
		Hub:       hub,
		Engine:    engine,
		Manager:   mgr,
		Registry:  reg,
		Health:    monitor,
		Log:       log,
		Limiter:   limiter,
		Audit:     recorder,
		KV:        client,
		Logger:    logger,
		JWTSecret: apiSecret,
		APIKeys: map[string]auth.APIKeyIdentity{
			"static-key-1": {OrganizationID: "org-1", UserID: "integration", Role: "admin"},
		},
		ServiceToken: adminToken,
	}
	if tweak != nil {
		tweak(&opts)
	}

	r := gin.New()
	New(opts).Routes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &harness{
		mock:     mock,
		mr:       mr,
		server:   server,
		hub:      hub,
		manager:  mgr,
		registry: reg,
		log:      log,
		jwt:      testutil.NewJWTTestHelperWithSecret(apiSecret),
	}
}

// allowTraffic queues generous store allowances so tests assert on HTTP
// behavior, not on exact SQL traffic.
func (h *harness) allowTraffic(orgs ...string) {
	for _, org := range orgs {
		for i := 0; i < 6; i++ {
			h.mock.ExpectQuery("FROM organizations").WithArgs(org).WillReturnRows(
				sqlmock.NewRows([]string{"id", "slug", "name", "limits", "is_active", "created_at", "updated_at"}).
					AddRow(org, org, "Org "+org, []byte(`{}`), true, time.Now(), time.Now()))
		}
	}
	for i := 0; i < 40; i++ {
		h.mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		h.mock.ExpectExec("INSERT INTO connections").WillReturnResult(sqlmock.NewResult(0, 1))
		h.mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(0, 1))
		h.mock.ExpectExec("INSERT INTO channels").WillReturnResult(sqlmock.NewResult(0, 1))
		h.mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func (h *harness) token(t *testing.T, org, user string, perms ...string) string {
	t.Helper()
	tok, err := h.jwt.GenerateJWTWithClaims(&auth.Claims{
		OrganizationID: org,
		UserID:         user,
		Role:           "user",
		Permissions:    perms,
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (h *harness) do(t *testing.T, method, path, bearer string, body interface{}, hdr map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var out struct {
		Error string `json:"error"`
	}
	decode(t, resp, &out)
	return out.Error
}

// seedEvents appends n events straight onto a channel's log and returns the
// entry ids in append order.
func (h *harness) seedEvents(t *testing.T, org, channel string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ev := &models.Event{
			ID:             uuid.NewString(),
			Type:           fmt.Sprintf("seq.%d", i),
			Channel:        channel,
			OrganizationID: org,
			Payload:        json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			CreatedAt:      time.Now().UTC(),
		}
		id, err := h.log.Append(context.Background(), eventlog.Key(org, channel), eventlog.FieldsFromEvent(ev))
		if err != nil {
			t.Fatalf("seed event %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

// Mock row shapes mirror the store's scan order.

func roomRows(name, org, state string, version int64, cfg string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "organization_id", "state", "version", "config", "created_at", "updated_at",
	}).AddRow("room-1", name, org, []byte(state), version, []byte(cfg), now, now)
}

func branchRows(names ...string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"room_id", "name", "from_snapshot_id", "head_snapshot_id", "conflict_count", "last_activity", "created_at",
	})
	for _, n := range names {
		rows.AddRow("room-1", n, nil, nil, 0, now, now)
	}
	return rows
}

func expectCreateRoom(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rooms").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO branches").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestRoutesRequireCredential(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/magic/rooms", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET /magic/rooms without credential = %d, want 401", resp.StatusCode)
	}

	resp = h.do(t, http.MethodPost, "/events", "", map[string]string{}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("POST /events without credential = %d, want 401", resp.StatusCode)
	}
}

func TestPublishAcceptedAndLogged(t *testing.T) {
	h := newHarness(t, nil)
	h.allowTraffic("org-1")
	tok := h.token(t, "org-1", "user-1", "Event:create")

	resp := h.do(t, http.MethodPost, "/events", tok, map[string]interface{}{
		"channel": "org:org-1:jobs",
		"event": map[string]interface{}{
			"type":    "job.created",
			"payload": map[string]string{"id": "42"},
		},
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish = %d, want 202: %s", resp.StatusCode, errorBody(t, resp))
	}

	var out struct {
		EventID       string `json:"event_id"`
		StreamEntryID string `json:"stream_entry_id"`
		Channel       string `json:"channel"`
	}
	decode(t, resp, &out)
	if out.EventID == "" || out.StreamEntryID == "" {
		t.Fatalf("response missing ids: %+v", out)
	}
	if out.Channel != "org:org-1:jobs" {
		t.Fatalf("channel = %q", out.Channel)
	}
	if !h.mr.Exists(eventlog.Key("org-1", "org:org-1:jobs")) {
		t.Fatal("publish did not append to the channel log")
	}
}

func TestPublishRequiresEventCreate(t *testing.T) {
	h := newHarness(t, nil)
	h.allowTraffic("org-1")
	tok := h.token(t, "org-1", "user-1") // no permissions

	resp := h.do(t, http.MethodPost, "/events", tok, map[string]interface{}{
		"channel": "org:org-1:jobs",
		"event":   map[string]interface{}{"type": "job.created", "payload": map[string]string{}},
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("publish without permission = %d, want 403", resp.StatusCode)
	}
	if msg := errorBody(t, resp); !strings.Contains(msg, "Event:create") {
		t.Fatalf("error = %q, want mention of the missing permission", msg)
	}
}

func TestPublishRejectsForeignChannel(t *testing.T) {
	h := newHarness(t, nil)
	h.allowTraffic("org-1")
	tok := h.token(t, "org-1", "user-1", "Event:create")

	resp := h.do(t, http.MethodPost, "/events", tok, map[string]interface{}{
		"channel": "org:org-2:jobs",
		"event":   map[string]interface{}{"type": "job.created", "payload": map[string]string{}},
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-org publish = %d, want 403", resp.StatusCode)
	}
}

func TestPublishRejectsMalformedBody(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "org-1", "user-1", "Event:create")

	// Channel shape is enforced before any permission or budget spend.
	resp := h.do(t, http.MethodPost, "/events", tok, map[string]interface{}{
		"channel": "not-a-channel",
		"event":   map[string]interface{}{"type": "x", "payload": map[string]string{}},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad channel = %d, want 400", resp.StatusCode)
	}

	resp = h.do(t, http.MethodPost, "/events", tok, map[string]interface{}{
		"channel": "org:org-1:jobs",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing event = %d, want 400", resp.StatusCode)
	}
}

func TestPublishBudgetExhaustedMapsTo429(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Limiter = ratelimit.New(o.KV, o.Logger, 1, time.Minute)
	})
	h.allowTraffic("org-1")
	tok := h.token(t, "org-1", "user-1", "Event:create")

	body := map[string]interface{}{
		"channel": "org:org-1:jobs",
		"event":   map[string]interface{}{"type": "tick", "payload": map[string]string{}},
	}
	// Burst capacity is twice the steady rate.
	for i := 0; i < 2; i++ {
		if resp := h.do(t, http.MethodPost, "/events", tok, body, nil); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("publish %d = %d, want 202", i+1, resp.StatusCode)
		}
	}
	resp := h.do(t, http.MethodPost, "/events", tok, body, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("publish over budget = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 response missing Retry-After")
	}
}

func TestReplayPagesForwardWithCursor(t *testing.T) {
	h := newHarness(t, nil)
	h.seedEvents(t, "org-1", "org:org-1:jobs", 5)
	tok := h.token(t, "org-1", "user-1", "Event:read")

	type page struct {
		Channel    string          `json:"channel"`
		Events     []*models.Event `json:"events"`
		Pagination struct {
			TotalCount  int32   `json:"totalCount"`
			HasNextPage bool    `json:"hasNextPage"`
			EndCursor   *string `json:"endCursor"`
		} `json:"pagination"`
	}

	resp := h.do(t, http.MethodGet, "/channels/org:org-1:jobs/replay?first=2", tok, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay = %d, want 200: %s", resp.StatusCode, errorBody(t, resp))
	}
	var p1 page
	decode(t, resp, &p1)
	if len(p1.Events) != 2 || p1.Events[0].Type != "seq.0" || p1.Events[1].Type != "seq.1" {
		t.Fatalf("page 1 = %d events, first types %v", len(p1.Events), eventTypes(p1.Events))
	}
	if !p1.Pagination.HasNextPage || p1.Pagination.EndCursor == nil {
		t.Fatalf("page 1 pagination = %+v, want next page and cursor", p1.Pagination)
	}
	if p1.Pagination.TotalCount != 5 {
		t.Fatalf("total = %d, want 5", p1.Pagination.TotalCount)
	}

	resp = h.do(t, http.MethodGet, "/channels/org:org-1:jobs/replay?first=2&after="+url.QueryEscape(*p1.Pagination.EndCursor), tok, nil, nil)
	var p2 page
	decode(t, resp, &p2)
	if len(p2.Events) != 2 || p2.Events[0].Type != "seq.2" || p2.Events[1].Type != "seq.3" {
		t.Fatalf("page 2 types = %v, want seq.2 seq.3", eventTypes(p2.Events))
	}

	resp = h.do(t, http.MethodGet, "/channels/org:org-1:jobs/replay?first=2&after="+url.QueryEscape(*p2.Pagination.EndCursor), tok, nil, nil)
	var p3 page
	decode(t, resp, &p3)
	if len(p3.Events) != 1 || p3.Events[0].Type != "seq.4" {
		t.Fatalf("page 3 types = %v, want seq.4", eventTypes(p3.Events))
	}
	if p3.Pagination.HasNextPage {
		t.Fatal("page 3 claims another page")
	}
}

func eventTypes(evs []*models.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestReplayRejectsBackwardPagination(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "org-1", "user-1", "Event:read")

	resp := h.do(t, http.MethodGet, "/channels/org:org-1:jobs/replay?last=2", tok, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("backward replay = %d, want 400", resp.StatusCode)
	}
}

func TestReplayEnforcesTenancyAndPermission(t *testing.T) {
	h := newHarness(t, nil)
	h.allowTraffic("org-1")

	noPerm := h.token(t, "org-1", "user-1", "Channel:read")
	resp := h.do(t, http.MethodGet, "/channels/org:org-1:jobs/replay", noPerm, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("replay without Event:read = %d, want 403", resp.StatusCode)
	}

	reader := h.token(t, "org-1", "user-1", "Event:read")
	resp = h.do(t, http.MethodGet, "/channels/org:org-2:jobs/replay", reader, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign channel replay = %d, want 403", resp.StatusCode)
	}
}

func TestRoomCreateStateAndOperation(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "org-1", "user-1")

	expectCreateRoom(h.mock)
	resp := h.do(t, http.MethodPost, "/magic/rooms", tok, map[string]interface{}{
		"name":          "doc",
		"initial_state": map[string]string{"title": "draft"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create room = %d, want 201: %s", resp.StatusCode, errorBody(t, resp))
	}
	var created struct {
		Room models.Room `json:"room"`
	}
	decode(t, resp, &created)
	if created.Room.Name != "doc" || created.Room.Version != 0 {
		t.Fatalf("created room = %+v", created.Room)
	}

	h.mock.ExpectQuery("FROM rooms").
		WillReturnRows(roomRows("doc", "org-1", `{"title":"draft"}`, 0, `{"conflict_resolution":"last_write_wins"}`))
	resp = h.do(t, http.MethodGet, "/magic/rooms/doc/state", tok, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("room state = %d, want 200", resp.StatusCode)
	}

	h.mock.ExpectQuery("FROM rooms").
		WillReturnRows(roomRows("doc", "org-1", `{"title":"draft"}`, 0, `{"conflict_resolution":"last_write_wins"}`))
	h.mock.ExpectExec("UPDATE rooms").WillReturnResult(sqlmock.NewResult(0, 1))
	resp = h.do(t, http.MethodPost, "/magic/rooms/doc/operation", tok, map[string]interface{}{
		"type":         "set",
		"path":         []string{"title"},
		"value":        "final",
		"client_id":    "alice",
		"base_version": 0,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operation = %d, want 200: %s", resp.StatusCode, errorBody(t, resp))
	}
	var opRes struct {
		Version     int64 `json:"version"`
		Transformed bool  `json:"transformed"`
		Dropped     bool  `json:"dropped"`
	}
	decode(t, resp, &opRes)
	if opRes.Version != 1 || opRes.Transformed || opRes.Dropped {
		t.Fatalf("operation result = %+v, want clean apply at version 1", opRes)
	}
}

func TestRoomStateMissingIs404(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "org-1", "user-1")

	h.mock.ExpectQuery("FROM rooms").WillReturnError(sql.ErrNoRows)
	resp := h.do(t, http.MethodGet, "/magic/rooms/ghost/state", tok, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing room = %d, want 404", resp.StatusCode)
	}
}

func TestRoomOperationRejectsUnknownType(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "org-1", "user-1")

	resp := h.do(t, http.MethodPost, "/magic/rooms/doc/operation", tok, map[string]interface{}{
		"type":      "bogus",
		"client_id": "alice",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown op type = %d, want 400", resp.StatusCode)
	}
}

func TestListRoomsAndBranches(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "org-1", "user-1")

	now := time.Now()
	h.mock.ExpectQuery("FROM rooms").WillReturnRows(sqlmock.NewRows([]string{
		"id", "name", "organization_id", "state", "version", "config", "created_at", "updated_at",
	}).AddRow("room-1", "doc", "org-1", []byte(`{}`), int64(3), []byte(`{}`), now, now).
		AddRow("room-2", "board", "org-1", []byte(`{}`), int64(7), []byte(`{}`), now, now))

	resp := h.do(t, http.MethodGet, "/magic/rooms", tok, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list rooms = %d, want 200", resp.StatusCode)
	}
	var rooms struct {
		Rooms []models.Room `json:"rooms"`
		Count int           `json:"count"`
	}
	decode(t, resp, &rooms)
	if rooms.Count != 2 || len(rooms.Rooms) != 2 {
		t.Fatalf("rooms = %+v", rooms)
	}

	h.mock.ExpectQuery("FROM rooms").
		WillReturnRows(roomRows("doc", "org-1", `{}`, 3, `{}`))
	h.mock.ExpectQuery("FROM branches").
		WillReturnRows(branchRows("main", "draft"))
	resp = h.do(t, http.MethodGet, "/magic/rooms/doc/branches", tok, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list branches = %d, want 200: %s", resp.StatusCode, errorBody(t, resp))
	}
	var branches struct {
		Branches []models.Branch `json:"branches"`
		Count    int             `json:"count"`
	}
	decode(t, resp, &branches)
	if branches.Count != 2 {
		t.Fatalf("branches = %+v, want 2", branches)
	}
}

func TestPresenceLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "org-1", "user-1")
	presenceCfg := `{"presence":true,"conflict_resolution":"last_write_wins"}`

	h.mock.ExpectQuery("FROM rooms").
		WillReturnRows(roomRows("doc", "org-1", `{}`, 0, presenceCfg))
	resp := h.do(t, http.MethodPost, "/magic/doc/join", tok, map[string]string{"session_id": "sess-a"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join = %d, want 200: %s", resp.StatusCode, errorBody(t, resp))
	}

	h.mock.ExpectQuery("FROM rooms").
		WillReturnRows(roomRows("doc", "org-1", `{}`, 0, presenceCfg))
	resp = h.do(t, http.MethodGet, "/magic/rooms/doc/presence", tok, nil, nil)
	var present struct {
		Members []string `json:"members"`
		Count   int      `json:"count"`
	}
	decode(t, resp, &present)
	if present.Count != 1 || present.Members[0] != "user-1" {
		t.Fatalf("presence after join = %+v, want user-1", present)
	}

	h.mock.ExpectQuery("FROM rooms").
		WillReturnRows(roomRows("doc", "org-1", `{}`, 0, presenceCfg))
	resp = h.do(t, http.MethodPost, "/magic/doc/leave", tok, map[string]string{"session_id": "sess-a"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave = %d, want 200", resp.StatusCode)
	}

	h.mock.ExpectQuery("FROM rooms").
		WillReturnRows(roomRows("doc", "org-1", `{}`, 0, presenceCfg))
	resp = h.do(t, http.MethodGet, "/magic/rooms/doc/presence", tok, nil, nil)
	var after struct {
		Members []string `json:"members"`
		Count   int      `json:"count"`
	}
	decode(t, resp, &after)
	if after.Count != 0 {
		t.Fatalf("presence after leave = %+v, want empty", after)
	}
}

func TestIdempotentCreateReplaysFirstResponse(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "org-1", "user-1")
	hdr := map[string]string{"Idempotency-Key": "create-doc-1"}

	// Only one transaction is queued: a second engine call would fail loudly.
	expectCreateRoom(h.mock)

	resp := h.do(t, http.MethodPost, "/magic/rooms", tok, map[string]string{"name": "doc"}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create = %d, want 201: %s", resp.StatusCode, errorBody(t, resp))
	}
	var first struct {
		Room models.Room `json:"room"`
	}
	decode(t, resp, &first)

	resp = h.do(t, http.MethodPost, "/magic/rooms", tok, map[string]string{"name": "doc"}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replayed create = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("X-Idempotent-Replayed") != "true" {
		t.Fatal("replay missing the replay marker header")
	}
	var second struct {
		Room models.Room `json:"room"`
	}
	decode(t, resp, &second)
	if second.Room.ID != first.Room.ID {
		t.Fatalf("replayed room id = %s, want %s", second.Room.ID, first.Room.ID)
	}
}

func TestIdempotencyScopedPerOrganization(t *testing.T) {
	h := newHarness(t, nil)
	hdr := map[string]string{"Idempotency-Key": "create-doc-1"}

	expectCreateRoom(h.mock)
	expectCreateRoom(h.mock)

	resp := h.do(t, http.MethodPost, "/magic/rooms", h.token(t, "org-1", "user-1"),
		map[string]string{"name": "doc"}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("org-1 create = %d, want 201", resp.StatusCode)
	}

	// Same key, different organization: must execute, not replay.
	resp = h.do(t, http.MethodPost, "/magic/rooms", h.token(t, "org-2", "user-2"),
		map[string]string{"name": "doc"}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("org-2 create = %d, want 201: %s", resp.StatusCode, errorBody(t, resp))
	}
	if resp.Header.Get("X-Idempotent-Replayed") == "true" {
		t.Fatal("idempotency key leaked across organizations")
	}
}

func TestAdminSurfaceRequiresServiceToken(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/admin/connections", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("admin without token = %d, want 401", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/admin/connections", "wrong-token", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("admin with bad token = %d, want 401", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/admin/connections", adminToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin with service token = %d, want 200", resp.StatusCode)
	}
}

func TestAdminSurfaceDisabledWithoutConfiguredToken(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ServiceToken = "" })

	resp := h.do(t, http.MethodGet, "/admin/connections", adminToken, nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("disabled admin = %d, want 503", resp.StatusCode)
	}
}

func TestAdminSuspendAndResume(t *testing.T) {
	h := newHarness(t, nil)
	h.allowTraffic("org-1")

	tc := models.TenantContext{OrganizationID: "org-1", UserID: "user-1"}
	if _, err := h.manager.Register(context.Background(), tc, "sess-1", "web", nil); err != nil {
		t.Fatalf("register session: %v", err)
	}

	resp := h.do(t, http.MethodPost, "/admin/connections/sess-1/suspend", adminToken,
		map[string]string{"reason": "abuse report"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend = %d, want 200: %s", resp.StatusCode, errorBody(t, resp))
	}
	var suspended struct {
		Connection models.Connection `json:"connection"`
	}
	decode(t, resp, &suspended)
	if suspended.Connection.Status != models.StatusSuspended {
		t.Fatalf("status after suspend = %s", suspended.Connection.Status)
	}

	resp = h.do(t, http.MethodPost, "/admin/connections/sess-1/resume", adminToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume = %d, want 200: %s", resp.StatusCode, errorBody(t, resp))
	}
	var resumed struct {
		Connection models.Connection `json:"connection"`
	}
	decode(t, resp, &resumed)
	if resumed.Connection.Status != models.StatusConnected {
		t.Fatalf("status after resume = %s", resumed.Connection.Status)
	}

	// A second resume finds the session already live.
	resp = h.do(t, http.MethodPost, "/admin/connections/sess-1/resume", adminToken, nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double resume = %d, want 409", resp.StatusCode)
	}

	resp = h.do(t, http.MethodPost, "/admin/connections/ghost/suspend", adminToken, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("suspend unknown session = %d, want 404", resp.StatusCode)
	}
}

func TestAdminListConnectionsFiltersByOrganization(t *testing.T) {
	h := newHarness(t, nil)
	h.allowTraffic("org-1", "org-2")

	ctx := context.Background()
	if _, err := h.manager.Register(ctx, models.TenantContext{OrganizationID: "org-1", UserID: "u1"}, "s1", "web", nil); err != nil {
		t.Fatalf("register s1: %v", err)
	}
	if _, err := h.manager.Register(ctx, models.TenantContext{OrganizationID: "org-2", UserID: "u2"}, "s2", "web", nil); err != nil {
		t.Fatalf("register s2: %v", err)
	}

	resp := h.do(t, http.MethodGet, "/admin/connections?organization_id=org-1", adminToken, nil, nil)
	var out struct {
		Connections []models.Connection `json:"connections"`
		Count       int                 `json:"count"`
	}
	decode(t, resp, &out)
	if out.Count != 1 || out.Connections[0].SessionID != "s1" {
		t.Fatalf("filtered connections = %+v", out)
	}
}

func TestAdminClusterListsNodes(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.registry.Register(context.Background()); err != nil {
		t.Fatalf("registry register: %v", err)
	}

	resp := h.do(t, http.MethodGet, "/admin/cluster", adminToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cluster = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Nodes []models.ServerNode `json:"nodes"`
		Count int                 `json:"count"`
		Self  models.ServerNode   `json:"self"`
	}
	decode(t, resp, &out)
	if out.Count != 1 || out.Nodes[0].ID != "node-test" {
		t.Fatalf("cluster nodes = %+v", out)
	}
	if out.Self.ID != "node-test" {
		t.Fatalf("self = %+v", out.Self)
	}
}

func TestAdminAlertsEmptyOnQuietNode(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/admin/alerts", adminToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alerts = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Alerts []json.RawMessage      `json:"alerts"`
		Status map[string]interface{} `json:"status"`
	}
	decode(t, resp, &out)
	if len(out.Alerts) != 0 {
		t.Fatalf("alerts on a quiet node = %d, want none", len(out.Alerts))
	}
	if out.Status == nil {
		t.Fatal("status snapshot missing")
	}
}

func TestAPIKeyIdentityCanPublish(t *testing.T) {
	h := newHarness(t, nil)
	h.allowTraffic("org-1")

	resp := h.do(t, http.MethodPost, "/events", "static-key-1", map[string]interface{}{
		"channel": "org:org-1:jobs",
		"event":   map[string]interface{}{"type": "deploy.done", "payload": map[string]string{}},
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("API key publish = %d, want 202: %s", resp.StatusCode, errorBody(t, resp))
	}
}
