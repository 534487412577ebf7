package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/axonpuls/internal/audit"
	"github.com/AxonStream/axonpuls/internal/connection"
	"github.com/AxonStream/axonpuls/internal/eventlog"
	"github.com/AxonStream/axonpuls/internal/healthmon"
	"github.com/AxonStream/axonpuls/internal/metrics"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/ratelimit"
	"github.com/AxonStream/axonpuls/internal/registry"
	"github.com/AxonStream/axonpuls/internal/router"
	"github.com/AxonStream/axonpuls/internal/store"
	"github.com/AxonStream/axonpuls/internal/tenant"
	"github.com/AxonStream/axonpuls/pkg/logging"
	pkgredis "github.com/AxonStream/axonpuls/pkg/redis"
	"github.com/AxonStream/axonpuls/pkg/validation"
)

// fanoutChannel is the pub/sub channel carrying events between nodes. Every
// node publishes its accepted events here and relays foreign ones into its
// local router.
const fanoutChannel = "axonpuls:events:fanout"

const (
	// DefaultSendQueue bounds the per-socket outbound queue.
	DefaultSendQueue = 1024
	// DefaultDrainGrace is how long CloseAll waits for sockets to flush.
	DefaultDrainGrace = 5 * time.Second
	// defaultAuthWait bounds how long a socket may sit unauthenticated
	// waiting for its first-frame credential.
	defaultAuthWait = 10 * time.Second
	// defaultReplayCount is used when a subscribe asks for replay without
	// naming a count.
	defaultReplayCount = 100
	// slowConsumerStrikes is how many queue overflows a socket survives
	// before it is suspended.
	slowConsumerStrikes = 3
)

// EventNotice is the cross-node fan-out envelope. Origin lets the publishing
// node skip its own notice; local delivery already happened synchronously.
type EventNotice struct {
	Origin string        `json:"origin"`
	Room   string        `json:"room"`
	Event  *models.Event `json:"event"`
}

// Options wires the hub. PubSub should be a client dedicated to
// subscriptions so blocked subscribers never starve command traffic.
type Options struct {
	NodeID string

	Store    *store.Store
	Log      *eventlog.Log
	Resolver *tenant.Resolver
	Router   *router.Router
	Manager  *connection.Manager
	Limiter  *ratelimit.Limiter
	Audit    *audit.Recorder
	Registry *registry.Registry
	Health   *healthmon.Monitor
	PubSub   goredis.UniversalClient

	Logger  logging.Logger
	Metrics *metrics.Metrics

	// SendQueueSize bounds each socket's outbound queue; DefaultSendQueue
	// when zero.
	SendQueueSize int
	// MaxConnections caps sockets on this node; zero means unbounded.
	MaxConnections int
	// MessageRateLimit / MessageRateWindow shape the per-socket budget.
	MessageRateLimit  int64
	MessageRateWindow time.Duration

	StoreTimeout time.Duration
	RedisTimeout time.Duration
	DrainGrace   time.Duration
	AuthWait     time.Duration
}

// Hub owns socket admission and frame dispatch for one node. It is the only
// component that touches both the live router and the durable event log, so
// the publish pipeline lives here.
type Hub struct {
	opts      Options
	logger    logging.Logger
	metrics   *metrics.Metrics
	validator *validation.FrameValidator

	store    *store.Store
	log      *eventlog.Log
	resolver *tenant.Resolver
	router   *router.Router
	manager  *connection.Manager
	limiter  *ratelimit.Limiter
	audit    *audit.Recorder
	registry *registry.Registry
	health   *healthmon.Monitor
	fanout   *pkgredis.TypedPubSub[EventNotice]

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	draining atomic.Bool
	now      func() time.Time
}

// New builds a hub. Registry and Health may be nil; the hub then skips
// placement reporting and health sampling.
func New(opts Options) *Hub {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultSendQueue
	}
	if opts.MessageRateLimit <= 0 {
		opts.MessageRateLimit = ratelimit.DefaultLimit
	}
	if opts.MessageRateWindow <= 0 {
		opts.MessageRateWindow = ratelimit.DefaultWindow
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.RedisTimeout <= 0 {
		opts.RedisTimeout = time.Second
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	if opts.AuthWait <= 0 {
		opts.AuthWait = defaultAuthWait
	}

	return &Hub{
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		validator: validation.NewFrameValidator(),
		store:     opts.Store,
		log:       opts.Log,
		resolver:  opts.Resolver,
		router:    opts.Router,
		manager:   opts.Manager,
		limiter:   opts.Limiter,
		audit:     opts.Audit,
		registry:  opts.Registry,
		health:    opts.Health,
		fanout:    pkgredis.NewTypedPubSub[EventNotice](opts.PubSub, opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// Run relays cross-node event notices into the local router until ctx ends.
// A lost subscription is retried; sockets keep working off local fan-out in
// the meantime.
func (h *Hub) Run(ctx context.Context) {
	for {
		err := h.fanout.Subscribe(ctx, fanoutChannel, h.onNotice)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.logger.WithError(err).Warn("Event fan-out subscription lost, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (h *Hub) onNotice(n EventNotice) {
	if n.Event == nil || n.Origin == h.opts.NodeID {
		return
	}
	h.router.Fanout(n.Room, n.Event)
}

// ServeWS upgrades a socket and runs admission. The handler returns once the
// connection is handed to its pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		http.Error(w, "node is draining", http.StatusServiceUnavailable)
		return
	}
	if h.opts.MaxConnections > 0 && h.ClientCount() >= h.opts.MaxConnections {
		http.Error(w, "node at connection capacity", http.StatusServiceUnavailable)
		return
	}

	cred, haveCred := tenant.ExtractCredential(r)
	resumeID := r.URL.Query().Get("sessionId")
	ip := clientAddr(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	go h.admit(conn, cred, haveCred, resumeID, ip)
}

// admit walks the admission ladder, registers the session and becomes the
// read pump. Rejections send one error frame and close; nothing is
// registered until every check passes.
func (h *Hub) admit(conn *websocket.Conn, cred tenant.Credential, haveCred bool, resumeID, ip string) {
	if !haveCred {
		var ok bool
		cred, ok = h.awaitAuthFrame(conn)
		if !ok {
			h.countAuthFailure("no_credential")
			h.audit.AuthFailed(context.Background(), "", "", "no credential presented", ip)
			h.reject(conn, validation.CodeAuthFailed, "no credential presented")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	opCtx, opCancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer opCancel()

	tc, err := h.resolver.Resolve(opCtx, cred)
	if err != nil {
		cancel()
		h.countAuthFailure("resolve")
		h.audit.AuthFailed(context.Background(), cred.OrganizationID, cred.UserID, err.Error(), ip)
		h.reject(conn, validation.CodeAuthFailed, err.Error())
		return
	}
	if err := h.resolver.ValidateTenantContext(opCtx, tc); err != nil {
		cancel()
		h.countAuthFailure("tenant")
		h.audit.AuthFailed(context.Background(), tc.OrganizationID, tc.UserID, err.Error(), ip)
		h.reject(conn, codeFor(err), err.Error())
		return
	}
	if err := h.resolver.CheckConnectionLimit(opCtx, tc); err != nil {
		cancel()
		h.audit.RateLimited(context.Background(), tc.OrganizationID, subjectOf(tc, resumeID), "websocket.connect")
		h.countRateDenial("websocket.connect")
		h.reject(conn, codeFor(err), err.Error())
		return
	}

	sessionID := uuid.NewString()
	if resumeID != "" {
		// Resuming is only honored for a session this node still tracks and
		// that belongs to the same organization; anything else silently gets
		// a fresh identity.
		if prev, ok := h.manager.Get(resumeID); ok && prev.OrganizationID == tc.OrganizationID {
			sessionID = resumeID
		}
	}

	if _, err := h.limiter.Allow(opCtx, tc.OrganizationID, subjectOf(tc, sessionID), "websocket.connect"); err != nil {
		cancel()
		h.audit.RateLimited(context.Background(), tc.OrganizationID, subjectOf(tc, sessionID), "websocket.connect")
		h.countRateDenial("websocket.connect")
		h.reject(conn, validation.CodeRateLimitExceeded, "connection budget exhausted")
		return
	}

	meta := models.JSONB{"client_ip": ip, "auth_method": tc.AuthMethod}
	if _, err := h.manager.Register(opCtx, tc, sessionID, tc.ClientType, meta); err != nil {
		cancel()
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Session registration failed")
		h.health.RecordError()
		h.reject(conn, codeFor(err), "session registration failed")
		return
	}

	c := newClient(h, conn, ctx, cancel, sessionID, tc, ip)
	h.add(c)
	h.router.Join(c, router.RoomsFor(tc)...)
	h.audit.Connected(ctx, tc, sessionID, ip)

	h.logger.WithFields(logging.Fields{
		"session_id":      sessionID,
		"organization_id": tc.OrganizationID,
		"user_id":         tc.UserID,
		"auth_method":     tc.AuthMethod,
		"client_ip":       ip,
	}).Info("Socket admitted")

	go c.writePump()
	go c.heartbeatLoop()
	c.enqueueControl(validation.NewAckFrame(sessionID, "connected"))
	c.readPump()
}

// awaitAuthFrame reads one frame from a credential-less socket. Only an auth
// frame is accepted, and only within the auth window.
func (h *Hub) awaitAuthFrame(conn *websocket.Conn) (tenant.Credential, bool) {
	conn.SetReadLimit(8 << 10)
	_ = conn.SetReadDeadline(h.now().Add(h.opts.AuthWait))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return tenant.Credential{}, false
	}
	var frame validation.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != validation.FrameAuth {
		return tenant.Credential{}, false
	}
	return tenant.CredentialFromAuthPayload(frame.Payload)
}

// reject sends a single error frame and closes the socket. Used before a
// client exists; afterwards errors flow through the control queue.
func (h *Hub) reject(conn *websocket.Conn, code, message string) {
	deadline := h.now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	frame := validation.NewErrorFrame(code, message, "")
	_ = conn.WriteJSON(frame)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	_ = conn.Close()
}

// Publish runs the full pipeline for an accepted event: durable append,
// best-effort store write, then local and cross-node fan-out. It returns the
// stream entry id, which is empty under at_most_once delivery.
func (h *Hub) Publish(ctx context.Context, ev *models.Event, opts *validation.PublishOptions) (string, error) {
	atMostOnce := opts != nil && opts.DeliveryGuarantee == "at_most_once"
	if !atMostOnce {
		key := eventlog.Key(ev.OrganizationID, ev.Channel)
		entryID, err := h.log.Append(ctx, key, eventlog.FieldsFromEvent(ev))
		if err != nil {
			h.health.RecordError()
			return "", err
		}
		ev.StreamEntryID = entryID
		h.persistEvent(ctx, ev)
	}
	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(ev.Type, router.ChannelKind(ev.Channel)).Inc()
	}
	h.Broadcast(ctx, ev.Channel, ev)
	return ev.StreamEntryID, nil
}

// persistEvent shadows the stream into the relational store. The stream is
// the replay source of truth, so failures here degrade to a warning.
func (h *Hub) persistEvent(ctx context.Context, ev *models.Event) {
	opCtx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	if err := h.store.EnsureChannel(opCtx, ev.OrganizationID, ev.Channel); err != nil {
		h.health.RecordError()
		h.logger.WithError(err).WithField("channel", ev.Channel).Warn("Channel upsert failed")
		return
	}
	if err := h.store.InsertEvent(opCtx, ev); err != nil {
		h.health.RecordError()
		h.logger.WithError(err).WithField("event_id", ev.ID).Warn("Event store write failed")
	}
}

// Broadcast fans an event out to local subscribers of room and notifies the
// rest of the cluster. Implements the collaboration engine's broadcaster.
func (h *Hub) Broadcast(ctx context.Context, room string, ev *models.Event) {
	delivered, dropped := h.router.Fanout(room, ev)
	if dropped > 0 {
		h.logger.WithFields(logging.Fields{
			"room":    room,
			"dropped": dropped,
		}).Warn("Fan-out dropped frames on full queues")
	}
	if h.metrics != nil && !ev.CreatedAt.IsZero() {
		h.metrics.DeliveryLag.WithLabelValues(router.ChannelKind(room)).Observe(h.now().Sub(ev.CreatedAt).Seconds())
	}
	_ = delivered

	opCtx, cancel := context.WithTimeout(ctx, h.opts.RedisTimeout)
	defer cancel()
	notice := EventNotice{Origin: h.opts.NodeID, Room: room, Event: ev}
	if err := h.fanout.Publish(opCtx, fanoutChannel, notice); err != nil {
		h.health.RecordError()
		h.logger.WithError(err).WithField("room", room).Warn("Cross-node fan-out publish failed")
	}
}

// CloseSession force-closes a live socket, keeping the session parked for an
// explicit resume. The admin surface calls this after Manager.Suspend.
func (h *Hub) CloseSession(sessionID, reason string) bool {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.suspended.Store(true)
	c.shutdown(websocket.ClosePolicyViolation, reason)
	return true
}

// CloseAll drains every socket for a graceful shutdown: stop admissions, let
// queued frames flush, then close with GOING_AWAY. Sessions are finalized as
// clean disconnects.
func (h *Hub) CloseAll(ctx context.Context) {
	h.draining.Store(true)

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	deadline := h.now().Add(h.opts.DrainGrace)
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.drainThenClose(deadline)
		}(c)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(time.Until(deadline) + time.Second):
	}
	h.logger.WithField("count", len(clients)).Info("Drained sockets for shutdown")
}

// Draining reports whether the node has stopped accepting sockets.
func (h *Hub) Draining() bool { return h.draining.Load() }

// ClientCount is the number of live sockets on this node.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.session] = c
	n := len(h.clients)
	h.mu.Unlock()
	if h.registry != nil {
		h.registry.SetConnections(n)
	}
}

// drop finalizes a closed socket. Clean closes end the session; abnormal
// ones open a reconnect window so the client can resume with its session id.
// Suspended sessions stay parked for an explicit resume.
func (h *Hub) drop(c *Client, clean bool) {
	h.mu.Lock()
	if h.clients[c.session] != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.session)
	n := len(h.clients)
	h.mu.Unlock()
	if h.registry != nil {
		h.registry.SetConnections(n)
	}

	h.router.LeaveAll(c.session)

	if h.draining.Load() {
		clean = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.StoreTimeout)
	defer cancel()

	switch {
	case c.suspended.Load():
		// Parked until an explicit resume.
	case clean:
		if err := h.manager.Disconnect(ctx, c.session); err != nil {
			h.logger.WithError(err).WithField("session_id", c.session).Warn("Disconnect sync failed")
		}
	default:
		delay, err := h.manager.BeginReconnect(ctx, c.session)
		switch {
		case err == nil:
			h.logger.WithFields(logging.Fields{
				"session_id": c.session,
				"retry_in":   delay,
			}).Info("Socket lost, reconnect window open")
		case models.IsNotFound(err):
		default:
			h.logger.WithError(err).WithField("session_id", c.session).Info("Session retired")
		}
	}

	h.logger.WithFields(logging.Fields{
		"session_id":      c.session,
		"organization_id": c.tc.OrganizationID,
		"clean":           clean,
	}).Info("Socket closed")
}

// suspendSlowConsumer parks a socket that kept overflowing its queue.
func (h *Hub) suspendSlowConsumer(c *Client) {
	if !c.suspended.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.StoreTimeout)
	defer cancel()

	if _, err := h.manager.Suspend(ctx, c.session, "slow consumer"); err != nil {
		h.logger.WithError(err).WithField("session_id", c.session).Warn("Slow consumer suspension failed")
	}
	h.audit.Suspended(ctx, c.tc.OrganizationID, c.session, "slow consumer")
	if h.metrics != nil {
		h.metrics.SlowConsumers.WithLabelValues("suspended").Inc()
	}
	h.logger.WithFields(logging.Fields{
		"session_id":      c.session,
		"organization_id": c.tc.OrganizationID,
	}).Warn("Suspended slow consumer")
	c.shutdown(websocket.ClosePolicyViolation, "slow consumer")
}

func (h *Hub) countFrame(t validation.FrameType, direction string) {
	if h.metrics != nil {
		h.metrics.Frames.WithLabelValues(string(t), direction).Inc()
	}
}

func (h *Hub) countAuthFailure(reason string) {
	if h.metrics != nil {
		h.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
}

func (h *Hub) countRateDenial(action string) {
	if h.metrics != nil {
		h.metrics.RateLimitDenials.WithLabelValues(action).Inc()
	}
}

// codeFor maps taxonomy errors onto wire error codes. Unclassified errors
// stay opaque.
func codeFor(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return validation.CodeValidationError
	case errors.Is(err, models.ErrAuth):
		return validation.CodeAuthFailed
	case errors.Is(err, models.ErrForbidden):
		return validation.CodeAccessDenied
	case errors.Is(err, models.ErrRateLimited):
		return validation.CodeRateLimitExceeded
	case models.IsConflict(err):
		return validation.CodeConflict
	case models.IsNotFound(err):
		return validation.CodeNotFound
	case models.IsTransient(err):
		return validation.CodeTransient
	default:
		return validation.CodeInternal
	}
}

// subjectOf picks the rate-limit subject: the user when known, otherwise the
// session.
func subjectOf(tc models.TenantContext, sessionID string) string {
	if tc.UserID != "" {
		return tc.UserID
	}
	return sessionID
}

// clientAddr resolves the peer address, honoring the first forwarded hop.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
