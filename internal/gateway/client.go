package gateway

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/ratelimit"
	"github.com/AxonStream/axonpuls/internal/router"
	"github.com/AxonStream/axonpuls/pkg/logging"
	"github.com/AxonStream/axonpuls/pkg/validation"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is the read deadline, refreshed on any inbound traffic. It
	// sits above the maximum adaptive heartbeat interval.
	pongWait = 75 * time.Second
	// readSlack is envelope headroom above the payload cap so oversize
	// payloads get an error frame instead of a dropped connection.
	readSlack = 64 << 10
	// controlQueue bounds acks and errors. A peer that cannot absorb even
	// these is gone.
	controlQueue = 64
)

// Client is one admitted socket. The read pump owns inbound dispatch, the
// write pump owns the wire, and the heartbeat loop drives liveness; they
// share nothing but channels and the per-connection lock.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session string
	tc      models.TenantContext
	ip      string

	ctx     context.Context
	cancel  context.CancelFunc
	limiter *ratelimit.SocketLimiter

	// send carries droppable event frames; control carries acks and errors,
	// which are never dropped.
	send    chan *validation.Frame
	control chan *validation.Frame

	// mu is the per-connection lock guarding the subscription table. Inbound
	// dispatch never holds it across a Store or Log call.
	mu       sync.Mutex
	channels map[string]string // channel name → event type filter

	lastPongMs atomic.Int64
	slowDrops  atomic.Int32
	suspended  atomic.Bool
	closeOnce  sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, ctx context.Context, cancel context.CancelFunc, sessionID string, tc models.TenantContext, ip string) *Client {
	c := &Client{
		hub:      h,
		conn:     conn,
		session:  sessionID,
		tc:       tc,
		ip:       ip,
		ctx:      ctx,
		cancel:   cancel,
		limiter:  ratelimit.NewSocketLimiter(h.limiter, tc.OrganizationID, sessionID, h.opts.MessageRateLimit, h.opts.MessageRateWindow),
		send:     make(chan *validation.Frame, h.opts.SendQueueSize),
		control:  make(chan *validation.Frame, controlQueue),
		channels: make(map[string]string),
	}
	c.lastPongMs.Store(h.now().UnixMilli())
	return c
}

// SessionID implements router.Subscriber.
func (c *Client) SessionID() string { return c.session }

// Tenant implements router.Subscriber.
func (c *Client) Tenant() models.TenantContext { return c.tc }

// Deliver enqueues an event for the write pump. It never blocks: on a full
// queue the oldest queued event is dropped to make room. Filtered-out events
// report true; only queue pressure counts as a drop.
func (c *Client) Deliver(ev *models.Event) bool {
	if !c.wants(ev) {
		return true
	}
	frame, err := eventFrame(ev)
	if err != nil {
		c.hub.logger.WithError(err).WithField("event_id", ev.ID).Warn("Event frame encode failed")
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
	}
	return c.overflow(frame)
}

// overflow implements slow-consumer policy: drop the oldest queued event,
// alert once, and suspend the session after repeated strikes.
func (c *Client) overflow(frame *validation.Frame) bool {
	strikes := c.slowDrops.Add(1)

	select {
	case <-c.send:
		if c.hub.metrics != nil {
			c.hub.metrics.SlowConsumers.WithLabelValues("dropped").Inc()
		}
	default:
	}
	queued := false
	select {
	case c.send <- frame:
		queued = true
	default:
	}

	if strikes == 1 {
		c.enqueueControl(validation.NewErrorFrame(validation.CodeSlowConsumer,
			"outbound queue overflowed, oldest events dropped", ""))
	}
	if int(strikes) >= slowConsumerStrikes {
		go c.hub.suspendSlowConsumer(c)
	}
	return queued
}

// wants applies the per-subscription event type filter. Rooms joined without
// an explicit subscription (org, user, magic) carry no filter.
func (c *Client) wants(ev *models.Event) bool {
	c.mu.Lock()
	filter, explicit := c.channels[ev.Channel]
	c.mu.Unlock()
	if !explicit || filter == "" {
		return true
	}
	return matchEventType(filter, ev.Type)
}

// matchEventType supports exact matches plus a single trailing wildcard,
// e.g. "order.*".
func matchEventType(filter, eventType string) bool {
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return filter == eventType
}

func (c *Client) addChannels(names []string, filter string) {
	c.mu.Lock()
	for _, name := range names {
		c.channels[name] = filter
	}
	c.mu.Unlock()
}

func (c *Client) removeChannels(names []string) {
	c.mu.Lock()
	for _, name := range names {
		delete(c.channels, name)
	}
	c.mu.Unlock()
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// enqueueControl queues an ack or error frame. Control frames are critical;
// a socket that cannot absorb them is closed rather than reordered.
func (c *Client) enqueueControl(frame *validation.Frame) {
	select {
	case c.control <- frame:
	default:
		c.shutdown(websocket.ClosePolicyViolation, "control queue overflow")
	}
}

// ack confirms a processed frame.
func (c *Client) ack(frameID, status string) {
	c.enqueueControl(validation.NewAckFrame(frameID, status))
}

// fail reports a frame-level error without closing the socket.
func (c *Client) fail(correlationID, code, message string) {
	if c.hub.metrics != nil {
		c.hub.metrics.Frames.WithLabelValues(string(validation.FrameError), "outbound").Inc()
	}
	c.enqueueControl(validation.NewErrorFrame(code, message, correlationID))
}

// readPump consumes inbound frames until the socket dies, then finalizes the
// session. It runs on the admission goroutine.
func (c *Client) readPump() {
	clean := false
	defer func() {
		c.shutdown(websocket.CloseNormalClosure, "")
		c.hub.drop(c, clean)
	}()

	c.conn.SetReadLimit(int64(validation.MaxPayloadBytes + readSlack))
	_ = c.conn.SetReadDeadline(c.hub.now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(c.hub.now().Add(pongWait))
		c.pongReceived(appData)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			clean = websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !clean && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField("session_id", c.session).Debug("Socket read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(c.hub.now().Add(pongWait))
		c.hub.dispatch(c, data)
	}
}

// writePump owns all data writes. Control frames take priority over queued
// events so acks and errors are never stuck behind a fan-out backlog.
func (c *Client) writePump() {
	for {
		select {
		case frame := <-c.control:
			if !c.writeFrame(frame) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.control:
			if !c.writeFrame(frame) {
				return
			}
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
		}
	}
}

func (c *Client) writeFrame(frame *validation.Frame) bool {
	_ = c.conn.SetWriteDeadline(c.hub.now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.shutdown(websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	c.hub.countFrame(frame.Type, "outbound")
	return true
}

// heartbeatLoop drives server-side liveness probes at the session's adaptive
// cadence. Ping payloads carry the send time so the pong handler can measure
// the round trip without extra state.
func (c *Client) heartbeatLoop() {
	interval := c.hub.manager.HeartbeatInterval(c.session)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
			now := c.hub.now()
			payload := strconv.AppendInt(nil, now.UnixMilli(), 10)
			if err := c.conn.WriteControl(websocket.PingMessage, payload, now.Add(writeWait)); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "ping write failed")
				return
			}

			if now.UnixMilli()-c.lastPongMs.Load() > interval.Milliseconds() {
				c.missHeartbeat()
			}
			interval = c.hub.manager.HeartbeatInterval(c.session)
			timer.Reset(interval)
		}
	}
}

func (c *Client) missHeartbeat() {
	ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.StoreTimeout)
	defer cancel()

	snapshot, err := c.hub.manager.MissHeartbeat(ctx, c.session)
	if err != nil {
		return
	}
	if snapshot.Status == models.StatusReconnecting {
		// The peer has gone silent past the miss budget; close so it redials
		// and resumes by session id.
		c.hub.logger.WithFields(logging.Fields{
			"session_id": c.session,
			"missed":     snapshot.MissedHeartbeats,
		}).Warn("Heartbeats lost, closing socket for reconnect")
		c.shutdown(websocket.CloseAbnormalClosure, "heartbeat timeout")
	}
}

// pongReceived records a liveness probe round trip. The payload is the ping's
// send time in unix milliseconds; an empty or foreign payload still counts as
// liveness but yields no latency sample.
func (c *Client) pongReceived(appData string) {
	now := c.hub.now()
	c.lastPongMs.Store(now.UnixMilli())

	sentMs, err := strconv.ParseInt(appData, 10, 64)
	if err != nil || sentMs <= 0 {
		return
	}
	latency := now.UnixMilli() - sentMs
	if latency < 0 {
		latency = 0
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.StoreTimeout)
	defer cancel()
	if _, _, err := c.hub.manager.Heartbeat(ctx, c.session, latency); err != nil && !models.IsNotFound(err) {
		c.hub.logger.WithError(err).WithField("session_id", c.session).Debug("Heartbeat sync failed")
	}
}

// drainThenClose waits for queued frames to flush, then closes with
// GOING_AWAY. Used by the shutdown drain.
func (c *Client) drainThenClose(deadline time.Time) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for c.hub.now().Before(deadline) {
		if len(c.send) == 0 && len(c.control) == 0 {
			break
		}
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
	c.shutdown(websocket.CloseGoingAway, "server draining")
}

// shutdown closes the socket exactly once: a close frame for the peer, then
// the context cancel that stops the pumps, then the transport teardown that
// unblocks the read pump.
func (c *Client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := c.hub.now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.cancel()
		_ = c.conn.Close()
	})
}

// eventFrame converts a routed event into its wire frame.
func eventFrame(ev *models.Event) (*validation.Frame, error) {
	meta := validation.EventMetadata{
		OrgID:         ev.OrganizationID,
		Channel:       ev.Channel,
		StreamEntryID: ev.StreamEntryID,
	}
	if ev.CorrelationID != nil {
		meta.CorrelationID = *ev.CorrelationID
	}
	return validation.NewEventFrame(ev.Type, ev.Payload, meta)
}

var _ router.Subscriber = (*Client)(nil)
