package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/AxonStream/axonpuls/internal/eventlog"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/router"
	"github.com/AxonStream/axonpuls/pkg/logging"
	"github.com/AxonStream/axonpuls/pkg/validation"
)

// dispatch validates one inbound frame and routes it to its handler. It runs
// on the read pump; handlers may block on the Log or Store but never while
// holding a lock other than the per-connection one.
func (h *Hub) dispatch(c *Client, raw []byte) {
	h.health.RecordRequest()

	var frame validation.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.fail("", validation.CodeValidationError, "malformed frame")
		return
	}
	if len(frame.Payload) > validation.MaxPayloadBytes {
		c.fail(frame.ID, validation.CodePayloadTooLarge,
			fmt.Sprintf("payload exceeds %d bytes", validation.MaxPayloadBytes))
		return
	}
	if err := h.validator.ValidateInbound(&frame); err != nil {
		c.fail(frame.ID, validation.CodeValidationError, err.Error())
		return
	}

	if err := c.limiter.Allow(c.ctx); err != nil {
		h.audit.RateLimited(c.ctx, c.tc.OrganizationID, subjectOf(c.tc, c.session), "socket_message")
		h.countRateDenial("socket_message")
		c.fail(frame.ID, validation.CodeRateLimitExceeded, "socket message budget exhausted")
		return
	}
	h.countFrame(frame.Type, "inbound")

	switch frame.Type {
	case validation.FrameSubscribe:
		h.handleSubscribe(c, &frame)
	case validation.FrameUnsubscribe:
		h.handleUnsubscribe(c, &frame)
	case validation.FramePublish:
		h.handlePublish(c, &frame)
	case validation.FramePing:
		h.handlePing(c, &frame)
	case validation.FrameAck:
		h.handleAck(c, &frame)
	}
}

// handleSubscribe joins channels after the permission, capacity and tenancy
// checks, then serves any requested replay inline. Joining before reading the
// log means an event racing the subscribe may arrive twice, never zero times.
func (h *Hub) handleSubscribe(c *Client, frame *validation.Frame) {
	p, err := h.validator.DecodeSubscribe(frame)
	if err != nil {
		c.fail(frame.ID, validation.CodeValidationError, err.Error())
		return
	}
	if !c.tc.HasPermission("Channel", "read") {
		h.audit.AccessDenied(c.ctx, c.tc, c.session, "channel.subscribe", "", "missing Channel:read permission")
		c.fail(frame.ID, validation.CodeAccessDenied, "missing Channel:read permission")
		return
	}
	if c.subscriptionCount()+len(p.Channels) > validation.MaxSubscriptions {
		c.fail(frame.ID, validation.CodeSubscriptionLimit,
			fmt.Sprintf("subscription cap is %d channels", validation.MaxSubscriptions))
		return
	}
	for _, ch := range p.Channels {
		if err := validation.ValidateChannelOwnership(ch, c.tc.OrganizationID); err != nil {
			h.audit.AccessDenied(c.ctx, c.tc, c.session, "channel.subscribe", ch, "channel outside organization")
			c.fail(frame.ID, validation.CodeAccessDenied, err.Error())
			return
		}
	}

	filter := ""
	if p.Options != nil {
		filter = p.Options.Filter
	}
	h.router.Join(c, p.Channels...)
	c.addChannels(p.Channels, filter)

	if p.Options != nil && p.Options.ReplayFrom != "" {
		// Reading history is a separate grant from following it live.
		if !c.tc.HasPermission("Event", "read") {
			h.audit.AccessDenied(c.ctx, c.tc, c.session, "event.replay", "", "missing Event:read permission")
			c.fail(frame.ID, validation.CodeAccessDenied, "missing Event:read permission")
			return
		}
		h.replay(c, p.Channels, p.Options)
	}
	c.ack(frame.ID, "subscribed")
}

// replay streams historical entries to one socket. Entries are filtered and
// redacted exactly like live delivery; duplicates across the replay/live
// boundary are acceptable, losses are not.
func (h *Hub) replay(c *Client, channels []string, opts *validation.SubscribeOptions) {
	count := int64(opts.ReplayCount)
	if count <= 0 {
		count = defaultReplayCount
	}

	for _, ch := range channels {
		ctx, cancel := context.WithTimeout(c.ctx, h.opts.RedisTimeout)
		entries, err := h.log.Read(ctx, eventlog.Key(c.tc.OrganizationID, ch), opts.ReplayFrom, count)
		cancel()
		if err != nil {
			h.health.RecordError()
			h.logger.WithError(err).WithField("channel", ch).Warn("Replay read failed")
			c.fail("", validation.CodeTransient, "replay unavailable for "+ch)
			continue
		}

		var served int
		for _, entry := range entries {
			ev, err := eventlog.EventFromEntry(entry)
			if err != nil {
				h.logger.WithError(err).WithFields(logging.Fields{
					"channel":  ch,
					"entry_id": entry.ID,
				}).Warn("Skipping undecodable log entry")
				continue
			}
			if ev.OrganizationID != c.tc.OrganizationID {
				continue
			}
			if !c.tc.IsAdmin() {
				ev = router.Redacted(ev)
			}
			if c.Deliver(ev) {
				served++
			}
		}
		if h.metrics != nil && served > 0 {
			h.metrics.ReplayedEvents.WithLabelValues("subscribe").Add(float64(served))
		}
	}
}

func (h *Hub) handleUnsubscribe(c *Client, frame *validation.Frame) {
	p, err := h.validator.DecodeUnsubscribe(frame)
	if err != nil {
		c.fail(frame.ID, validation.CodeValidationError, err.Error())
		return
	}
	h.router.Leave(c.session, p.Channels...)
	c.removeChannels(p.Channels)
	c.ack(frame.ID, "unsubscribed")
}

// handlePublish runs the socket side of the publish pipeline: permission,
// tenancy and budget checks, then the shared Publish path, then the ack
// carrying the correlation id.
func (h *Hub) handlePublish(c *Client, frame *validation.Frame) {
	p, err := h.validator.DecodePublish(frame)
	if err != nil {
		c.fail(frame.ID, validation.CodeValidationError, err.Error())
		return
	}
	if !c.tc.HasPermission("Event", "create") {
		h.audit.AccessDenied(c.ctx, c.tc, c.session, "event.publish", p.Channel, "missing Event:create permission")
		c.fail(frame.ID, validation.CodeAccessDenied, "missing Event:create permission")
		return
	}
	if err := validation.ValidateChannelOwnership(p.Channel, c.tc.OrganizationID); err != nil {
		h.audit.AccessDenied(c.ctx, c.tc, c.session, "event.publish", p.Channel, "channel outside organization")
		c.fail(frame.ID, validation.CodeAccessDenied, err.Error())
		return
	}

	opCtx, cancel := context.WithTimeout(c.ctx, h.opts.StoreTimeout)
	defer cancel()
	if _, err := h.limiter.Allow(opCtx, c.tc.OrganizationID, subjectOf(c.tc, c.session), "event.publish"); err != nil {
		h.audit.RateLimited(opCtx, c.tc.OrganizationID, subjectOf(c.tc, c.session), "event.publish")
		h.countRateDenial("event.publish")
		c.fail(frame.ID, validation.CodeRateLimitExceeded, "publish budget exhausted")
		return
	}

	ev := h.newEvent(c.tc, frame.ID, p)
	if _, err := h.Publish(opCtx, ev, p.Options); err != nil {
		code := codeFor(err)
		message := err.Error()
		if code == validation.CodeInternal {
			message = "internal error"
		}
		c.fail(frame.ID, code, message)
		return
	}
	c.ack(frame.ID, "published")
}

// newEvent lifts a publish payload into the canonical event shape. The
// publisher's frame id becomes the correlation id unless the event metadata
// names its own.
func (h *Hub) newEvent(tc models.TenantContext, frameID string, p *validation.PublishPayload) *models.Event {
	corr := frameID
	if raw, ok := p.Event.Metadata["correlation_id"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			corr = s
		}
	}
	ev := &models.Event{
		ID:             uuid.NewString(),
		Type:           p.Event.Type,
		Channel:        p.Channel,
		OrganizationID: tc.OrganizationID,
		Payload:        p.Event.Payload,
		Acknowledgment: p.Options != nil && p.Options.Acknowledgment,
		CreatedAt:      h.now().UTC(),
		CorrelationID:  &corr,
	}
	if tc.UserID != "" {
		userID := tc.UserID
		ev.UserID = &userID
	}
	return ev
}

// handlePing answers a protocol ping and feeds the measured round trip into
// the connection manager. The client timestamp is trusted only forward.
func (h *Hub) handlePing(c *Client, frame *validation.Frame) {
	latency := h.now().UnixMilli() - frame.Timestamp
	if latency < 0 {
		latency = 0
	}

	opCtx, cancel := context.WithTimeout(c.ctx, h.opts.StoreTimeout)
	defer cancel()
	if _, _, err := h.manager.Heartbeat(opCtx, c.session, latency); err != nil && !models.IsNotFound(err) {
		h.logger.WithError(err).WithField("session_id", c.session).Debug("Heartbeat sync failed")
	}
	c.lastPongMs.Store(h.now().UnixMilli())
	c.ack(frame.ID, "pong")
}

// handleAck records a client's receipt confirmation for an event published
// with the acknowledgment option.
func (h *Hub) handleAck(c *Client, frame *validation.Frame) {
	p, err := h.validator.DecodeAck(frame)
	if err != nil {
		c.fail(frame.ID, validation.CodeValidationError, err.Error())
		return
	}
	h.logger.WithFields(logging.Fields{
		"session_id": c.session,
		"event_id":   p.EventID,
		"status":     p.Status,
	}).Debug("Delivery acknowledged")
}
