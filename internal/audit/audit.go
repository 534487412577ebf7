package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AxonStream/axonpuls/internal/metrics"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/store"
	"github.com/AxonStream/axonpuls/pkg/kafka"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

// Event types on the audit trail. These names are shared with downstream
// consumers of the firehose topic; treat them as a wire contract.
const (
	EventWebsocketConnect = "WEBSOCKET_CONNECT"
	EventAccessDenied     = "ACCESS_DENIED"
	EventRateLimited      = "RATE_LIMITED"
	EventAuthFailed       = "AUTH_FAILED"
	EventSessionSuspended = "SESSION_SUSPENDED"
	EventSessionResumed   = "SESSION_RESUMED"
)

// source identifies this service on the firehose.
const source = "axonpuls"

// Entry is one security-relevant decision to record.
type Entry struct {
	EventType      string
	OrganizationID string
	Subject        string // user or session the decision applies to
	Action         string // what was attempted, e.g. "websocket.connect"
	Reason         string
	SessionID      string
	Channel        string
	ClientIP       string
	Details        map[string]interface{}
}

// Recorder writes audit entries to the store's audit_log and, when a Kafka
// producer is configured, to the firehose topic. Recording never fails the
// caller: an admission decision must not hinge on audit plumbing.
type Recorder struct {
	store    *store.Store
	producer kafka.ProducerInterface
	topic    string
	logger   logging.Logger
	metrics  *metrics.Metrics

	noKafkaOnce sync.Once
	now         func() time.Time
}

// NewRecorder builds a Recorder. producer may be nil; the recorder then
// degrades to store-only and warns once.
func NewRecorder(st *store.Store, producer kafka.ProducerInterface, topic string, logger logging.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		store:    st,
		producer: producer,
		topic:    topic,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Record persists one entry. Store and firehose failures are logged, not
// returned.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	subject := e.Subject
	if subject == "" {
		subject = e.SessionID
	}

	rec := &models.AuditRecord{
		ID:             uuid.NewString(),
		OrganizationID: e.OrganizationID,
		Subject:        subject,
		Action:         e.Action,
		Reason:         e.Reason,
		CreatedAt:      r.now().UTC(),
	}
	if e.ClientIP != "" {
		rec.ClientIP = &e.ClientIP
	}
	if len(e.Details) > 0 {
		rec.Details = models.JSONB(e.Details)
	}

	if err := r.store.InsertAuditRecord(ctx, rec); err != nil {
		r.logger.WithError(err).WithFields(logging.Fields{
			"event_type":      e.EventType,
			"organization_id": e.OrganizationID,
			"action":          e.Action,
		}).Error("Audit record not persisted")
	}

	r.firehose(rec, e)
}

func (r *Recorder) firehose(rec *models.AuditRecord, e Entry) {
	if r.producer == nil {
		r.noKafkaOnce.Do(func() {
			r.logger.Warn("Kafka not configured; audit firehose disabled, store-only auditing")
		})
		return
	}

	ev := kafka.NewAuditEvent(rec.ID, e.EventType, source, e.OrganizationID, e.Action)
	ev.Reason = e.Reason
	if e.Subject != "" {
		ev.UserID = &e.Subject
	}
	if e.SessionID != "" {
		ev.SessionID = &e.SessionID
	}
	if e.Channel != "" {
		ev.Channel = &e.Channel
	}
	if e.ClientIP != "" {
		ev.ClientIP = &e.ClientIP
	}
	if len(e.Details) > 0 {
		ev.Data = e.Details
	}

	start := r.now()
	err := r.producer.PublishAuditEvent(r.topic, ev)
	if r.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.metrics.KafkaMessages.WithLabelValues(r.topic, "produce", status).Inc()
		r.metrics.KafkaDuration.WithLabelValues("produce").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.logger.WithError(err).WithField("event_type", e.EventType).Warn("Audit firehose publish failed")
	}
}

// Connected records a successful socket admission.
func (r *Recorder) Connected(ctx context.Context, tc models.TenantContext, sessionID, clientIP string) {
	r.Record(ctx, Entry{
		EventType:      EventWebsocketConnect,
		OrganizationID: tc.OrganizationID,
		Subject:        tc.UserID,
		Action:         "websocket.connect",
		Reason:         "admitted",
		SessionID:      sessionID,
		ClientIP:       clientIP,
		Details:        map[string]interface{}{"client_type": tc.ClientType, "auth_method": tc.AuthMethod},
	})
}

// AuthFailed records a rejected credential. orgID may be empty when the
// credential never resolved far enough to name one.
func (r *Recorder) AuthFailed(ctx context.Context, orgID, subject, reason, clientIP string) {
	r.Record(ctx, Entry{
		EventType:      EventAuthFailed,
		OrganizationID: orgID,
		Subject:        subject,
		Action:         "websocket.authenticate",
		Reason:         reason,
		ClientIP:       clientIP,
	})
}

// AccessDenied records a cross-tenant or permission denial.
func (r *Recorder) AccessDenied(ctx context.Context, tc models.TenantContext, sessionID, action, channel, reason string) {
	r.Record(ctx, Entry{
		EventType:      EventAccessDenied,
		OrganizationID: tc.OrganizationID,
		Subject:        tc.UserID,
		Action:         action,
		Reason:         reason,
		SessionID:      sessionID,
		Channel:        channel,
	})
}

// RateLimited records a quota denial.
func (r *Recorder) RateLimited(ctx context.Context, orgID, subject, action string) {
	r.Record(ctx, Entry{
		EventType:      EventRateLimited,
		OrganizationID: orgID,
		Subject:        subject,
		Action:         action,
		Reason:         "rate limit exceeded",
	})
}

// Suspended records a policy suspension of a session.
func (r *Recorder) Suspended(ctx context.Context, orgID, sessionID, reason string) {
	r.Record(ctx, Entry{
		EventType:      EventSessionSuspended,
		OrganizationID: orgID,
		Action:         "session.suspend",
		Reason:         reason,
		SessionID:      sessionID,
	})
}

// Resumed records an explicit un-suspension of a session.
func (r *Recorder) Resumed(ctx context.Context, orgID, sessionID string) {
	r.Record(ctx, Entry{
		EventType:      EventSessionResumed,
		OrganizationID: orgID,
		Action:         "session.resume",
		Reason:         "resumed by operator",
		SessionID:      sessionID,
	})
}
