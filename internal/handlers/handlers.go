// Package handlers mounts the node's HTTP surface: event publish and replay,
// the collaboration room API, the socket upgrade hand-off, and the operator
// admin routes. Socket admission lives in the gateway; the routes here run
// the same permission, tenancy and budget ladder over plain HTTP.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/axonpuls/internal/audit"
	"github.com/AxonStream/axonpuls/internal/collab"
	"github.com/AxonStream/axonpuls/internal/connection"
	"github.com/AxonStream/axonpuls/internal/eventlog"
	"github.com/AxonStream/axonpuls/internal/gateway"
	"github.com/AxonStream/axonpuls/internal/healthmon"
	"github.com/AxonStream/axonpuls/internal/metrics"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/ratelimit"
	"github.com/AxonStream/axonpuls/internal/registry"
	"github.com/AxonStream/axonpuls/internal/router"
	"github.com/AxonStream/axonpuls/pkg/auth"
	"github.com/AxonStream/axonpuls/pkg/ctxkeys"
	"github.com/AxonStream/axonpuls/pkg/logging"
	"github.com/AxonStream/axonpuls/pkg/pagination"
	"github.com/AxonStream/axonpuls/pkg/validation"
)

// Options carries the wired dependencies of the HTTP surface.
type Options struct {
	Hub      *gateway.Hub
	Engine   *collab.Engine
	Manager  *connection.Manager
	Registry *registry.Registry
	Health   *healthmon.Monitor
	Log      *eventlog.Log
	Limiter  *ratelimit.Limiter
	Audit    *audit.Recorder
	KV       goredis.UniversalClient

	Logger  logging.Logger
	Metrics *metrics.Metrics

	// JWTSecret verifies tenant bearer tokens and APIKeys maps static keys
	// to caller identities; both feed the shared auth middleware.
	// ServiceToken guards the admin surface. When it is empty the admin
	// routes refuse every request instead of falling open.
	JWTSecret    []byte
	APIKeys      map[string]auth.APIKeyIdentity
	ServiceToken string
}

// Handlers serves the HTTP API of one node.
type Handlers struct {
	opts     Options
	logger   logging.Logger
	validate *validator.Validate
	now      func() time.Time
}

// New builds the handler set. Mount it with Routes.
func New(opts Options) *Handlers {
	return &Handlers{
		opts:     opts,
		logger:   opts.Logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Routes registers every endpoint on the shared service router.
func (h *Handlers) Routes(r *gin.Engine) {
	r.Use(h.tally())

	// The gateway runs its own admission ladder (header, query string or
	// first-frame credential), so the upgrade skips the JWT middleware.
	r.GET("/ws", h.serveWS)

	api := r.Group("/", auth.JWTAuthMiddleware(h.opts.JWTSecret, auth.WithAPIKeys(h.opts.APIKeys)))
	api.Use(h.idempotency())

	api.POST("/events", h.publishEvent)
	api.GET("/channels/:name/replay", h.replayChannel)

	magic := api.Group("/magic")
	magic.POST("/rooms", h.createRoom)
	magic.GET("/rooms", h.listRooms)
	magic.POST("/:room/join", h.joinRoom)
	magic.POST("/:room/leave", h.leaveRoom)

	rooms := magic.Group("/rooms/:room")
	rooms.GET("/state", h.roomState)
	rooms.GET("/presence", h.roomPresence)
	rooms.POST("/operation", h.applyOperation)
	rooms.POST("/snapshots", h.createSnapshot)
	rooms.GET("/snapshots", h.listSnapshots)
	rooms.POST("/revert/:snapshotId", h.revertRoom)
	rooms.POST("/branches", h.createBranch)
	rooms.GET("/branches", h.listBranches)
	rooms.GET("/compare", h.compareBranches)
	rooms.POST("/merge", h.mergeBranches)
	rooms.GET("/timeline", h.roomTimeline)

	admin := r.Group("/admin")
	if h.opts.ServiceToken == "" {
		h.logger.Warn("Admin surface disabled: no service token configured")
		admin.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin surface disabled: no service token configured"})
		})
	} else {
		admin.Use(auth.ServiceAuthMiddleware(h.opts.ServiceToken))
	}
	admin.GET("/connections", h.listConnections)
	admin.POST("/connections/:id/suspend", h.suspendConnection)
	admin.POST("/connections/:id/resume", h.resumeConnection)
	admin.GET("/cluster", h.clusterNodes)
	admin.GET("/alerts", h.healthAlerts)
}

// tally feeds the request and error counters behind the health monitor's
// error-rate signal.
func (h *Handlers) tally() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.opts.Health.RecordRequest()
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			h.opts.Health.RecordError()
		}
	}
}

func (h *Handlers) serveWS(c *gin.Context) {
	h.opts.Hub.ServeWS(c.Writer, c.Request)
}

// tenantFrom rebuilds the tenant context the auth middleware stashed on the
// request. The middleware already validated the credential; this is only a
// projection.
func tenantFrom(c *gin.Context) (models.TenantContext, error) {
	orgID := c.GetString(string(ctxkeys.KeyOrgID))
	if orgID == "" {
		return models.TenantContext{}, fmt.Errorf("%w: request carries no organization", models.ErrAuth)
	}
	return models.TenantContext{
		OrganizationID: orgID,
		UserID:         c.GetString(string(ctxkeys.KeyUserID)),
		UserRole:       c.GetString(string(ctxkeys.KeyRole)),
		Roles:          c.GetStringSlice(string(ctxkeys.KeyRoles)),
		Permissions:    c.GetStringSlice(string(ctxkeys.KeyPermissions)),
		Features:       c.GetStringSlice(string(ctxkeys.KeyFeatures)),
		ClientType:     "api",
		AuthMethod:     c.GetString(string(ctxkeys.KeyAuthType)),
	}, nil
}

// httpStatus maps the error taxonomy onto HTTP statuses, mirroring how the
// socket path maps it onto wire codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case models.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the mapped status. Unclassified causes are logged and masked so
// internals never leak to clients.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func (h *Handlers) failValidation(c *gin.Context, err error) {
	h.fail(c, fmt.Errorf("%w: %v", models.ErrValidation, err))
}

// subject picks the rate-limit subject for an HTTP caller: the user when the
// credential names one, otherwise the peer address.
func subject(c *gin.Context, tc models.TenantContext) string {
	if tc.UserID != "" {
		return tc.UserID
	}
	return c.ClientIP()
}

// publishEvent accepts a publish over HTTP and runs it through the same
// ladder as the socket path: permission, channel ownership, budget, then the
// shared hub pipeline. Responds 202 with the event and stream entry ids.
func (h *Handlers) publishEvent(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	var p validation.PublishPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		h.failValidation(c, fmt.Errorf("malformed publish body: %v", err))
		return
	}
	if err := h.validate.Struct(&p); err != nil {
		h.failValidation(c, err)
		return
	}
	if err := validation.ValidateChannelName(p.Channel); err != nil {
		h.failValidation(c, err)
		return
	}
	if len(p.Event.Payload) > validation.MaxPayloadBytes {
		h.failValidation(c, fmt.Errorf("event payload exceeds %d bytes", validation.MaxPayloadBytes))
		return
	}

	ctx := c.Request.Context()
	if !tc.HasPermission("Event", "create") {
		h.opts.Audit.AccessDenied(ctx, tc, "", "event.publish", p.Channel, "missing Event:create permission")
		h.fail(c, fmt.Errorf("%w: missing Event:create permission", models.ErrForbidden))
		return
	}
	if err := validation.ValidateChannelOwnership(p.Channel, tc.OrganizationID); err != nil {
		h.opts.Audit.AccessDenied(ctx, tc, "", "event.publish", p.Channel, "channel outside organization")
		h.fail(c, fmt.Errorf("%w: %v", models.ErrForbidden, err))
		return
	}

	who := subject(c, tc)
	decision, err := h.opts.Limiter.Allow(ctx, tc.OrganizationID, who, "event.publish")
	if err != nil {
		h.opts.Audit.RateLimited(ctx, tc.OrganizationID, who, "event.publish")
		if h.opts.Metrics != nil {
			h.opts.Metrics.RateLimitDenials.WithLabelValues("event.publish").Inc()
		}
		c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)))
		h.fail(c, err)
		return
	}

	ev := h.newEvent(c, tc, &p)
	entryID, err := h.opts.Hub.Publish(ctx, ev, p.Options)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":        ev.ID,
		"stream_entry_id": entryID,
		"channel":         ev.Channel,
		"correlation_id":  ev.CorrelationID,
	})
}

// newEvent lifts a publish body into the canonical event shape. The request
// id becomes the correlation id unless the event metadata names its own.
func (h *Handlers) newEvent(c *gin.Context, tc models.TenantContext, p *validation.PublishPayload) *models.Event {
	corr := c.GetString(string(ctxkeys.KeyRequestID))
	if raw, ok := p.Event.Metadata["correlation_id"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			corr = s
		}
	}
	if corr == "" {
		corr = uuid.NewString()
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

// replayChannel pages through a channel's retained log, oldest first. The
// cursor rides the stream entry id, so the next page picks up exactly after
// the previous one even when new events land between requests.
func (h *Handlers) replayChannel(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	name := c.Param("name")
	ctx := c.Request.Context()
	if !tc.HasPermission("Event", "read") {
		h.opts.Audit.AccessDenied(ctx, tc, "", "channel.replay", name, "missing Event:read permission")
		h.fail(c, fmt.Errorf("%w: missing Event:read permission", models.ErrForbidden))
		return
	}
	if err := validation.ValidateChannelOwnership(name, tc.OrganizationID); err != nil {
		h.opts.Audit.AccessDenied(ctx, tc, "", "channel.replay", name, "channel outside organization")
		h.fail(c, fmt.Errorf("%w: %v", models.ErrForbidden, err))
		return
	}

	var req pagination.Request
	if err := c.ShouldBindQuery(&req); err != nil {
		h.failValidation(c, err)
		return
	}
	params, err := pagination.Parse(&req)
	if err != nil {
		h.failValidation(c, err)
		return
	}
	if params.Direction == pagination.Backward {
		h.failValidation(c, errors.New("replay only pages forward; use first/after"))
		return
	}

	afterID := ""
	if params.Cursor != nil {
		afterID = params.Cursor.ID
	}

	key := eventlog.Key(tc.OrganizationID, name)
	entries, err := h.opts.Log.ReadAfter(ctx, key, afterID, int64(params.Limit+1))
	if err != nil {
		h.fail(c, err)
		return
	}

	events := make([]*models.Event, 0, len(entries))
	for _, entry := range entries {
		ev, err := eventlog.EventFromEntry(entry)
		if err != nil {
			h.logger.WithError(err).WithFields(logging.Fields{
				"channel":  name,
				"entry_id": entry.ID,
			}).Warn("Skipping undecodable log entry")
			continue
		}
		if ev.OrganizationID != tc.OrganizationID {
			continue
		}
		if !tc.IsAdmin() {
			ev = router.Redacted(ev)
		}
		events = append(events, ev)
	}

	fetched := len(events)
	if fetched > params.Limit {
		events = events[:params.Limit]
	}

	total, err := h.opts.Log.Length(ctx, key)
	if err != nil {
		total = int64(fetched)
	}

	var startCursor, endCursor string
	if len(events) > 0 {
		first, last := events[0], events[len(events)-1]
		startCursor = pagination.EncodeCursor(first.CreatedAt, first.StreamEntryID)
		endCursor = pagination.EncodeCursor(last.CreatedAt, last.StreamEntryID)
	}
	page := pagination.BuildResponse(fetched, params.Limit, params.Direction, int32(total), startCursor, endCursor)

	if h.opts.Metrics != nil && len(events) > 0 {
		h.opts.Metrics.ReplayedEvents.WithLabelValues("http").Add(float64(len(events)))
	}

	c.JSON(http.StatusOK, gin.H{
		"channel":    name,
		"events":     events,
		"pagination": page,
	})
}
