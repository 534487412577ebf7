package router

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/AxonStream/axonpuls/internal/metrics"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

// Room name builders. These four shapes plus magic rooms are the only names
// the router will fan out to.
func OrgRoom(orgID string) string              { return "org:" + orgID }
func UserRoom(userID string) string            { return "user:" + userID }
func RoleRoom(orgID, role string) string       { return "role:" + orgID + ":" + role }
func FeatureRoom(orgID, feature string) string { return "feature:" + orgID + ":" + feature }
func MagicRoom(roomName string) string         { return "magic:" + roomName }

// redactedFields are stripped from payloads delivered to non-admin sockets.
var redactedFields = []string{"internalMetadata", "systemData", "debugInfo"}

// RoomsFor computes the automatic memberships for a tenant context: the org
// room always, the user room when a user is known, then role and feature
// rooms.
func RoomsFor(tc models.TenantContext) []string {
	rooms := []string{OrgRoom(tc.OrganizationID)}
	if tc.UserID != "" {
		rooms = append(rooms, UserRoom(tc.UserID))
	}
	if tc.UserRole != "" {
		rooms = append(rooms, RoleRoom(tc.OrganizationID, tc.UserRole))
	}
	for _, role := range tc.Roles {
		if role != tc.UserRole {
			rooms = append(rooms, RoleRoom(tc.OrganizationID, role))
		}
	}
	for _, feature := range tc.Features {
		rooms = append(rooms, FeatureRoom(tc.OrganizationID, feature))
	}
	return rooms
}

// ChannelKind buckets a room or channel name for metrics labels so metric
// cardinality stays bounded no matter how many channels tenants create.
func ChannelKind(name string) string {
	for _, kind := range []string{"org", "user", "role", "feature", "magic"} {
		if strings.HasPrefix(name, kind+":") {
			return kind
		}
	}
	return "other"
}

// Subscriber is one attached socket. Deliver must not block; it reports false
// when the event was dropped instead of enqueued.
type Subscriber interface {
	SessionID() string
	Tenant() models.TenantContext
	Deliver(ev *models.Event) bool
}

// Router tracks which sockets are in which rooms and channels, and fans
// events out with tenant filtering and role redaction applied per receiver.
type Router struct {
	logger  logging.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
}

func New(logger logging.Logger, m *metrics.Metrics) *Router {
	return &Router{
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]map[string]Subscriber),
	}
}

// Join adds a subscriber to rooms. Joining twice is a no-op.
func (r *Router) Join(sub Subscriber, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		members, ok := r.rooms[name]
		if !ok {
			members = make(map[string]Subscriber)
			r.rooms[name] = members
		}
		members[sub.SessionID()] = sub
	}
}

// Leave removes a session from rooms, dropping rooms that empty out.
func (r *Router) Leave(sessionID string, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if members, ok := r.rooms[name]; ok {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(r.rooms, name)
			}
		}
	}
}

// LeaveAll removes a session from every room. Called on disconnect.
func (r *Router) LeaveAll(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, members := range r.rooms {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, name)
		}
	}
}

// IsMember reports current membership. Fan-out re-checks this per receiver
// so a socket that left mid-flight is never delivered to.
func (r *Router) IsMember(name, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[name]
	if !ok {
		return false
	}
	_, ok = members[sessionID]
	return ok
}

// Members reports the current size of a room.
func (r *Router) Members(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[name])
}

// Sessions lists the session ids currently in a room.
func (r *Router) Sessions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[name]))
	for id := range r.rooms[name] {
		out = append(out, id)
	}
	return out
}

// Fanout delivers an event to a room. Receivers in a different organization
// than the event are silently dropped, and non-admin receivers get internal
// fields redacted. Returns delivered and dropped counts; dropped counts only
// full receiver queues, not tenant filtering.
func (r *Router) Fanout(name string, ev *models.Event) (delivered, dropped int) {
	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.rooms[name]))
	for _, sub := range r.rooms[name] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	var redacted *models.Event
	for _, sub := range subs {
		// Membership may have changed since the snapshot.
		if !r.IsMember(name, sub.SessionID()) {
			continue
		}
		tc := sub.Tenant()
		if ev.OrganizationID != tc.OrganizationID {
			continue
		}

		out := ev
		if !tc.IsAdmin() {
			if redacted == nil {
				redacted = Redacted(ev)
			}
			out = redacted
		}
		if sub.Deliver(out) {
			delivered++
		} else {
			dropped++
		}
	}

	if r.metrics != nil && delivered > 0 {
		r.metrics.EventsDelivered.WithLabelValues(ev.Type, ChannelKind(name)).Add(float64(delivered))
	}
	return delivered, dropped
}

// Redacted strips internal fields from the payload. The original event is
// never mutated; admins keep receiving it untouched. Replay paths that bypass
// Fanout apply the same redaction per receiver.
func Redacted(ev *models.Event) *models.Event {
	payload := []byte(ev.Payload)
	touched := false
	for _, field := range redactedFields {
		if gjson.GetBytes(payload, field).Exists() {
			if next, err := sjson.DeleteBytes(payload, field); err == nil {
				payload = next
				touched = true
			}
		}
	}
	if !touched {
		return ev
	}
	clone := *ev
	clone.Payload = payload
	return &clone
}
