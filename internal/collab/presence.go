package collab

import (
	"context"
	"sort"

	"github.com/AxonStream/axonpuls/internal/models"
)

func presenceKey(orgID, roomName string) string {
	return "axonpuls:presence:" + orgID + ":" + roomName
}

// JoinRoom records presence for rooms that have it enabled and announces the
// arrival to the room. Returns the room so callers can attach the session's
// socket to the fan-out.
func (e *Engine) JoinRoom(ctx context.Context, tc models.TenantContext, roomName, sessionID string) (*models.Room, error) {
	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	if !room.Config.Presence {
		return room, nil
	}

	member := presenceMember(tc, sessionID)
	kvCtx, cancel := context.WithTimeout(ctx, e.kvTimeout)
	defer cancel()
	if err := e.kv.SAdd(kvCtx, presenceKey(tc.OrganizationID, roomName), member).Err(); err != nil {
		e.logger.WithError(err).WithField("room", roomName).Warn("Presence set not updated on join")
	}

	e.broadcast(ctx, tc, roomName, EventPresenceJoined, map[string]interface{}{
		"room":       roomName,
		"user_id":    member,
		"session_id": sessionID,
		"at":         e.now().UTC().UnixMilli(),
	})
	return room, nil
}

// LeaveRoom removes presence and announces the departure.
func (e *Engine) LeaveRoom(ctx context.Context, tc models.TenantContext, roomName, sessionID string) (*models.Room, error) {
	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	if !room.Config.Presence {
		return room, nil
	}

	member := presenceMember(tc, sessionID)
	kvCtx, cancel := context.WithTimeout(ctx, e.kvTimeout)
	defer cancel()
	if err := e.kv.SRem(kvCtx, presenceKey(tc.OrganizationID, roomName), member).Err(); err != nil {
		e.logger.WithError(err).WithField("room", roomName).Warn("Presence set not updated on leave")
	}

	e.broadcast(ctx, tc, roomName, EventPresenceLeft, map[string]interface{}{
		"room":       roomName,
		"user_id":    member,
		"session_id": sessionID,
		"at":         e.now().UTC().UnixMilli(),
	})
	return room, nil
}

// Presence lists the members currently present in a room. Rooms without
// presence enabled report an empty list.
func (e *Engine) Presence(ctx context.Context, tc models.TenantContext, roomName string) ([]string, error) {
	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	if !room.Config.Presence {
		return nil, nil
	}

	kvCtx, cancel := context.WithTimeout(ctx, e.kvTimeout)
	defer cancel()
	members, err := e.kv.SMembers(kvCtx, presenceKey(tc.OrganizationID, roomName)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func presenceMember(tc models.TenantContext, sessionID string) string {
	if tc.UserID != "" {
		return tc.UserID
	}
	return sessionID
}
