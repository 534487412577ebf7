package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/axonpuls/internal/eventlog"
	"github.com/AxonStream/axonpuls/internal/metrics"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/router"
	"github.com/AxonStream/axonpuls/internal/store"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

// Event types emitted by the engine, both onto the per-room op log and to
// live subscribers of magic:{room}.
const (
	EventOperationApplied = "magic_operation_applied"
	EventRoomReverted     = "magic_room_reverted"
	EventSnapshotCreated  = "magic_snapshot_created"
	EventBranchCreated    = "magic_branch_created"
	EventMergeCompleted   = "magic_merge_completed"
	EventPresenceJoined   = "presence_joined"
	EventPresenceLeft     = "presence_left"

	opLogOperation = "magic_operation"
	opLogRevert    = "magic_revert"
	opLogMerge     = "magic_merge"
)

// maxHistory bounds the per-room in-memory operation window used for
// transforms. Operations based further back than the window can hold → Conflict.
const maxHistory = 512

var roomNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Broadcaster delivers a live event to every subscriber of a room, on this
// node and across the cluster. Implemented by the gateway hub.
type Broadcaster interface {
	Broadcast(ctx context.Context, room string, ev *models.Event)
}

// Engine serializes collaboration operations per room, maintains the op log,
// and owns snapshot/branch lineage. Operations against different rooms
// progress in parallel; operations against one room are applied in a single
// total order under that room's critical section.
type Engine struct {
	store   *store.Store
	log     *eventlog.Log
	kv      goredis.UniversalClient
	caster  Broadcaster
	logger  logging.Logger
	metrics *metrics.Metrics

	kvTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*roomRuntime

	now func() time.Time
}

// roomRuntime is the node-local serialization point for one room.
type roomRuntime struct {
	mu       sync.Mutex
	hydrated bool
	history  []historyEntry

	pendingMu sync.Mutex
	pending   map[string]int64 // opID → baseVersion of ops waiting on mu
}

// historyEntry is one accepted operation at the version it produced. Reverts
// and merges are barriers: transforms cannot cross them.
type historyEntry struct {
	version int64
	op      models.Operation
	barrier bool
}

// NewEngine wires the collaboration engine. caster may be set later via
// SetBroadcaster when construction order demands it.
func NewEngine(st *store.Store, log *eventlog.Log, kv goredis.UniversalClient, logger logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:     st,
		log:       log,
		kv:        kv,
		logger:    logger,
		metrics:   m,
		kvTimeout: time.Second,
		rooms:     make(map[string]*roomRuntime),
		now:       time.Now,
	}
}

// SetBroadcaster attaches the live fan-out sink. Must be called before the
// engine serves traffic.
func (e *Engine) SetBroadcaster(b Broadcaster) { e.caster = b }

// OperationResult reports what happened to a submitted operation.
type OperationResult struct {
	Room        *models.Room     `json:"room"`
	Operation   models.Operation `json:"operation"`
	Version     int64            `json:"version"`
	Transformed bool             `json:"transformed"`
	Dropped     bool             `json:"dropped"`
	Reason      string           `json:"reason,omitempty"`
}

// CreateRoom provisions a room at version 0 with its main branch.
func (e *Engine) CreateRoom(ctx context.Context, tc models.TenantContext, name string, cfg models.RoomConfig, initial json.RawMessage) (*models.Room, error) {
	if !roomNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid room name %q", models.ErrValidation, name)
	}
	if len(initial) == 0 {
		initial = json.RawMessage(`{}`)
	} else if !json.Valid(initial) {
		return nil, fmt.Errorf("%w: initial state is not valid JSON", models.ErrValidation)
	}
	if cfg.ConflictResolution == "" {
		cfg.ConflictResolution = models.ConflictLastWriteWins
	}
	switch cfg.ConflictResolution {
	case models.ConflictFirstWriteWins, models.ConflictLastWriteWins, models.ConflictUserChoice:
	default:
		return nil, fmt.Errorf("%w: unknown conflict resolution %q", models.ErrValidation, cfg.ConflictResolution)
	}

	room := &models.Room{
		ID:             uuid.NewString(),
		Name:           name,
		OrganizationID: tc.OrganizationID,
		State:          initial,
		Version:        0,
		Config:         cfg,
		CreatedAt:      e.now().UTC(),
		UpdatedAt:      e.now().UTC(),
	}
	if err := e.store.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	e.logger.WithFields(logging.Fields{
		"room":            name,
		"organization_id": tc.OrganizationID,
	}).Info("Collaboration room created")
	return room, nil
}

// GetRoom fetches a room in the caller's organization.
func (e *Engine) GetRoom(ctx context.Context, tc models.TenantContext, name string) (*models.Room, error) {
	return e.store.GetRoom(ctx, tc.OrganizationID, name)
}

// ListRooms lists the organization's rooms.
func (e *Engine) ListRooms(ctx context.Context, tc models.TenantContext, limit int) ([]models.Room, error) {
	return e.store.ListRooms(ctx, tc.OrganizationID, limit)
}

// ApplyOperation validates, transforms, and applies one operation under the
// room's critical section. On acceptance the room version increments by
// exactly one, the operation lands on the op log, and subscribers of
// magic:{room} receive magic_operation_applied.
func (e *Engine) ApplyOperation(ctx context.Context, tc models.TenantContext, roomName string, op models.Operation) (*OperationResult, error) {
	if err := validateOperation(&op, e.now()); err != nil {
		return nil, err
	}

	rt := e.runtime(tc.OrganizationID, roomName)
	rt.addPending(op.ID, op.BaseVersion)
	defer rt.removePending(op.ID)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	// Read under the lock so the version reflects every operation that beat
	// this one to the critical section.
	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	e.hydrate(ctx, rt, room)

	if op.BaseVersion > room.Version {
		return nil, fmt.Errorf("%w: base version %d is ahead of room version %d", models.ErrValidation, op.BaseVersion, room.Version)
	}

	applied := op.Clone()
	transformed := false
	if op.BaseVersion < room.Version {
		intervening, ok := rt.interveningOps(op.BaseVersion, room.Version)
		if !ok {
			return e.settleConflict(ctx, tc, rt, room, op, "operation base version predates the transform window")
		}
		var outcome Outcome
		applied, outcome = TransformAll(op, intervening)
		switch outcome {
		case OutcomeNoop:
			e.countOp(op.Type, "superseded")
			return &OperationResult{Room: room, Operation: applied, Version: room.Version, Transformed: true, Dropped: true, Reason: "superseded by a newer write"}, nil
		case OutcomeConflict:
			return e.settleConflict(ctx, tc, rt, room, op, "operation cannot be reconciled with intervening changes")
		}
		transformed = true
	}

	return e.commit(ctx, tc, rt, room, applied, transformed)
}

// commit applies an already-reconciled operation and makes it durable.
func (e *Engine) commit(ctx context.Context, tc models.TenantContext, rt *roomRuntime, room *models.Room, op models.Operation, transformed bool) (*OperationResult, error) {
	newState, err := Apply(room.State, op)
	if err != nil {
		e.countOp(op.Type, "rejected")
		return nil, err
	}

	newVersion := room.Version + 1
	if err := e.store.UpdateRoomState(ctx, room.OrganizationID, room.ID, newState, newVersion); err != nil {
		e.countOp(op.Type, "race_lost")
		return nil, err
	}
	room.State = newState
	room.Version = newVersion

	rt.remember(historyEntry{version: newVersion, op: op})
	e.appendOpLog(ctx, tc, room, opLogOperation, opLogPayload{
		Room:      room.Name,
		Version:   newVersion,
		Operation: &op,
	})
	e.broadcast(ctx, tc, room.Name, EventOperationApplied, operationAppliedPayload{
		Room:      room.Name,
		Version:   newVersion,
		Operation: op,
	})

	outcome := "applied"
	if transformed {
		outcome = "transformed"
	}
	e.countOp(op.Type, outcome)

	return &OperationResult{Room: room, Operation: op, Version: newVersion, Transformed: transformed}, nil
}

// settleConflict routes an unreconcilable operation through the room's
// conflict policy. Every such collision is recorded on the main branch.
func (e *Engine) settleConflict(ctx context.Context, tc models.TenantContext, rt *roomRuntime, room *models.Room, op models.Operation, reason string) (*OperationResult, error) {
	if err := e.store.IncrementBranchConflicts(ctx, room.ID, models.MainBranch); err != nil {
		e.logger.WithError(err).WithField("room", room.Name).Warn("Conflict counter not recorded")
	}

	policy := room.Config.ConflictResolution
	if policy == "" {
		policy = models.ConflictLastWriteWins
	}

	switch policy {
	case models.ConflictFirstWriteWins:
		e.countOp(op.Type, "dropped")
		return &OperationResult{Room: room, Operation: op, Version: room.Version, Transformed: true, Dropped: true, Reason: reason}, nil

	case models.ConflictLastWriteWins:
		// The late writer's intent wins: apply the operation as sent. If the
		// document has moved so far that it no longer applies, drop it.
		result, err := e.commit(ctx, tc, rt, room, op.Clone(), true)
		if err != nil {
			if models.IsConflict(err) || errors.Is(err, models.ErrValidation) {
				e.countOp(op.Type, "dropped")
				return &OperationResult{Room: room, Operation: op, Version: room.Version, Transformed: true, Dropped: true, Reason: reason}, nil
			}
			return nil, err
		}
		result.Reason = reason
		return result, nil

	default: // user_choice
		e.countOp(op.Type, "conflict")
		return nil, fmt.Errorf("%w: %s", models.ErrConflict, reason)
	}
}

// runtime returns the serialization point for a room, keyed by tenant and
// name so callers can take the lock before touching the store.
func (e *Engine) runtime(orgID, roomName string) *roomRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := orgID + "/" + roomName
	rt, ok := e.rooms[key]
	if !ok {
		rt = &roomRuntime{pending: make(map[string]int64)}
		e.rooms[key] = rt
	}
	return rt
}

// hydrate rebuilds the transform window from the op log after a restart.
// Holding the room lock. Best effort: a cold window just narrows how far back
// transforms can reach.
func (e *Engine) hydrate(ctx context.Context, rt *roomRuntime, room *models.Room) {
	if rt.hydrated {
		return
	}
	rt.hydrated = true

	key := eventlog.Key(room.OrganizationID, router.MagicRoom(room.Name))
	entries, err := e.log.ReadLast(ctx, key, maxHistory)
	if err != nil {
		e.logger.WithError(err).WithField("room", room.Name).Warn("Op log unavailable; transform window starts cold")
		return
	}

	for _, entry := range entries {
		ev, err := eventlog.EventFromEntry(entry)
		if err != nil {
			continue
		}
		var p opLogPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Version == 0 {
			continue
		}
		he := historyEntry{version: p.Version, barrier: ev.Type != opLogOperation}
		if p.Operation != nil {
			he.op = *p.Operation
		}
		rt.history = append(rt.history, he)
	}
}

// remember appends an accepted operation to the transform window.
func (rt *roomRuntime) remember(he historyEntry) {
	rt.history = append(rt.history, he)
	if len(rt.history) > maxHistory {
		rt.history = rt.history[len(rt.history)-maxHistory:]
	}
}

// interveningOps returns the operations that produced versions
// (base, current], in order. ok is false when the window does not cover the
// span or a barrier (revert, merge) sits inside it.
func (rt *roomRuntime) interveningOps(base, current int64) ([]models.Operation, bool) {
	need := current - base
	if need <= 0 {
		return nil, true
	}

	ops := make([]models.Operation, 0, need)
	want := base + 1
	for _, he := range rt.history {
		if he.version < want {
			continue
		}
		if he.version != want {
			return nil, false // gap in the window
		}
		if he.barrier {
			return nil, false
		}
		ops = append(ops, he.op)
		want++
	}
	if want != current+1 {
		return nil, false
	}
	return ops, true
}

func (rt *roomRuntime) addPending(opID string, baseVersion int64) {
	rt.pendingMu.Lock()
	rt.pending[opID] = baseVersion
	rt.pendingMu.Unlock()
}

func (rt *roomRuntime) removePending(opID string) {
	rt.pendingMu.Lock()
	delete(rt.pending, opID)
	rt.pendingMu.Unlock()
}

// appendOpLog writes a durable record onto events:{org}:magic:{room}.
func (e *Engine) appendOpLog(ctx context.Context, tc models.TenantContext, room *models.Room, eventType string, payload opLogPayload) {
	ev := e.newEvent(tc, room.Name, eventType, payload)
	key := eventlog.Key(room.OrganizationID, router.MagicRoom(room.Name))
	if _, err := e.log.Append(ctx, key, eventlog.FieldsFromEvent(ev)); err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"room": room.Name,
			"type": eventType,
		}).Error("Op log append failed")
	}
}

// broadcast emits a live event to magic:{room} subscribers.
func (e *Engine) broadcast(ctx context.Context, tc models.TenantContext, roomName, eventType string, payload interface{}) {
	if e.caster == nil {
		return
	}
	e.caster.Broadcast(ctx, router.MagicRoom(roomName), e.newEvent(tc, roomName, eventType, payload))
}

func (e *Engine) newEvent(tc models.TenantContext, roomName, eventType string, payload interface{}) *models.Event {
	raw, _ := json.Marshal(payload)
	ev := &models.Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		Channel:        router.MagicRoom(roomName),
		OrganizationID: tc.OrganizationID,
		Payload:        raw,
		CreatedAt:      e.now().UTC(),
	}
	if tc.UserID != "" {
		userID := tc.UserID
		ev.UserID = &userID
	}
	return ev
}

func (e *Engine) countOp(t models.OperationType, outcome string) {
	e.count(string(t), outcome)
}

func (e *Engine) count(kind, outcome string) {
	if e.metrics != nil {
		e.metrics.CollabOperations.WithLabelValues(kind, outcome).Inc()
	}
}

// validateOperation normalizes an inbound operation and rejects malformed
// shapes before any state is touched.
func validateOperation(op *models.Operation, now time.Time) error {
	switch op.Type {
	case models.OpSet, models.OpObjectMerge:
		if len(op.Value) == 0 || !json.Valid(op.Value) {
			return fmt.Errorf("%w: %s requires a JSON value", models.ErrValidation, op.Type)
		}
	case models.OpArrayInsert:
		if op.Index == nil {
			return fmt.Errorf("%w: arrayInsert requires an index", models.ErrValidation)
		}
		if len(op.Value) == 0 || !json.Valid(op.Value) {
			return fmt.Errorf("%w: arrayInsert requires a JSON value", models.ErrValidation)
		}
	case models.OpArrayDelete:
		if op.Index == nil {
			return fmt.Errorf("%w: arrayDelete requires an index", models.ErrValidation)
		}
	case models.OpArrayMove:
		if op.Index == nil || op.NewIndex == nil {
			return fmt.Errorf("%w: arrayMove requires index and new_index", models.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown operation type %q", models.ErrValidation, op.Type)
	}

	if op.Type == models.OpObjectMerge {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(op.Value, &probe); err != nil {
			return fmt.Errorf("%w: objectMerge value must be a JSON object", models.ErrValidation)
		}
	}
	if op.ClientID == "" {
		return fmt.Errorf("%w: operation requires a client_id", models.ErrValidation)
	}
	if op.BaseVersion < 0 {
		return fmt.Errorf("%w: base_version cannot be negative", models.ErrValidation)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp == 0 {
		op.Timestamp = now.UnixMilli()
	}
	return nil
}

// opLogPayload is the durable record format on the per-room op log.
type opLogPayload struct {
	Room       string            `json:"room"`
	Version    int64             `json:"version"`
	Operation  *models.Operation `json:"operation,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	Strategy   string            `json:"strategy,omitempty"`
	Discarded  int               `json:"discarded,omitempty"`
	Source     string            `json:"source,omitempty"`
	Target     string            `json:"target,omitempty"`
}

type operationAppliedPayload struct {
	Room      string           `json:"room"`
	Version   int64            `json:"version"`
	Operation models.Operation `json:"operation"`
}
