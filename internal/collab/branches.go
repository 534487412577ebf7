package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/AxonStream/axonpuls/internal/eventlog"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/router"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

// CreateSnapshot captures the room's live state at its current version onto a
// branch. Snapshots are immutable; the branch head moves to the new snapshot.
func (e *Engine) CreateSnapshot(ctx context.Context, tc models.TenantContext, roomName, branch, description string) (*models.Snapshot, error) {
	if branch == "" {
		branch = models.MainBranch
	}

	rt := e.runtime(tc.OrganizationID, roomName)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	// Read under the lock so state and version belong to the same moment.
	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetBranch(ctx, room.ID, branch); err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		ID:         uuid.NewString(),
		RoomID:     room.ID,
		BranchName: branch,
		State:      append(json.RawMessage(nil), room.State...),
		Version:    room.Version,
		CreatedAt:  e.now().UTC(),
	}
	if description != "" {
		snap.Description = &description
	}
	if err := e.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	e.broadcast(ctx, tc, room.Name, EventSnapshotCreated, map[string]interface{}{
		"room":        room.Name,
		"snapshot_id": snap.ID,
		"branch":      branch,
		"version":     snap.Version,
	})
	e.count("snapshot", "created")
	return snap, nil
}

// CreateBranch starts a new lineage rooted at a snapshot. With no snapshot
// given, the current live state is captured on main and used as the root.
func (e *Engine) CreateBranch(ctx context.Context, tc models.TenantContext, roomName, name, fromSnapshotID string) (*models.Branch, error) {
	if !roomNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid branch name %q", models.ErrValidation, name)
	}
	if name == models.MainBranch {
		return nil, fmt.Errorf("%w: %q is reserved", models.ErrValidation, models.MainBranch)
	}

	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}

	var root *models.Snapshot
	if fromSnapshotID == "" {
		root, err = e.CreateSnapshot(ctx, tc, roomName, models.MainBranch, "branch point for "+name)
	} else {
		root, err = e.store.GetSnapshot(ctx, room.ID, fromSnapshotID)
	}
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	b := &models.Branch{
		Name:           name,
		RoomID:         room.ID,
		FromSnapshotID: &root.ID,
		HeadSnapshotID: &root.ID,
		LastActivity:   now,
		CreatedAt:      now,
	}
	if err := e.store.CreateBranch(ctx, b); err != nil {
		return nil, err
	}

	e.broadcast(ctx, tc, room.Name, EventBranchCreated, map[string]interface{}{
		"room":             room.Name,
		"branch":           name,
		"from_snapshot_id": root.ID,
	})
	e.count("branch", "created")
	return b, nil
}

// ListBranches returns a room's branches.
func (e *Engine) ListBranches(ctx context.Context, tc models.TenantContext, roomName string) ([]models.Branch, error) {
	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	return e.store.ListBranches(ctx, room.ID)
}

// ListSnapshots returns a branch's snapshots, oldest first.
func (e *Engine) ListSnapshots(ctx context.Context, tc models.TenantContext, roomName, branch string, since, until time.Time, limit int) ([]models.Snapshot, error) {
	if branch == "" {
		branch = models.MainBranch
	}
	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	return e.store.ListSnapshots(ctx, room.ID, branch, since, until, limit)
}

// RevertToSnapshot rolls the room's live state back to a snapshot. safe
// refuses when operations based past the snapshot are still in flight; force
// discards them. The revert itself is an accepted operation: the version
// increments and a revert entry lands on the op log. Transforms never cross
// a revert.
func (e *Engine) RevertToSnapshot(ctx context.Context, tc models.TenantContext, roomName, snapshotID string, strategy models.RevertStrategy) (*models.Room, error) {
	switch strategy {
	case models.RevertSafe, models.RevertForce:
	case "":
		strategy = models.RevertSafe
	default:
		return nil, fmt.Errorf("%w: unknown revert strategy %q", models.ErrValidation, strategy)
	}

	rt := e.runtime(tc.OrganizationID, roomName)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	e.hydrate(ctx, rt, room)

	snap, err := e.store.GetSnapshot(ctx, room.ID, snapshotID)
	if err != nil {
		return nil, err
	}

	discarded := rt.countPendingNewerThan(snap.Version)
	if strategy == models.RevertSafe && discarded > 0 {
		return nil, fmt.Errorf("%w: %d in-flight operations are based past snapshot version %d", models.ErrConflict, discarded, snap.Version)
	}

	newVersion := room.Version + 1
	if err := e.store.UpdateRoomState(ctx, room.OrganizationID, room.ID, snap.State, newVersion); err != nil {
		return nil, err
	}
	room.State = append(json.RawMessage(nil), snap.State...)
	room.Version = newVersion

	rt.remember(historyEntry{version: newVersion, barrier: true})
	e.appendOpLog(ctx, tc, room, opLogRevert, opLogPayload{
		Room:       room.Name,
		Version:    newVersion,
		SnapshotID: snap.ID,
		Strategy:   string(strategy),
		Discarded:  discarded,
	})

	if err := e.store.UpdateBranchHead(ctx, room.ID, snap.BranchName, snap.ID); err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"room":   room.Name,
			"branch": snap.BranchName,
		}).Warn("Branch head not moved after revert")
	}

	e.broadcast(ctx, tc, room.Name, EventRoomReverted, map[string]interface{}{
		"room":        room.Name,
		"version":     newVersion,
		"snapshot_id": snap.ID,
		"strategy":    string(strategy),
	})
	e.count("revert", string(strategy))
	return room, nil
}

// MergeResult reports the outcome of a branch merge.
type MergeResult struct {
	Room      string                 `json:"room"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Strategy  models.MergeStrategy   `json:"strategy"`
	Applied   bool                   `json:"applied"`
	Snapshot  *models.Snapshot       `json:"snapshot,omitempty"`
	Conflicts []models.MergeConflict `json:"conflicts,omitempty"`
}

// MergeBranches folds source's changes into target and records a merge
// snapshot on target. auto succeeds only when no field-level conflict exists;
// manual never applies and returns the collisions; ours and theirs resolve
// every collision toward target or source respectively. Merging a branch into
// itself is the identity.
func (e *Engine) MergeBranches(ctx context.Context, tc models.TenantContext, roomName, source, target string, strategy models.MergeStrategy) (*MergeResult, error) {
	switch strategy {
	case models.MergeAuto, models.MergeManual, models.MergeOurs, models.MergeTheirs:
	case "":
		strategy = models.MergeAuto
	default:
		// "ai_resolution" arrives from older SDKs; there is no resolver
		// behind it, so it is rejected rather than silently downgraded.
		return nil, fmt.Errorf("%w: unsupported merge strategy %q", models.ErrValidation, strategy)
	}

	rt := e.runtime(tc.OrganizationID, roomName)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}

	result := &MergeResult{Room: roomName, Source: source, Target: target, Strategy: strategy}
	if source == target {
		// Merging a branch into itself changes nothing and cuts no snapshot.
		e.countMerge(strategy, "identity")
		return result, nil
	}

	sourceBranch, err := e.store.GetBranch(ctx, room.ID, source)
	if err != nil {
		return nil, err
	}
	targetBranch, err := e.store.GetBranch(ctx, room.ID, target)
	if err != nil {
		return nil, err
	}

	sourceState, _, err := e.branchState(ctx, room, sourceBranch)
	if err != nil {
		return nil, err
	}
	targetState, targetVersion, err := e.branchState(ctx, room, targetBranch)
	if err != nil {
		return nil, err
	}

	merged, conflicts := mergeStates(sourceState, targetState, strategy)
	if strategy == models.MergeManual {
		result.Conflicts = conflicts
		e.countMerge(strategy, "surfaced")
		return result, nil
	}
	if len(conflicts) > 0 { // auto with collisions
		if err := e.store.IncrementBranchConflicts(ctx, room.ID, target); err != nil {
			e.logger.WithError(err).WithField("room", room.Name).Warn("Conflict counter not recorded")
		}
		result.Conflicts = conflicts
		e.countMerge(strategy, "conflicts")
		return result, nil
	}

	snapVersion := targetVersion
	if target == models.MainBranch {
		// Merging into the live lineage is an accepted operation.
		newVersion := room.Version + 1
		if err := e.store.UpdateRoomState(ctx, room.OrganizationID, room.ID, merged, newVersion); err != nil {
			return nil, err
		}
		room.State = merged
		room.Version = newVersion
		snapVersion = newVersion

		rt.remember(historyEntry{version: newVersion, barrier: true})
		e.appendOpLog(ctx, tc, room, opLogMerge, opLogPayload{
			Room:     room.Name,
			Version:  newVersion,
			Strategy: string(strategy),
			Source:   source,
			Target:   target,
		})
	}

	desc := fmt.Sprintf("merge %s into %s (%s)", source, target, strategy)
	snap := &models.Snapshot{
		ID:          uuid.NewString(),
		RoomID:      room.ID,
		BranchName:  target,
		State:       merged,
		Version:     snapVersion,
		Description: &desc,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	result.Applied = true
	result.Snapshot = snap
	e.broadcast(ctx, tc, room.Name, EventMergeCompleted, map[string]interface{}{
		"room":        room.Name,
		"source":      source,
		"target":      target,
		"strategy":    string(strategy),
		"snapshot_id": snap.ID,
		"version":     snapVersion,
	})
	e.countMerge(strategy, "applied")
	return result, nil
}

// BranchComparison is the result of compareBranches.
type BranchComparison struct {
	Room    string              `json:"room"`
	Source  string              `json:"source"`
	Target  string              `json:"target"`
	Diffs   []models.BranchDiff `json:"diffs"`
	Summary ComparisonSummary   `json:"summary"`
}

// ComparisonSummary counts differences by kind.
type ComparisonSummary struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
}

// CompareBranches reports per-path differences between two branch states,
// oriented as "what source would change about target".
func (e *Engine) CompareBranches(ctx context.Context, tc models.TenantContext, roomName, source, target string) (*BranchComparison, error) {
	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	sourceBranch, err := e.store.GetBranch(ctx, room.ID, source)
	if err != nil {
		return nil, err
	}
	targetBranch, err := e.store.GetBranch(ctx, room.ID, target)
	if err != nil {
		return nil, err
	}
	sourceState, _, err := e.branchState(ctx, room, sourceBranch)
	if err != nil {
		return nil, err
	}
	targetState, _, err := e.branchState(ctx, room, targetBranch)
	if err != nil {
		return nil, err
	}

	diffs := diffStates(sourceState, targetState)
	cmp := &BranchComparison{Room: roomName, Source: source, Target: target, Diffs: diffs}
	for _, d := range diffs {
		switch d.Type {
		case models.DiffAdded:
			cmp.Summary.Added++
		case models.DiffRemoved:
			cmp.Summary.Removed++
		case models.DiffModified:
			cmp.Summary.Modified++
		}
	}
	return cmp, nil
}

// TimelineResult combines a branch's snapshots with the room's recent op log.
type TimelineResult struct {
	Room       string            `json:"room"`
	Branch     string            `json:"branch"`
	Version    int64             `json:"version"`
	Snapshots  []models.Snapshot `json:"snapshots"`
	Operations []models.Event    `json:"operations"`
}

// Timeline returns the room's history: snapshots on the branch plus the most
// recent op log entries.
func (e *Engine) Timeline(ctx context.Context, tc models.TenantContext, roomName, branch string, since, until time.Time, limit int) (*TimelineResult, error) {
	if branch == "" {
		branch = models.MainBranch
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	room, err := e.store.GetRoom(ctx, tc.OrganizationID, roomName)
	if err != nil {
		return nil, err
	}
	snaps, err := e.store.ListSnapshots(ctx, room.ID, branch, since, until, limit)
	if err != nil {
		return nil, err
	}

	key := eventlog.Key(room.OrganizationID, router.MagicRoom(room.Name))
	entries, err := e.log.ReadLast(ctx, key, int64(limit))
	if err != nil {
		return nil, err
	}
	ops := make([]models.Event, 0, len(entries))
	for _, entry := range entries {
		ev, err := eventlog.EventFromEntry(entry)
		if err != nil {
			continue
		}
		ops = append(ops, *ev)
	}

	return &TimelineResult{
		Room:       room.Name,
		Branch:     branch,
		Version:    room.Version,
		Snapshots:  snaps,
		Operations: ops,
	}, nil
}

// branchState resolves the document a branch currently stands for: its head
// snapshot, or the live room state for main before any snapshot exists, or
// the branch root.
func (e *Engine) branchState(ctx context.Context, room *models.Room, b *models.Branch) ([]byte, int64, error) {
	switch {
	case b.HeadSnapshotID != nil:
		snap, err := e.store.GetSnapshot(ctx, room.ID, *b.HeadSnapshotID)
		if err != nil {
			return nil, 0, err
		}
		return snap.State, snap.Version, nil
	case b.Name == models.MainBranch:
		return room.State, room.Version, nil
	case b.FromSnapshotID != nil:
		snap, err := e.store.GetSnapshot(ctx, room.ID, *b.FromSnapshotID)
		if err != nil {
			return nil, 0, err
		}
		return snap.State, snap.Version, nil
	default:
		return []byte(`{}`), 0, nil
	}
}

func (e *Engine) countMerge(strategy models.MergeStrategy, outcome string) {
	if e.metrics != nil {
		e.metrics.CollabMerges.WithLabelValues(string(strategy), outcome).Inc()
	}
}

// countPendingNewerThan counts queued operations based past version v.
func (rt *roomRuntime) countPendingNewerThan(v int64) int {
	rt.pendingMu.Lock()
	defer rt.pendingMu.Unlock()
	n := 0
	for _, base := range rt.pending {
		if base > v {
			n++
		}
	}
	return n
}

// flatten walks a JSON document and collects its leaf paths. Objects recurse;
// arrays and scalars are leaves, so merges and diffs treat an array as one
// value rather than guessing element identity.
func flatten(prefix string, node gjson.Result, out map[string]string) {
	if node.IsObject() {
		node.ForEach(func(key, value gjson.Result) bool {
			path := escapeSegment(key.String())
			if prefix != "" {
				path = prefix + "." + path
			}
			flatten(path, value, out)
			return true
		})
		return
	}
	if prefix == "" {
		// Scalar or array document root.
		out[""] = node.Raw
		return
	}
	out[prefix] = node.Raw
}

// mergeStates folds source into target field by field. Collisions are
// resolved per strategy; for auto they are returned instead of resolved.
func mergeStates(source, target []byte, strategy models.MergeStrategy) ([]byte, []models.MergeConflict) {
	src := map[string]string{}
	tgt := map[string]string{}
	flatten("", gjson.ParseBytes(source), src)
	flatten("", gjson.ParseBytes(target), tgt)

	paths := make([]string, 0, len(src))
	for path := range src {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	merged := append([]byte(nil), target...)
	var conflicts []models.MergeConflict
	for _, path := range paths {
		sv := src[path]
		tv, inTarget := tgt[path]
		switch {
		case !inTarget:
			merged = setRaw(merged, path, sv)
		case sv == tv:
			// identical, nothing to do
		case strategy == models.MergeOurs:
			// keep target
		case strategy == models.MergeTheirs:
			merged = setRaw(merged, path, sv)
		default: // auto, manual
			conflicts = append(conflicts, models.MergeConflict{
				Path:   path,
				Source: json.RawMessage(sv),
				Target: json.RawMessage(tv),
			})
		}
	}
	if len(conflicts) > 0 {
		return nil, conflicts
	}
	return merged, nil
}

func setRaw(doc []byte, path, raw string) []byte {
	if path == "" {
		return []byte(raw)
	}
	out, err := sjson.SetRawBytes(doc, path, []byte(raw))
	if err != nil {
		return doc
	}
	return out
}

// diffStates lists what source would change about target.
func diffStates(source, target []byte) []models.BranchDiff {
	src := map[string]string{}
	tgt := map[string]string{}
	flatten("", gjson.ParseBytes(source), src)
	flatten("", gjson.ParseBytes(target), tgt)

	paths := make(map[string]struct{}, len(src)+len(tgt))
	for p := range src {
		paths[p] = struct{}{}
	}
	for p := range tgt {
		paths[p] = struct{}{}
	}
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	var diffs []models.BranchDiff
	for _, path := range ordered {
		sv, inSource := src[path]
		tv, inTarget := tgt[path]
		switch {
		case inSource && !inTarget:
			diffs = append(diffs, models.BranchDiff{
				Path: path, Type: models.DiffAdded,
				New: json.RawMessage(sv), Severity: "low",
			})
		case !inSource && inTarget:
			diffs = append(diffs, models.BranchDiff{
				Path: path, Type: models.DiffRemoved,
				Old: json.RawMessage(tv), Severity: "high",
			})
		case sv != tv:
			diffs = append(diffs, models.BranchDiff{
				Path: path, Type: models.DiffModified,
				Old: json.RawMessage(tv), New: json.RawMessage(sv), Severity: "medium",
			})
		}
	}
	return diffs
}
