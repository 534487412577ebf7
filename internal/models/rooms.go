package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ConflictResolution selects how the collaboration engine settles operations
// that OT cannot reconcile.
type ConflictResolution string

const (
	ConflictFirstWriteWins ConflictResolution = "first_write_wins"
	ConflictLastWriteWins  ConflictResolution = "last_write_wins"
	ConflictUserChoice     ConflictResolution = "user_choice"
)

// RoomConfig holds per-room collaboration features.
type RoomConfig struct {
	TimeTravel         bool               `json:"time_travel"`
	Presence           bool               `json:"presence"`
	ConflictResolution ConflictResolution `json:"conflict_resolution"`
}

// Value and Scan route RoomConfig through a JSONB column.
func (c RoomConfig) Value() (driver.Value, error) { return json.Marshal(c) }

func (c *RoomConfig) Scan(value interface{}) error { return scanJSON(value, c) }

// Room is a collaboration document. Version is a monotonic counter incremented
// exactly once per accepted operation; State is the JSON document at Version.
type Room struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	State          json.RawMessage `json:"state" db:"state"`
	Version        int64           `json:"version" db:"version"`
	Config         RoomConfig      `json:"config" db:"config"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// OperationType enumerates the structural edits OT understands.
type OperationType string

const (
	OpSet         OperationType = "set"
	OpArrayInsert OperationType = "arrayInsert"
	OpArrayDelete OperationType = "arrayDelete"
	OpArrayMove   OperationType = "arrayMove"
	OpObjectMerge OperationType = "objectMerge"
)

// Operation is a structural edit against room state. Timestamp is unix
// milliseconds and, with ClientID, breaks last-write-wins ties.
type Operation struct {
	ID          string          `json:"id"`
	Type        OperationType   `json:"type"`
	Path        []string        `json:"path"`
	Value       json.RawMessage `json:"value,omitempty"`
	Index       *int            `json:"index,omitempty"`
	NewIndex    *int            `json:"new_index,omitempty"`
	ClientID    string          `json:"client_id"`
	BaseVersion int64           `json:"base_version"`
	Timestamp   int64           `json:"timestamp"`
	Causality   []string        `json:"causality,omitempty"`
}

// Clone copies the operation so transforms never mutate the caller's value.
func (op Operation) Clone() Operation {
	cp := op
	cp.Path = append([]string(nil), op.Path...)
	cp.Causality = append([]string(nil), op.Causality...)
	if op.Index != nil {
		v := *op.Index
		cp.Index = &v
	}
	if op.NewIndex != nil {
		v := *op.NewIndex
		cp.NewIndex = &v
	}
	cp.Value = append(json.RawMessage(nil), op.Value...)
	return cp
}

// Snapshot is an immutable capture of room state at a version on a branch.
type Snapshot struct {
	ID          string          `json:"id" db:"id"`
	RoomID      string          `json:"room_id" db:"room_id"`
	BranchName  string          `json:"branch_name" db:"branch_name"`
	State       json.RawMessage `json:"state" db:"state"`
	Version     int64           `json:"version" db:"version"`
	Description *string         `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Branch is a lineage of snapshots. The head pointer moves; snapshots do not.
// "main" is reserved and auto-created with the room.
type Branch struct {
	Name           string    `json:"name" db:"name"`
	RoomID         string    `json:"room_id" db:"room_id"`
	FromSnapshotID *string   `json:"from_snapshot_id,omitempty" db:"from_snapshot_id"`
	HeadSnapshotID *string   `json:"head_snapshot_id,omitempty" db:"head_snapshot_id"`
	ConflictCount  int       `json:"conflict_count" db:"conflict_count"`
	LastActivity   time.Time `json:"last_activity" db:"last_activity"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// MainBranch is the reserved default branch name.
const MainBranch = "main"

// DiffType classifies a per-path difference between branches.
type DiffType string

const (
	DiffAdded    DiffType = "added"
	DiffRemoved  DiffType = "removed"
	DiffModified DiffType = "modified"
)

// BranchDiff is one per-path difference reported by compareBranches.
type BranchDiff struct {
	Path     string          `json:"path"`
	Type     DiffType        `json:"type"`
	Old      json.RawMessage `json:"old,omitempty"`
	New      json.RawMessage `json:"new,omitempty"`
	Severity string          `json:"severity"`
}

// MergeStrategy selects conflict handling for mergeBranches.
type MergeStrategy string

const (
	MergeAuto   MergeStrategy = "auto"
	MergeManual MergeStrategy = "manual"
	MergeOurs   MergeStrategy = "ours"
	MergeTheirs MergeStrategy = "theirs"
)

// MergeConflict is a field-level collision surfaced by an auto merge.
type MergeConflict struct {
	Path   string          `json:"path"`
	Source json.RawMessage `json:"source"`
	Target json.RawMessage `json:"target"`
}

// RevertStrategy selects how revertToSnapshot treats in-flight operations.
type RevertStrategy string

const (
	RevertSafe  RevertStrategy = "safe"
	RevertForce RevertStrategy = "force"
)

func scanJSON(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	}
	return nil
}
