package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/AxonStream/axonpuls/internal/models"
)

// Outcome reports what a transform did to an operation.
type Outcome int

const (
	// OutcomeOK means the operation survived, possibly with shifted indices.
	OutcomeOK Outcome = iota
	// OutcomeNoop means the operation was superseded and should be dropped
	// without being counted as a conflict (e.g. it lost a last-write-wins
	// race).
	OutcomeNoop
	// OutcomeConflict means the operations cannot be reconciled (e.g.
	// competing deletes of the same element) and the room's conflict policy
	// decides.
	OutcomeConflict
)

// Transform rebases op against one previously applied operation and returns
// the adjusted operation. The inputs are never mutated.
func Transform(op, applied models.Operation) (models.Operation, Outcome) {
	if applied.Type == models.OpArrayMove {
		return transformAgainstMove(op, applied)
	}
	if op.Type == models.OpArrayMove {
		return transformMove(op, applied)
	}
	if !samePath(op.Path, applied.Path) {
		return op.Clone(), OutcomeOK
	}

	switch {
	case op.Type == models.OpSet && applied.Type == models.OpSet,
		op.Type == models.OpSet && applied.Type == models.OpObjectMerge,
		op.Type == models.OpObjectMerge && applied.Type == models.OpSet:
		// Whole-value collision: last write wins, ties broken by client id.
		if wins(op, applied) {
			return op.Clone(), OutcomeOK
		}
		return op.Clone(), OutcomeNoop

	case op.Type == models.OpObjectMerge && applied.Type == models.OpObjectMerge:
		return transformMerge(op, applied)

	case op.Type == models.OpArrayInsert && applied.Type == models.OpArrayInsert:
		out := op.Clone()
		if idx(applied.Index) <= idx(op.Index) {
			*out.Index = idx(op.Index) + 1
		}
		return out, OutcomeOK

	case op.Type == models.OpArrayInsert && applied.Type == models.OpArrayDelete:
		out := op.Clone()
		if idx(applied.Index) < idx(op.Index) {
			*out.Index = idx(op.Index) - 1
		}
		return out, OutcomeOK

	case op.Type == models.OpArrayDelete && applied.Type == models.OpArrayInsert:
		out := op.Clone()
		if idx(applied.Index) <= idx(op.Index) {
			*out.Index = idx(op.Index) + 1
		}
		return out, OutcomeOK

	case op.Type == models.OpArrayDelete && applied.Type == models.OpArrayDelete:
		switch {
		case idx(applied.Index) < idx(op.Index):
			out := op.Clone()
			*out.Index = idx(op.Index) - 1
			return out, OutcomeOK
		case idx(applied.Index) == idx(op.Index):
			// Competing deletes of the same element cannot be reconciled.
			return op.Clone(), OutcomeConflict
		default:
			return op.Clone(), OutcomeOK
		}

	case op.Type == models.OpSet && isArrayOp(applied.Type):
		// The set replaces the whole container; element-level shifts are moot.
		return op.Clone(), OutcomeOK

	default:
		// Structural edits against a container that was replaced or reshaped
		// by a different kind of edit. No rule reconciles these.
		return op.Clone(), OutcomeConflict
	}
}

// TransformAll rebases op across an ordered sequence of applied operations.
func TransformAll(op models.Operation, applied []models.Operation) (models.Operation, Outcome) {
	out := op.Clone()
	for _, ap := range applied {
		var outcome Outcome
		out, outcome = Transform(out, ap)
		if outcome != OutcomeOK {
			return out, outcome
		}
	}
	return out, OutcomeOK
}

// transformMove rebases an incoming arrayMove by decomposing it into its
// delete and insert halves and transforming each half pairwise.
func transformMove(op, applied models.Operation) (models.Operation, Outcome) {
	del := op.Clone()
	del.Type = models.OpArrayDelete
	del.NewIndex = nil

	ins := op.Clone()
	ins.Type = models.OpArrayInsert
	ins.Index = cloneInt(op.NewIndex)
	ins.NewIndex = nil

	del, outcome := Transform(del, applied)
	if outcome != OutcomeOK {
		return op.Clone(), outcome
	}
	ins, outcome = Transform(ins, applied)
	if outcome != OutcomeOK {
		return op.Clone(), outcome
	}

	out := op.Clone()
	out.Index = cloneInt(del.Index)
	out.NewIndex = cloneInt(ins.Index)
	return out, OutcomeOK
}

// transformAgainstMove rebases op against an applied arrayMove by treating
// the move as its delete half followed by its insert half.
func transformAgainstMove(op, applied models.Operation) (models.Operation, Outcome) {
	del := applied.Clone()
	del.Type = models.OpArrayDelete
	del.NewIndex = nil

	ins := applied.Clone()
	ins.Type = models.OpArrayInsert
	ins.Index = cloneInt(applied.NewIndex)
	ins.NewIndex = nil

	out, outcome := Transform(op, del)
	if outcome != OutcomeOK {
		return out, outcome
	}
	return Transform(out, ins)
}

// transformMerge keeps only the incoming fields that win their field-level
// last-write-wins race against the applied merge.
func transformMerge(op, applied models.Operation) (models.Operation, Outcome) {
	var incoming, prior map[string]json.RawMessage
	if err := json.Unmarshal(op.Value, &incoming); err != nil {
		return op.Clone(), OutcomeConflict
	}
	if err := json.Unmarshal(applied.Value, &prior); err != nil {
		return op.Clone(), OutcomeConflict
	}

	surviving := make(map[string]json.RawMessage, len(incoming))
	for field, value := range incoming {
		if _, collides := prior[field]; collides && !wins(op, applied) {
			continue
		}
		surviving[field] = value
	}
	if len(surviving) == 0 {
		return op.Clone(), OutcomeNoop
	}

	out := op.Clone()
	out.Value, _ = json.Marshal(surviving)
	return out, OutcomeOK
}

// wins reports whether op beats applied under last-write-wins with a
// lexicographic client-id tiebreak. An exact tie goes to the incoming op.
func wins(op, applied models.Operation) bool {
	if op.Timestamp != applied.Timestamp {
		return op.Timestamp > applied.Timestamp
	}
	return op.ClientID >= applied.ClientID
}

// Apply executes one operation against a JSON document and returns the new
// document. The input slice is never mutated. Structural mismatches (an
// array edit against a non-array, an out-of-range delete) map to Conflict:
// the document moved out from under the operation.
func Apply(state []byte, op models.Operation) ([]byte, error) {
	if len(state) == 0 {
		state = []byte(`{}`)
	}
	path := joinPath(op.Path)

	switch op.Type {
	case models.OpSet:
		if path == "" {
			return append(json.RawMessage(nil), op.Value...), nil
		}
		out, err := sjson.SetRawBytes(state, path, op.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: set %s: %v", models.ErrValidation, path, err)
		}
		return out, nil

	case models.OpArrayInsert:
		return spliceArray(state, path, func(items []string) ([]string, error) {
			i := clamp(idx(op.Index), 0, len(items))
			items = append(items, "")
			copy(items[i+1:], items[i:])
			items[i] = string(op.Value)
			return items, nil
		})

	case models.OpArrayDelete:
		return spliceArray(state, path, func(items []string) ([]string, error) {
			i := idx(op.Index)
			if i < 0 || i >= len(items) {
				return nil, fmt.Errorf("%w: delete index %d outside array of %d", models.ErrConflict, i, len(items))
			}
			return append(items[:i], items[i+1:]...), nil
		})

	case models.OpArrayMove:
		return spliceArray(state, path, func(items []string) ([]string, error) {
			from := idx(op.Index)
			if from < 0 || from >= len(items) {
				return nil, fmt.Errorf("%w: move index %d outside array of %d", models.ErrConflict, from, len(items))
			}
			moved := items[from]
			items = append(items[:from], items[from+1:]...)
			to := clamp(idx(op.NewIndex), 0, len(items))
			items = append(items, "")
			copy(items[to+1:], items[to:])
			items[to] = moved
			return items, nil
		})

	case models.OpObjectMerge:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(op.Value, &fields); err != nil {
			return nil, fmt.Errorf("%w: objectMerge value is not an object: %v", models.ErrValidation, err)
		}
		// Deterministic application order so identical merges yield identical
		// documents byte for byte.
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)

		out := state
		var err error
		for _, name := range names {
			fieldPath := escapeSegment(name)
			if path != "" {
				fieldPath = path + "." + fieldPath
			}
			out, err = sjson.SetRawBytes(out, fieldPath, fields[name])
			if err != nil {
				return nil, fmt.Errorf("%w: merge %s: %v", models.ErrValidation, fieldPath, err)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", models.ErrValidation, op.Type)
	}
}

// spliceArray reads the array at path, hands its raw elements to edit, and
// writes the result back. A missing value is treated as an empty array.
func spliceArray(state []byte, path string, edit func([]string) ([]string, error)) ([]byte, error) {
	var node gjson.Result
	if path == "" {
		node = gjson.ParseBytes(state)
	} else {
		node = gjson.GetBytes(state, path)
	}
	if node.Exists() && !node.IsArray() {
		return nil, fmt.Errorf("%w: %s is not an array", models.ErrConflict, pathOrRoot(path))
	}

	var items []string
	if node.IsArray() {
		elems := node.Array()
		items = make([]string, len(elems))
		for i, el := range elems {
			items[i] = el.Raw
		}
	}

	items, err := edit(items)
	if err != nil {
		return nil, err
	}

	assembled := "[" + strings.Join(items, ",") + "]"
	if path == "" {
		return []byte(assembled), nil
	}
	out, err := sjson.SetRawBytes(state, path, []byte(assembled))
	if err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", models.ErrValidation, path, err)
	}
	return out, nil
}

// joinPath builds a gjson/sjson path from segments, escaping characters that
// are syntax to the path language.
func joinPath(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = escapeSegment(seg)
	}
	return strings.Join(escaped, ".")
}

func escapeSegment(seg string) string {
	if !strings.ContainsAny(seg, `.\*?|#@`) {
		return seg
	}
	var b strings.Builder
	b.Grow(len(seg) + 4)
	for _, r := range seg {
		switch r {
		case '.', '\\', '*', '?', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isArrayOp(t models.OperationType) bool {
	return t == models.OpArrayInsert || t == models.OpArrayDelete || t == models.OpArrayMove
}

func idx(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func pathOrRoot(path string) string {
	if path == "" {
		return "document root"
	}
	return path
}
