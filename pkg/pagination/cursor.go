// Package pagination implements opaque cursor paging for list endpoints.
// A cursor pins a stable position as (timestamp, id); for event replay the
// id is the stream entry id, so a page boundary survives trims and restarts.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultLimit is the page size when the request names none.
	DefaultLimit = 50
	// MaxLimit caps the page size a client may ask for.
	MaxLimit = 500
)

// Request carries the paging arguments, bindable from a query string.
// first/after page forward; last/before page backward.
type Request struct {
	First  int32   `json:"first" form:"first"`
	After  *string `json:"after" form:"after"`
	Last   int32   `json:"last" form:"last"`
	Before *string `json:"before" form:"before"`
}

// Response describes the boundaries of one page.
type Response struct {
	TotalCount      int32   `json:"totalCount"`
	HasNextPage     bool    `json:"hasNextPage"`
	HasPreviousPage bool    `json:"hasPreviousPage"`
	StartCursor     *string `json:"startCursor,omitempty"`
	EndCursor       *string `json:"endCursor,omitempty"`
}

// Cursor is a decoded paging position.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Encode serializes the cursor into the opaque wire form
// base64("ts:{unix_ms}:id:{id}").
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("ts:%d:id:%s", c.Timestamp.UnixMilli(), c.ID)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// EncodeCursor builds and encodes a cursor in one step.
func EncodeCursor(timestamp time.Time, id string) string {
	return Cursor{Timestamp: timestamp, ID: id}.Encode()
}

// DecodeCursor parses a client-supplied cursor. An empty string decodes to
// nil, meaning "from the start".
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	raw := string(data)
	if !strings.HasPrefix(raw, "ts:") {
		return nil, fmt.Errorf("invalid cursor format: missing ts prefix")
	}

	parts := strings.SplitN(raw[len("ts:"):], ":id:", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format: missing id segment")
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return &Cursor{Timestamp: time.UnixMilli(ms), ID: parts[1]}, nil
}

// ClampLimit forces a requested page size into [1, MaxLimit], defaulting
// non-positive values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Direction is which way a page walks the result set.
type Direction int

const (
	// Forward pages newest-first toward older items (first/after).
	Forward Direction = iota
	// Backward pages toward newer items (last/before).
	Backward
)

// Params is a parsed, validated paging request.
type Params struct {
	Limit     int
	Cursor    *Cursor
	Direction Direction
}

// Parse resolves a Request into Params. When both directions are present,
// last/before wins.
func Parse(req *Request) (*Params, error) {
	params := &Params{Limit: DefaultLimit, Direction: Forward}
	if req == nil {
		return params, nil
	}

	if req.Last > 0 {
		params.Direction = Backward
		params.Limit = ClampLimit(int(req.Last))
		if req.Before != nil && *req.Before != "" {
			cursor, err := DecodeCursor(*req.Before)
			if err != nil {
				return nil, fmt.Errorf("invalid before cursor: %w", err)
			}
			params.Cursor = cursor
		}
		return params, nil
	}

	if req.First > 0 {
		params.Limit = ClampLimit(int(req.First))
	}
	if req.After != nil && *req.After != "" {
		cursor, err := DecodeCursor(*req.After)
		if err != nil {
			return nil, fmt.Errorf("invalid after cursor: %w", err)
		}
		params.Cursor = cursor
	}
	return params, nil
}

// BuildResponse derives the page boundary flags. resultsLen is the fetched
// count before trimming to limit, so fetching limit+1 rows signals another
// page.
func BuildResponse(resultsLen, limit int, direction Direction, totalCount int32, startCursor, endCursor string) *Response {
	hasMore := resultsLen > limit

	resp := &Response{TotalCount: totalCount}
	if startCursor != "" {
		resp.StartCursor = &startCursor
	}
	if endCursor != "" {
		resp.EndCursor = &endCursor
	}

	if direction == Forward {
		resp.HasNextPage = hasMore
		resp.HasPreviousPage = startCursor != "" && endCursor != ""
	} else {
		resp.HasPreviousPage = hasMore
		resp.HasNextPage = startCursor != "" && endCursor != ""
	}
	return resp
}
