package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AxonStream/axonpuls/internal/models"
)

// Room routes ride the engine's own tenancy checks: every engine call scopes
// by the caller's organization, so a foreign room name simply reads as not
// found.

type createRoomRequest struct {
	Name         string            `json:"name" binding:"required"`
	Config       models.RoomConfig `json:"config"`
	InitialState json.RawMessage   `json:"initial_state"`
}

func (h *Handlers) createRoom(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failValidation(c, err)
		return
	}
	room, err := h.opts.Engine.CreateRoom(c.Request.Context(), tc, req.Name, req.Config, req.InitialState)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": room})
}

func (h *Handlers) listRooms(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	rooms, err := h.opts.Engine.ListRooms(c.Request.Context(), tc, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms, "count": len(rooms)})
}

type presenceRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handlers) joinRoom(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req presenceRequest
	_ = c.ShouldBindJSON(&req)
	room, err := h.opts.Engine.JoinRoom(c.Request.Context(), tc, c.Param("room"), req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *Handlers) leaveRoom(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req presenceRequest
	_ = c.ShouldBindJSON(&req)
	room, err := h.opts.Engine.LeaveRoom(c.Request.Context(), tc, c.Param("room"), req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *Handlers) roomState(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	room, err := h.opts.Engine.GetRoom(c.Request.Context(), tc, c.Param("room"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *Handlers) roomPresence(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	members, err := h.opts.Engine.Presence(c.Request.Context(), tc, c.Param("room"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"room":    c.Param("room"),
		"members": members,
		"count":   len(members),
	})
}

func (h *Handlers) applyOperation(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var op models.Operation
	if err := c.ShouldBindJSON(&op); err != nil {
		h.failValidation(c, err)
		return
	}
	res, err := h.opts.Engine.ApplyOperation(c.Request.Context(), tc, c.Param("room"), op)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type createSnapshotRequest struct {
	Branch      string `json:"branch"`
	Description string `json:"description"`
}

func (h *Handlers) createSnapshot(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req createSnapshotRequest
	_ = c.ShouldBindJSON(&req)
	snap, err := h.opts.Engine.CreateSnapshot(c.Request.Context(), tc, c.Param("room"), req.Branch, req.Description)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"snapshot": snap})
}

func (h *Handlers) listSnapshots(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	since, until, err := timeWindow(c)
	if err != nil {
		h.failValidation(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	snaps, err := h.opts.Engine.ListSnapshots(c.Request.Context(), tc, c.Param("room"),
		c.Query("branch"), since, until, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}

type revertRequest struct {
	Strategy models.RevertStrategy `json:"strategy"`
}

func (h *Handlers) revertRoom(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req revertRequest
	_ = c.ShouldBindJSON(&req)
	if req.Strategy == "" {
		req.Strategy = models.RevertSafe
	}
	room, err := h.opts.Engine.RevertToSnapshot(c.Request.Context(), tc, c.Param("room"),
		c.Param("snapshotId"), req.Strategy)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

type createBranchRequest struct {
	Name           string `json:"name" binding:"required"`
	FromSnapshotID string `json:"from_snapshot_id"`
}

func (h *Handlers) createBranch(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req createBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failValidation(c, err)
		return
	}
	branch, err := h.opts.Engine.CreateBranch(c.Request.Context(), tc, c.Param("room"),
		req.Name, req.FromSnapshotID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"branch": branch})
}

func (h *Handlers) listBranches(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	branches, err := h.opts.Engine.ListBranches(c.Request.Context(), tc, c.Param("room"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches, "count": len(branches)})
}

func (h *Handlers) compareBranches(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	source := c.Query("source")
	if source == "" {
		h.failValidation(c, fmt.Errorf("source branch is required"))
		return
	}
	target := c.DefaultQuery("target", models.MainBranch)
	cmp, err := h.opts.Engine.CompareBranches(c.Request.Context(), tc, c.Param("room"), source, target)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

type mergeRequest struct {
	Source   string               `json:"source" binding:"required"`
	Target   string               `json:"target"`
	Strategy models.MergeStrategy `json:"strategy"`
}

func (h *Handlers) mergeBranches(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failValidation(c, err)
		return
	}
	if req.Target == "" {
		req.Target = models.MainBranch
	}
	if req.Strategy == "" {
		req.Strategy = models.MergeAuto
	}
	res, err := h.opts.Engine.MergeBranches(c.Request.Context(), tc, c.Param("room"),
		req.Source, req.Target, req.Strategy)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) roomTimeline(c *gin.Context) {
	tc, err := tenantFrom(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	since, until, err := timeWindow(c)
	if err != nil {
		h.failValidation(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	tl, err := h.opts.Engine.Timeline(c.Request.Context(), tc, c.Param("room"),
		c.Query("branch"), since, until, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tl)
}

// timeWindow parses optional RFC 3339 since/until query bounds.
func timeWindow(c *gin.Context) (time.Time, time.Time, error) {
	var since, until time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return since, until, fmt.Errorf("invalid since: %v", err)
		}
		since = t
	}
	if raw := c.Query("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return since, until, fmt.Errorf("invalid until: %v", err)
		}
		until = t
	}
	return since, until, nil
}
