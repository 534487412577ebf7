package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// The admin surface is service-to-service only: it answers to the shared
// service token, never to tenant credentials, and sees across organizations.

func (h *Handlers) listConnections(c *gin.Context) {
	conns := h.opts.Manager.Snapshot(c.Query("organization_id"))
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"count":       len(conns),
		"stats":       h.opts.Manager.Stats(),
	})
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

// suspendConnection quarantines a session: the registry entry flips to
// suspended and any live socket on this node is shut with a policy-violation
// close. The session id stays reserved so resume can find it.
func (h *Handlers) suspendConnection(c *gin.Context) {
	id := c.Param("id")
	var req suspendRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator action"
	}

	conn, err := h.opts.Manager.Suspend(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.opts.Hub.CloseSession(id, req.Reason)
	h.opts.Audit.Suspended(c.Request.Context(), conn.OrganizationID, id, req.Reason)

	c.JSON(http.StatusOK, gin.H{"connection": conn})
}

func (h *Handlers) resumeConnection(c *gin.Context) {
	id := c.Param("id")
	conn, err := h.opts.Manager.Resume(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.opts.Audit.Resumed(c.Request.Context(), conn.OrganizationID, id)

	c.JSON(http.StatusOK, gin.H{"connection": conn})
}

func (h *Handlers) clusterNodes(c *gin.Context) {
	nodes, err := h.opts.Registry.Nodes(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
		"self":  h.opts.Registry.Self(),
	})
}

func (h *Handlers) healthAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"alerts": h.opts.Health.ActiveAlerts(),
		"status": h.opts.Health.Status(),
	})
}
