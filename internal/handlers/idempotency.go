package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "X-Idempotent-Replayed"
	idempotencyTTL    = 24 * time.Hour
)

// storedResponse is the cached first response for an idempotency key.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// bodyCapture tees the response body so it can be stored for replay.
type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyCapture) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCapture) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotency replays the first response recorded under an Idempotency-Key
// for a day. Keys are scoped per organization. Only terminal outcomes
// (status below 500) are stored, so a retry after a transient failure runs
// the request again instead of replaying the failure.
func (h *Handlers) idempotency() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyHeader)
		if key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		tc, err := tenantFrom(c)
		if err != nil {
			c.Next()
			return
		}

		rkey := fmt.Sprintf("axonpuls:idem:%s:%s", tc.OrganizationID, key)
		lookupCtx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		raw, err := h.opts.KV.Get(lookupCtx, rkey).Bytes()
		cancel()
		if err == nil {
			var stored storedResponse
			if json.Unmarshal(raw, &stored) == nil {
				c.Header(replayedHeader, "true")
				c.Data(stored.Status, stored.ContentType, stored.Body)
				c.Abort()
				return
			}
		} else if !errors.Is(err, goredis.Nil) {
			h.logger.WithError(err).Warn("Idempotency lookup failed, executing request")
		}

		capture := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = capture
		c.Next()

		status := capture.Status()
		if status >= http.StatusInternalServerError {
			return
		}
		encoded, err := json.Marshal(storedResponse{
			Status:      status,
			ContentType: capture.Header().Get("Content-Type"),
			Body:        capture.buf.Bytes(),
		})
		if err != nil {
			return
		}

		// The request context may already be done once the response is out;
		// the store must still happen.
		storeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := h.opts.KV.SetNX(storeCtx, rkey, encoded, idempotencyTTL).Err(); err != nil {
			h.logger.WithError(err).Warn("Idempotency record not stored")
		}
	}
}
