package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"donation-sync/internal/telemetry"
)

// SyncInspector exposes the state of the live sync layer for debugging.
type SyncInspector struct {
	Partitions func() []string
	Donations  interface {
		Len() int
		Loading() bool
	}
	Fresh   interface{ Fresh() []string }
	Viewers func() map[string]int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, sync SyncInspector, enabled bool) {
	if !enabled {
		return
	}

	debug := router.Group("/debug")
	debug.GET("/sync", func(c *gin.Context) {
		state := gin.H{}
		if sync.Partitions != nil {
			state["partitions"] = sync.Partitions()
		}
		if sync.Donations != nil {
			state["donations"] = gin.H{"count": sync.Donations.Len(), "loading": sync.Donations.Loading()}
		}
		if sync.Fresh != nil {
			state["fresh"] = sync.Fresh.Fresh()
		}
		if sync.Viewers != nil {
			state["viewers"] = sync.Viewers()
		}
		c.JSON(http.StatusOK, state)
	})

	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		ctx := telemetry.WithRequestID(c.Request.Context(), requestIDFromContext(c))
		emitter.Emit(ctx, "INFO", "audit test", userIDFromContext(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
