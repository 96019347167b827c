package main

import (
	"context"
	"net/http"
	"time"

	"calltrack/internal/auth"
	"calltrack/internal/httpapi"
	"calltrack/internal/metrics"
	"calltrack/internal/rbac"
	"calltrack/internal/telephony"

	"github.com/gin-gonic/gin"
)

// pinger reports storage reachability for /healthz.
type pinger interface {
	Ping(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers, twilio telephony.TwilioStatusHandler, m *metrics.Metrics, store pinger) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "active_calls": len(h.Registry.Active())})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	// Provider webhooks (public; signature-validated when TWILIO_AUTH_TOKEN is set).
	r.POST("/webhooks/twilio/status", twilio.HandleStatus)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			id, _ := auth.IdentityFrom(c.Request.Context())
			c.JSON(http.StatusOK, id)
		})

		read := rbac.Require(rbac.PermCallsRead)
		write := rbac.Require(rbac.PermCallsWrite)
		finalize := rbac.Require(rbac.PermCallsFinalize)

		calls := v1.Group("/calls")
		{
			calls.POST("", write, h.OpenCall)
			calls.GET("", read, h.ListCalls)
			calls.GET("/:room_id", read, h.GetCall)
			calls.PATCH("/:room_id", write, h.UpdateCall)
			calls.POST("/:room_id/close", write, h.CloseCall)
			calls.POST("/:room_id/finalize", finalize, h.FinalizeCall)
			calls.POST("/:room_id/turns", write, h.AppendTurn)
			calls.GET("/:room_id/transcript", read, h.StreamTranscript)
			calls.POST("/:room_id/outcome", write, h.RecordOutcome)
			calls.PATCH("/:room_id/enrichment", finalize, h.Enrich)
		}
	}
}
