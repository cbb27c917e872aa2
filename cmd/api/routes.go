package main

import (
	"net/http"

	"callbridge/internal/auth"
	"callbridge/internal/broadcast"
	"callbridge/internal/calls"
	"callbridge/internal/config"
	"callbridge/internal/httpapi"
	"callbridge/internal/rbac"
	"callbridge/internal/relay"
	"callbridge/internal/reporting"
	"callbridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg        config.Config
	auth       *auth.Manager
	calls      *calls.Service
	hub        *broadcast.Hub
	supervisor *relay.Supervisor
	placer     telephony.CallPlacer
	reporting  *reporting.Service
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "active_relays": d.supervisor.Active()})
	})

	// Provider traffic.
	{
		webhooks := r.Group("/webhooks/twilio")
		if d.cfg.Twilio.ValidateSignature {
			webhooks.Use(telephony.RequireTwilioSignature(d.cfg.Twilio.AuthToken, d.cfg.App.PublicBaseURL))
		}
		h := telephony.TwilioWebhookHandler{Calls: d.calls, StreamURL: d.cfg.StreamURL()}
		webhooks.POST("/voice", h.HandleInboundCall)
		webhooks.POST("/status", h.HandleStatusCallback)

		r.GET("/media-stream", d.supervisor.HandleMediaStream)
	}

	r.GET("/monitor", d.hub.ServeObserver)

	h := httpapi.Handlers{
		Auth:              d.auth,
		LoginKey:          d.cfg.Auth.LoginKey,
		Calls:             d.calls,
		Placer:            d.placer,
		Reporting:         d.reporting,
		StreamURL:         d.cfg.StreamURL(),
		StatusCallbackURL: d.cfg.StatusCallbackURL(),
		FromNumber:        d.cfg.Twilio.FromNumber,
	}

	v1 := r.Group("/v1")
	v1.POST("/auth/login", h.Login)

	protected := v1.Group("")
	protected.Use(auth.RequireAccessToken(d.auth))
	{
		protected.GET("/me", h.Me)

		read := protected.Group("/calls", rbac.RequireReader())
		{
			read.GET("", h.ListCalls)
			read.GET("/summary", h.CallsSummary)
			read.GET("/:call_id", h.GetCall)
		}

		write := protected.Group("/calls", rbac.RequireOperator())
		{
			write.POST("", h.PlaceCall)
			write.POST("/records", h.CreateRecord)
			write.POST("/:call_id/status", h.PushStatus)
		}
	}
}
