package telephony

import (
	"errors"
	"net/http"

	"callbridge/internal/calls"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TwilioWebhookHandler converts Twilio webhooks to call service operations
// and writes TwiML.
//
// No business logic here: lifecycle rules live in internal/calls.
type TwilioWebhookHandler struct {
	Calls *calls.Service

	// StreamURL is the public wss:// address of the media stream endpoint.
	StreamURL string
}

// HandleInboundCall answers an incoming call by connecting it to the media
// stream. The call record is created here if nothing announced it earlier.
func (h TwilioWebhookHandler) HandleInboundCall(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call service not configured"})
		return
	}

	form, err := ParseTwilioInboundCall(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	log = log.With("call_id", form.CallSid)

	rec, created, err := h.Calls.Ensure(c.Request.Context(), calls.CreateRequest{
		CallID:       form.CallSid,
		PeerNumber:   form.From,
		OriginNumber: form.To,
	})
	if err != nil {
		log.Error("inbound call record failed", "err", err)
		twiml, err := RenderRejectTwiML("busy")
		writeTwiML(c, twiml, err)
		return
	}
	if created {
		log.Info("inbound call registered", "from", form.From, "to", form.To)
	}

	twiml, err := RenderStreamTwiML(h.StreamURL, map[string]string{
		"peerNumber":   rec.PeerNumber,
		"originNumber": rec.OriginNumber,
	})
	writeTwiML(c, twiml, err)
}

// HandleStatusCallback applies a provider status change to the call record.
func (h TwilioWebhookHandler) HandleStatusCallback(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call service not configured"})
		return
	}

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil || form.CallSid == "" || form.CallStatus == "" {
		log.Warn("twilio status parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	log = log.With("call_id", form.CallSid, "provider_status", form.CallStatus)
	ctx := c.Request.Context()

	status, ok := calls.ParseProviderStatus(form.CallStatus)
	if !ok {
		// queued, initiated and anything newer only get logged on the record.
		err = h.Calls.AppendEvent(ctx, form.CallSid, calls.EventProviderStatus, form.CallStatus)
	} else {
		_, err = h.Calls.PushStatus(ctx, form.CallSid, status, calls.EventProviderStatus)
	}

	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, calls.ErrNotFound):
		log.Warn("status for unknown call")
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrInvalidTransition), errors.Is(err, calls.ErrTerminal):
		// Callbacks race the media stream; a stale one is not the provider's fault.
		log.Debug("stale provider status ignored", "err", err)
		c.Status(http.StatusNoContent)
	default:
		log.Error("status update failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status update failed"})
	}
}

func writeTwiML(c *gin.Context, twiml string, err error) {
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
