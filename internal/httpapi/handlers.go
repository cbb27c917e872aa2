package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/rbac"
	"callbridge/internal/reporting"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups the operator API handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	LoginKey string

	Calls     *calls.Service
	Placer    telephony.CallPlacer
	Reporting *reporting.Service

	// StreamURL and StatusCallbackURL are handed to the provider on placement.
	StreamURL         string
	StatusCallbackURL string
	// FromNumber is the caller id used when a placement request has none.
	FromNumber string
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Key    string `json:"key"`
}

// Login issues a JWT token pair to callers holding the shared login key.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.LoginKey == "" {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "login disabled"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Key), []byte(h.LoginKey)) != 1 {
		logger.FromGin(c).Warn("login rejected", "user_id", req.UserID)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me echoes the caller's identity.
func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Calls ---

type placeCallRequest struct {
	To       string            `json:"to"`
	From     string            `json:"from,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PlaceCall dials out through the provider and registers the call under the
// provider's call id. A rejected placement leaves no record behind.
func (h Handlers) PlaceCall(c *gin.Context) {
	if h.Calls == nil || h.Placer == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call placement not configured"})
		return
	}
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeError(c, calls.ErrValidation, "to required")
		return
	}
	to, err := telephony.NormalizeNumber(req.To, "")
	if err != nil {
		writeError(c, calls.ErrValidation, "to is not a valid phone number")
		return
	}
	req.To = to
	from := h.FromNumber
	if strings.TrimSpace(req.From) != "" {
		if from, err = telephony.NormalizeNumber(req.From, ""); err != nil {
			writeError(c, calls.ErrValidation, "from is not a valid phone number")
			return
		}
	}
	log := logger.FromGin(c).With("to", req.To, "provider", h.Placer.Name())
	ctx := c.Request.Context()

	res, err := h.Placer.PlaceCall(ctx, telephony.OutboundCallRequest{
		To:                req.To,
		From:              from,
		StreamURL:         h.StreamURL,
		StatusCallbackURL: h.StatusCallbackURL,
		Parameters: map[string]string{
			"peerNumber":   req.To,
			"originNumber": from,
		},
	})
	if err != nil {
		log.Error("call placement failed", "err", err)
		writeError(c, err, "")
		return
	}
	log = log.With("call_id", res.ProviderCallID)

	origin := res.From
	if origin == "" {
		origin = from
	}
	rec, err := h.Calls.Create(ctx, calls.CreateRequest{
		CallID:       res.ProviderCallID,
		PeerNumber:   req.To,
		OriginNumber: origin,
		Metadata:     req.Metadata,
	})
	if errors.Is(err, calls.ErrAlreadyExists) {
		// The media stream or a status callback beat us to it.
		log.Warn("placed call already registered; metadata not applied")
		rec, err = h.Calls.Get(ctx, res.ProviderCallID)
	}
	if err != nil {
		log.Error("placed call registration failed", "err", err)
		writeError(c, err, "")
		return
	}
	log.Info("outbound call placed")
	c.JSON(http.StatusCreated, rec)
}

// CreateRecord registers a call placed outside this service.
func (h Handlers) CreateRecord(c *gin.Context) {
	var req calls.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	rec, err := h.Calls.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.Calls.ListActive(c.Request.Context())})
}

func (h Handlers) GetCall(c *gin.Context) {
	rec, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, rec)
}

type pushStatusRequest struct {
	Status    calls.Status `json:"status"`
	EventKind string       `json:"eventKind,omitempty"`
}

// PushStatus applies a webhook-style status update to a live call.
func (h Handlers) PushStatus(c *gin.Context) {
	var req pushStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	rec, err := h.Calls.PushStatus(c.Request.Context(), c.Param("call_id"), req.Status, req.EventKind)
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// --- Reporting ---

// CallsSummary aggregates archived calls that ended in [from, to).
// Both bounds are RFC 3339; the window defaults to the last 24 hours.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		if c.Query("from") == "" {
			from = to.Add(-24 * time.Hour)
		}
	}
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}

	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range: reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, out)
}

// writeError maps domain errors to HTTP statuses. msg overrides the body.
func writeError(c *gin.Context, err error, msg string) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, calls.ErrValidation), errors.Is(err, reporting.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, calls.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, calls.ErrAlreadyExists),
		errors.Is(err, calls.ErrInvalidTransition),
		errors.Is(err, calls.ErrTerminal):
		code = http.StatusConflict
	case errors.Is(err, telephony.ErrPlacementFailed):
		code = http.StatusBadGateway
	}
	if msg == "" {
		msg = err.Error()
		if code == http.StatusInternalServerError {
			logger.FromGin(c).Error("request failed", "err", err)
			msg = "internal error"
		}
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
