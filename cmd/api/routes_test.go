package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callbridge/internal/archive"
	"callbridge/internal/auth"
	"callbridge/internal/broadcast"
	"callbridge/internal/calls"
	"callbridge/internal/config"
	"callbridge/internal/convai"
	"callbridge/internal/relay"
	"callbridge/internal/reporting"
	"callbridge/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, validateSignature bool) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		App:    config.AppConfig{Env: "local", PublicBaseURL: "https://bridge.example.com"},
		Auth:   config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour},
		Twilio: config.TwilioConfig{AuthToken: "tok", ValidateSignature: validateSignature},
	}
	m, err := auth.NewManager(cfg.Auth)
	require.NoError(t, err)

	archiveSvc := archive.NewService(archive.NewMemoryRepo())
	svc := calls.NewService(nil, calls.Options{Archiver: archiveSvc})
	hub := broadcast.NewHub(broadcast.SnapshotFunc(func() []calls.CallRecord {
		return svc.ListActive(context.Background())
	}), 8, nil)
	svc.SetPublisher(hub)
	sup := relay.NewSupervisor(svc, convai.SignedURLFunc(func(context.Context) (string, error) {
		return "", convai.ErrUpstreamAuth
	}), relay.SupervisorOptions{})
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	r := gin.New()
	registerRoutes(r, routeDeps{
		cfg:        cfg,
		auth:       m,
		calls:      svc,
		hub:        hub,
		supervisor: sup,
		placer:     telephony.NewTwilioProvider(telephony.TwilioOptions{AccountSID: "AC1", AuthToken: "tok"}),
		reporting:  reporting.NewService(archiveSvc),
	})
	return r, m
}

func TestRoutes_OperatorAPIRequiresToken(t *testing.T) {
	r, m := newTestRouter(t, false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/calls", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	viewer, err := m.IssuePair(time.Now(), "u", "viewer")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	req.Header.Set("Authorization", "Bearer "+viewer.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/calls/records", nil)
	req.Header.Set("Authorization", "Bearer "+viewer.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRoutes_WebhookSignatureEnforcedWhenEnabled(t *testing.T) {
	r, _ := newTestRouter(t, true)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/twilio/voice", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRoutes_Healthz(t *testing.T) {
	r, _ := newTestRouter(t, false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","active_relays":0}`, w.Body.String())
}
