package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"callbridge/internal/calls"

	"github.com/gin-gonic/gin"
)

func newWebhookRouter(svc *calls.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := TwilioWebhookHandler{Calls: svc, StreamURL: "wss://bridge.example.com/media-stream"}
	r := gin.New()
	r.POST("/webhooks/twilio/voice", h.HandleInboundCall)
	r.POST("/webhooks/twilio/status", h.HandleStatusCallback)
	return r
}

func postForm(r http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleInboundCall_CreatesRecordAndConnectsStream(t *testing.T) {
	svc := calls.NewService(nil, calls.Options{})
	r := newWebhookRouter(svc)

	w := postForm(r, "/webhooks/twilio/voice", url.Values{"CallSid": {"CA1"}, "From": {"+15551234"}, "To": {"+15550000"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(w.Body.String(), `<Stream url="wss://bridge.example.com/media-stream">`) {
		t.Fatalf("expected stream twiml: %s", w.Body.String())
	}

	rec, err := svc.Get(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("expected record, got %v", err)
	}
	if rec.PeerNumber != "+15551234" || rec.OriginNumber != "+15550000" || rec.Status != calls.StatusInitiated {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// A retried webhook reuses the record.
	if w := postForm(r, "/webhooks/twilio/voice", url.Values{"CallSid": {"CA1"}, "From": {"+1999"}}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d", w.Code)
	}
	if got, _ := svc.Get(context.Background(), "CA1"); got.PeerNumber != "+15551234" {
		t.Fatalf("retry must not change the record: %+v", got)
	}
}

func TestHandleInboundCall_RequiresCallSid(t *testing.T) {
	r := newWebhookRouter(calls.NewService(nil, calls.Options{}))
	if w := postForm(r, "/webhooks/twilio/voice", url.Values{"From": {"+1"}}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleStatusCallback(t *testing.T) {
	ctx := context.Background()
	svc := calls.NewService(nil, calls.Options{HistorySize: 8})
	r := newWebhookRouter(svc)
	if _, err := svc.Create(ctx, calls.CreateRequest{CallID: "CA2", PeerNumber: "+1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if w := postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA2"}, "CallStatus": {"initiated"}}); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for initiated, got %d", w.Code)
	}
	if w := postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA2"}, "CallStatus": {"ringing"}}); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for ringing, got %d", w.Code)
	}
	rec, _ := svc.Get(ctx, "CA2")
	if rec.Status != calls.StatusRinging {
		t.Fatalf("expected ringing, got %s", rec.Status)
	}

	// Out of order: ringing after answered is stale, not an error.
	postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA2"}, "CallStatus": {"in-progress"}})
	if w := postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA2"}, "CallStatus": {"ringing"}}); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for stale status, got %d", w.Code)
	}

	if w := postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA2"}, "CallStatus": {"no-answer"}}); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for no-answer, got %d", w.Code)
	}
	rec, _ = svc.Get(ctx, "CA2")
	if rec.Status != calls.StatusFailed || rec.EndedAt == nil {
		t.Fatalf("expected failed with endedAt, got %+v", rec)
	}
}

func TestHandleStatusCallback_UnknownCall(t *testing.T) {
	r := newWebhookRouter(calls.NewService(nil, calls.Options{}))
	if w := postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA-unknown"}, "CallStatus": {"ringing"}}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := postForm(r, "/webhooks/twilio/status", url.Values{"CallSid": {"CA-unknown"}, "CallStatus": {"queued"}}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for event-only status, got %d", w.Code)
	}
}
