package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioProvider places calls through the Twilio REST API. The TwiML that
// connects the answered call to our media stream is sent inline.
type TwilioProvider struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	http       *http.Client
}

type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
}

func NewTwilioProvider(opts TwilioOptions) *TwilioProvider {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultTwilioBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &TwilioProvider{
		accountSID: opts.AccountSID,
		authToken:  opts.AuthToken,
		fromNumber: opts.FromNumber,
		baseURL:    base,
		http:       hc,
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

type twilioCallResponse struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
	From   string `json:"from"`
}

type twilioErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *TwilioProvider) PlaceCall(ctx context.Context, req OutboundCallRequest) (OutboundCallResult, error) {
	if strings.TrimSpace(req.To) == "" {
		return OutboundCallResult{}, fmt.Errorf("%w: to number required", ErrPlacementFailed)
	}
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = p.fromNumber
	}
	if from == "" {
		return OutboundCallResult{}, fmt.Errorf("%w: from number required", ErrPlacementFailed)
	}

	twiml, err := RenderStreamTwiML(req.StreamURL, req.Parameters)
	if err != nil {
		return OutboundCallResult{}, fmt.Errorf("%w: %v", ErrPlacementFailed, err)
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", from)
	form.Set("Twiml", twiml)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", p.baseURL, url.PathEscape(p.accountSID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return OutboundCallResult{}, fmt.Errorf("%w: %v", ErrPlacementFailed, err)
	}
	httpReq.SetBasicAuth(p.accountSID, p.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return OutboundCallResult{}, fmt.Errorf("%w: %v", ErrPlacementFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr twilioErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return OutboundCallResult{}, fmt.Errorf("%w: twilio %d (code %d): %s", ErrPlacementFailed, resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return OutboundCallResult{}, fmt.Errorf("%w: twilio status %d", ErrPlacementFailed, resp.StatusCode)
	}

	var out twilioCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return OutboundCallResult{}, fmt.Errorf("%w: decode response: %v", ErrPlacementFailed, err)
	}
	if out.Sid == "" {
		return OutboundCallResult{}, fmt.Errorf("%w: response without call sid", ErrPlacementFailed)
	}
	if out.From == "" {
		out.From = from
	}
	return OutboundCallResult{ProviderCallID: out.Sid, From: out.From, Status: out.Status}, nil
}
