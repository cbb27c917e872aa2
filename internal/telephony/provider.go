package telephony

import (
	"context"
	"errors"
)

var (
	// ErrPlacementFailed means the provider did not accept an outbound call.
	// No call record exists for it.
	ErrPlacementFailed = errors.New("telephony: call placement failed")

	// ErrInvalidSignature rejects webhooks that were not signed by the provider.
	ErrInvalidSignature = errors.New("telephony: invalid webhook signature")
)

// CallPlacer starts outbound calls whose audio is streamed back to us.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Request/response types stay provider-agnostic.
type CallPlacer interface {
	Name() string
	PlaceCall(ctx context.Context, req OutboundCallRequest) (OutboundCallResult, error)
}

// OutboundCallRequest asks the provider to dial To and connect the answered
// call to the media stream.
type OutboundCallRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`

	// StreamURL is the wss:// endpoint the provider opens once answered.
	StreamURL string `json:"stream_url"`
	// StatusCallbackURL receives provider status changes.
	StatusCallbackURL string `json:"status_callback_url,omitempty"`

	// Parameters are handed back on the media stream's start frame.
	Parameters map[string]string `json:"parameters,omitempty"`
}

type OutboundCallResult struct {
	// ProviderCallID becomes the call id of the record.
	ProviderCallID string `json:"provider_call_id"`
	From           string `json:"from"`
	Status         string `json:"status,omitempty"`
}
