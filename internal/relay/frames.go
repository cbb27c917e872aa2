package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks a frame that could not be understood. The frame is
	// dropped and the session continues.
	ErrProtocol = errors.New("relay: malformed frame")

	// ErrTransport marks a read or write failure on either peer. It ends the
	// session.
	ErrTransport = errors.New("relay: transport failure")

	// ErrCallClaimed is returned when a second media stream announces a call
	// that already has a live relay.
	ErrCallClaimed = errors.New("relay: call already has a session")

	errStreamStopped = errors.New("relay: media stream stopped")
)

// Media peer events.
const (
	mediaEventConnected = "connected"
	mediaEventStart     = "start"
	mediaEventMedia     = "media"
	mediaEventStop      = "stop"
	mediaEventMark      = "mark"
	mediaEventClear     = "clear"
)

// AI peer message types.
const (
	aiTypeInitiationMetadata = "conversation_initiation_metadata"
	aiTypeAudio              = "audio"
	aiTypeInterruption       = "interruption"
	aiTypePing               = "ping"
	aiTypePong               = "pong"
	aiTypeClientData         = "conversation_initiation_client_data"
)

type mediaFrame struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *mediaStart   `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type mediaStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

func decodeMediaFrame(data []byte) (mediaFrame, error) {
	var f mediaFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return mediaFrame{}, fmt.Errorf("%w: media frame: %v", ErrProtocol, err)
	}
	if f.Event == "" {
		return mediaFrame{}, fmt.Errorf("%w: media frame without event", ErrProtocol)
	}
	return f, nil
}

type outboundMedia struct {
	Event     string          `json:"event"`
	StreamSid string          `json:"streamSid"`
	Media     outboundPayload `json:"media"`
}

type outboundPayload struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// encodeMediaOut builds the frame that plays payload on the caller's leg.
func encodeMediaOut(streamID, payload string) []byte {
	b, _ := json.Marshal(outboundMedia{
		Event:     mediaEventMedia,
		StreamSid: streamID,
		Media:     outboundPayload{Payload: payload},
	})
	return b
}

func encodeClear(streamID string) []byte {
	b, _ := json.Marshal(outboundClear{Event: mediaEventClear, StreamSid: streamID})
	return b
}

type aiMessage struct {
	Type       string          `json:"type"`
	Audio      *aiAudioChunk   `json:"audio,omitempty"`
	AudioEvent *aiAudioEvent   `json:"audio_event,omitempty"`
	PingEvent  *aiPingEvent    `json:"ping_event,omitempty"`
	Metadata   *aiInitMetadata `json:"conversation_initiation_metadata_event,omitempty"`
}

type aiAudioChunk struct {
	Chunk string `json:"chunk"`
}

type aiAudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
}

type aiPingEvent struct {
	EventID json.RawMessage `json:"event_id"`
	PingMs  int             `json:"ping_ms,omitempty"`
}

type aiInitMetadata struct {
	ConversationID string `json:"conversation_id"`
}

func decodeAIMessage(data []byte) (aiMessage, error) {
	var m aiMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return aiMessage{}, fmt.Errorf("%w: ai message: %v", ErrProtocol, err)
	}
	return m, nil
}

// audioPayload returns the base64 audio carried by either envelope.
func (m aiMessage) audioPayload() (string, error) {
	var payload string
	switch {
	case m.AudioEvent != nil && m.AudioEvent.AudioBase64 != "":
		payload = m.AudioEvent.AudioBase64
	case m.Audio != nil && m.Audio.Chunk != "":
		payload = m.Audio.Chunk
	default:
		return "", fmt.Errorf("%w: audio message without payload", ErrProtocol)
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", fmt.Errorf("%w: audio payload: %v", ErrProtocol, err)
	}
	return payload, nil
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

func encodeUserAudio(audio []byte) []byte {
	b, _ := json.Marshal(userAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(audio)})
	return b
}

type pongMessage struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

func encodePong(eventID json.RawMessage) ([]byte, error) {
	if id := bytes.TrimSpace(eventID); len(id) == 0 || bytes.Equal(id, []byte("null")) {
		return nil, fmt.Errorf("%w: ping without event_id", ErrProtocol)
	}
	return json.Marshal(pongMessage{Type: aiTypePong, EventID: eventID})
}

type clientData struct {
	Type     string          `json:"type"`
	Override *configOverride `json:"conversation_config_override,omitempty"`
}

type configOverride struct {
	Agent agentOverride `json:"agent"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

// Metadata keys forwarded to the agent as conversation overrides.
const (
	MetadataPrompt       = "prompt"
	MetadataFirstMessage = "first_message"
)

// encodeClientData returns the override frame for a call's metadata, or nil
// when the call carries no overrides.
func encodeClientData(metadata map[string]string) []byte {
	prompt, first := metadata[MetadataPrompt], metadata[MetadataFirstMessage]
	if prompt == "" && first == "" {
		return nil
	}
	agent := agentOverride{FirstMessage: first}
	if prompt != "" {
		agent.Prompt = &promptOverride{Prompt: prompt}
	}
	b, _ := json.Marshal(clientData{
		Type:     aiTypeClientData,
		Override: &configOverride{Agent: agent},
	})
	return b
}
