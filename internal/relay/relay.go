package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/convai"

	"golang.org/x/sync/errgroup"
)

// DialFunc opens the AI peer connection at a signed URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Config tunes every relay a supervisor starts.
type Config struct {
	// WriteTimeout is the deadline for a single frame write on either peer.
	WriteTimeout time.Duration
	// StartTimeout bounds how long a failing session waits for the media
	// stream's start frame to learn which call it belongs to.
	StartTimeout time.Duration
	// QueueSize is the outbound frame queue per peer.
	QueueSize int
}

func (c Config) withDefaults() Config {
	out := c
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.StartTimeout <= 0 {
		out.StartTimeout = 10 * time.Second
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	return out
}

// Relay bridges one media stream and one AI conversation for a single call.
// Run owns both connections and closes them before returning.
type Relay struct {
	media  Conn
	calls  *calls.Service
	signer convai.SignedURLProvider
	dial   DialFunc
	claim  func(callID string) error
	cfg    Config
	log    *slog.Logger

	closeOnce sync.Once
	ai        Conn

	mu       sync.Mutex
	callID   string // set only once claimed
	streamID string
	stopped  bool
	started  bool
}

func (r *Relay) logger() *slog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log
}

func (r *Relay) ids() (callID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callID, r.streamID
}

// Run relays frames until either peer goes away, then records the outcome:
// completed when the media stream said stop, failed otherwise.
func (r *Relay) Run(ctx context.Context) {
	defer r.closeConns()

	url, err := r.signer.SignedURL(ctx)
	if err != nil {
		r.logger().Error("signed url fetch failed", "err", err)
		r.abort(ctx, fmt.Errorf("signed url: %w", err))
		return
	}

	ai, err := r.dial(ctx, url)
	if err != nil {
		r.logger().Error("ai peer dial failed", "err", err)
		r.abort(ctx, fmt.Errorf("%w: ai peer dial: %v", ErrTransport, err))
		return
	}
	r.mu.Lock()
	r.ai = ai
	r.mu.Unlock()

	mediaOut := newPeerWriter("media", r.media, r.cfg.QueueSize, r.cfg.WriteTimeout)
	aiOut := newPeerWriter("ai", ai, r.cfg.QueueSize, r.cfg.WriteTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mediaOut.run(gctx) })
	g.Go(func() error { return aiOut.run(gctx) })
	g.Go(func() error { return r.mediaPump(gctx, aiOut) })
	g.Go(func() error { return r.aiPump(gctx, ai, mediaOut, aiOut) })
	g.Go(func() error {
		// Closing the sockets is what unblocks the pump still reading.
		<-gctx.Done()
		r.closeConns()
		return nil
	})

	cause := g.Wait()
	switch {
	case errors.Is(cause, errStreamStopped):
		r.logger().Info("media stream stopped")
	case ctx.Err() != nil:
		r.logger().Info("session canceled", "err", cause)
	default:
		r.logger().Warn("session ended", "err", cause)
	}
	r.settle(ctx, cause)
}

// settle writes the terminal status for the call, if one was identified.
func (r *Relay) settle(ctx context.Context, cause error) {
	r.mu.Lock()
	callID, stopped := r.callID, r.stopped
	r.mu.Unlock()
	if callID == "" {
		r.logger().Info("session ended before the call was identified")
		return
	}

	detail := "media stream stopped"
	if !stopped {
		detail = "session ended"
		if cause != nil {
			detail = cause.Error()
		}
	}
	r.finish(ctx, callID, stopped, detail)
}

func (r *Relay) finish(ctx context.Context, callID string, completed bool, detail string) {
	// The session may be ending because ctx was canceled; the outcome must
	// still be recorded.
	fctx := context.WithoutCancel(ctx)
	rec, err := r.calls.Finish(fctx, callID, completed, detail)
	switch {
	case errors.Is(err, calls.ErrTerminal), errors.Is(err, calls.ErrNotFound):
		r.logger().Debug("call already finished", "call_id", callID)
	case err != nil:
		r.logger().Warn("call finish failed", "call_id", callID, "err", err)
	default:
		r.logger().Info("call finished", "call_id", callID, "status", rec.Status)
	}
}

// abort fails the call when the AI peer could not be opened. The call id may
// only be known from the media stream, so the start frame is awaited first;
// a call another session owns is left alone.
func (r *Relay) abort(ctx context.Context, cause error) {
	callID, _ := r.ids()
	if callID == "" {
		callID = r.awaitStart(ctx)
		if callID == "" {
			r.logger().Warn("no call to fail", "err", cause)
			return
		}
		if err := r.own(callID); err != nil {
			r.logger().Warn("not failing call owned elsewhere", "call_id", callID, "err", err)
			return
		}
	}
	if _, _, err := r.calls.Ensure(ctx, calls.CreateRequest{CallID: callID}); err != nil {
		r.logger().Warn("call record unavailable", "call_id", callID, "err", err)
		return
	}
	_ = r.calls.AppendEvent(ctx, callID, calls.EventRelayFailed, cause.Error())
	r.finish(ctx, callID, false, cause.Error())
}

// own claims callID for this session. Only an owned call id is ever stored in
// r.callID, so settle and abort never touch a call another session relays.
func (r *Relay) own(callID string) error {
	if r.claim == nil {
		return nil
	}
	return r.claim(callID)
}

func (r *Relay) awaitStart(ctx context.Context) string {
	timer := time.AfterFunc(r.cfg.StartTimeout, func() { _ = r.media.Close() })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { _ = r.media.Close() })
	defer stop()

	for {
		_, data, err := r.media.ReadMessage()
		if err != nil {
			return ""
		}
		f, err := decodeMediaFrame(data)
		if err != nil {
			continue
		}
		switch f.Event {
		case mediaEventStart:
			if f.Start != nil && f.Start.CallSid != "" {
				return f.Start.CallSid
			}
		case mediaEventStop:
			return ""
		}
	}
}

func (r *Relay) closeConns() {
	r.closeOnce.Do(func() {
		_ = r.media.Close()
		r.mu.Lock()
		ai := r.ai
		r.mu.Unlock()
		if ai != nil {
			_ = ai.Close()
		}
	})
}

func (r *Relay) mediaPump(ctx context.Context, aiOut *peerWriter) error {
	for {
		_, data, err := r.media.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: media peer: %v", ErrTransport, err)
		}
		f, err := decodeMediaFrame(data)
		if err != nil {
			r.logger().Warn("media frame dropped", "err", err)
			continue
		}

		switch f.Event {
		case mediaEventStart:
			if err := r.onStart(ctx, f.Start, aiOut); err != nil {
				if errors.Is(err, ErrProtocol) {
					r.logger().Warn("start frame dropped", "err", err)
					continue
				}
				return err
			}
		case mediaEventMedia:
			if err := r.onMedia(ctx, f.Media, aiOut); err != nil {
				if errors.Is(err, ErrProtocol) {
					r.logger().Warn("media frame dropped", "err", err)
					continue
				}
				return err
			}
		case mediaEventStop:
			r.onStop(ctx)
			return errStreamStopped
		case mediaEventConnected, mediaEventMark:
			r.logger().Debug("media event", "event", f.Event)
		default:
			r.logger().Debug("unknown media event ignored", "event", f.Event)
		}
	}
}

func (r *Relay) onStart(ctx context.Context, start *mediaStart, aiOut *peerWriter) error {
	if start == nil || start.StreamSid == "" {
		return fmt.Errorf("%w: start without streamSid", ErrProtocol)
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("%w: duplicate start", ErrProtocol)
	}
	preset := r.callID
	r.mu.Unlock()
	callID := start.CallSid
	switch {
	case callID == "":
		callID = preset
	case preset != "" && callID != preset:
		return fmt.Errorf("%w: start for call %s on a session for %s", ErrProtocol, callID, preset)
	}
	if callID == "" {
		return fmt.Errorf("%w: start without callSid", ErrProtocol)
	}

	if err := r.own(callID); err != nil {
		return err
	}

	// The stream id is live before the record is attached so audio the agent
	// produces right after start is not dropped.
	r.mu.Lock()
	log := r.log.With("stream_id", start.StreamSid)
	if r.callID != callID {
		log = log.With("call_id", callID)
	}
	r.callID, r.streamID, r.started = callID, start.StreamSid, true
	r.log = log
	r.mu.Unlock()

	params := start.CustomParameters
	rec, err := r.calls.AttachStream(ctx, calls.CreateRequest{
		CallID:       callID,
		PeerNumber:   params["peerNumber"],
		OriginNumber: params["originNumber"],
	}, start.StreamSid)
	if err != nil {
		return fmt.Errorf("attach stream: %w", err)
	}
	log.Info("media stream started")

	if frame := encodeClientData(rec.Metadata); frame != nil {
		if err := aiOut.send(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) onMedia(ctx context.Context, media *mediaPayload, aiOut *peerWriter) error {
	if media == nil || media.Payload == "" {
		return fmt.Errorf("%w: media without payload", ErrProtocol)
	}
	audio, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return fmt.Errorf("%w: media payload: %v", ErrProtocol, err)
	}
	if err := aiOut.send(ctx, encodeUserAudio(audio)); err != nil {
		return err
	}
	if callID, _ := r.ids(); callID != "" {
		r.appendEvent(ctx, callID, calls.EventMediaForwarded, "")
	}
	return nil
}

func (r *Relay) onStop(ctx context.Context) {
	r.mu.Lock()
	r.stopped = true
	callID := r.callID
	r.mu.Unlock()
	if callID != "" {
		r.appendEvent(ctx, callID, calls.EventStreamStopped, "")
	}
}

func (r *Relay) aiPump(ctx context.Context, ai Conn, mediaOut, aiOut *peerWriter) error {
	for {
		_, data, err := ai.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: ai peer: %v", ErrTransport, err)
		}
		m, err := decodeAIMessage(data)
		if err != nil {
			r.logger().Warn("ai message dropped", "err", err)
			continue
		}

		switch m.Type {
		case aiTypeAudio:
			payload, err := m.audioPayload()
			if err != nil {
				r.logger().Warn("ai audio dropped", "err", err)
				continue
			}
			callID, streamID := r.ids()
			if streamID == "" {
				r.logger().Debug("ai audio before stream start dropped")
				continue
			}
			r.appendEvent(ctx, callID, calls.EventAudioForwarded, "")
			if err := mediaOut.send(ctx, encodeMediaOut(streamID, payload)); err != nil {
				return err
			}
		case aiTypeInterruption:
			callID, streamID := r.ids()
			if streamID == "" {
				continue
			}
			n := mediaOut.flush()
			r.appendEvent(ctx, callID, calls.EventInterruption, fmt.Sprintf("%d frames discarded", n))
			if err := mediaOut.send(ctx, encodeClear(streamID)); err != nil {
				return err
			}
		case aiTypePing:
			if m.PingEvent == nil {
				r.logger().Warn("ping without ping_event")
				continue
			}
			pong, err := encodePong(m.PingEvent.EventID)
			if err == nil {
				err = aiOut.send(ctx, pong)
			}
			if err != nil {
				r.logger().Warn("pong not sent", "err", err)
			}
		case aiTypeInitiationMetadata:
			if m.Metadata != nil {
				r.logger().Info("ai conversation started", "conversation_id", m.Metadata.ConversationID)
			}
		default:
			r.logger().Debug("unknown ai message ignored", "type", m.Type)
		}
	}
}

func (r *Relay) appendEvent(ctx context.Context, callID, kind, detail string) {
	if err := r.calls.AppendEvent(ctx, callID, kind, detail); err != nil {
		r.logger().Debug("event not recorded", "kind", kind, "err", err)
	}
}
