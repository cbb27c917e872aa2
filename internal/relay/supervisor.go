package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"callbridge/internal/calls"
	"callbridge/internal/convai"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	// The telephony provider connects from its own infrastructure; there is
	// no browser origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebsocketDial dials the AI peer with d, or the default dialer when nil.
func WebsocketDial(d *websocket.Dialer) DialFunc {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return func(ctx context.Context, url string) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: status %d: %w", redactQuery(url), resp.StatusCode, err)
			}
			return nil, fmt.Errorf("dial %s: %w", redactQuery(url), err)
		}
		return conn, nil
	}
}

// Signed URLs carry credentials in the query string.
func redactQuery(raw string) string {
	base, _, _ := strings.Cut(raw, "?")
	return base
}

type SupervisorOptions struct {
	Relay   Config
	Dial    DialFunc
	Limiter Limiter
	Logger  *slog.Logger
}

// Supervisor accepts media stream connections and runs one Relay per
// connection. Every accepted connection is torn down exactly once, including
// on Shutdown.
type Supervisor struct {
	calls   *calls.Service
	signer  convai.SignedURLProvider
	dial    DialFunc
	limiter Limiter
	cfg     Config
	log     *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	claims map[string]string // call id -> session id
}

func NewSupervisor(svc *calls.Service, signer convai.SignedURLProvider, opts SupervisorOptions) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dial := opts.Dial
	if dial == nil {
		dial = WebsocketDial(nil)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		calls:   svc,
		signer:  signer,
		dial:    dial,
		limiter: opts.Limiter,
		cfg:     opts.Relay.withDefaults(),
		log:     log,
		base:    base,
		cancel:  cancel,
		claims:  make(map[string]string),
	}
}

// HandleMediaStream upgrades the provider's media connection and relays it
// until the call ends. An optional callId query parameter identifies the
// call before the stream's start frame does.
func (s *Supervisor) HandleMediaStream(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := mediaUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err)
		return
	}
	s.serve(c.Request.Context(), conn, c.Query("callId"), log)
}

// Serve runs a relay for conn and returns once both peers are closed.
func (s *Supervisor) Serve(ctx context.Context, conn Conn, callID string) {
	s.serve(ctx, conn, callID, s.log)
}

func (s *Supervisor) serve(ctx context.Context, conn Conn, callID string, log *slog.Logger) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	sessionID := uuid.NewString()
	log = log.With("session_id", sessionID)
	if callID != "" {
		log = log.With("call_id", callID)
	}

	if s.limiter != nil {
		ok, err := s.limiter.Acquire(ctx)
		switch {
		case err != nil:
			// Redis trouble must not take calls down with it.
			log.Warn("session limiter unavailable, admitting", "err", err)
		case !ok:
			log.Warn("session cap reached, rejecting media stream")
			_ = conn.Close()
			return
		default:
			defer func() {
				if err := s.limiter.Release(context.WithoutCancel(ctx)); err != nil {
					log.Warn("session slot release failed", "err", err)
				}
			}()
		}
	}

	var claimed string
	defer func() {
		if claimed != "" {
			s.release(claimed, sessionID)
		}
	}()
	if callID != "" {
		if err := s.claim(callID, sessionID); err != nil {
			log.Warn("media stream rejected", "err", err)
			_ = conn.Close()
			return
		}
		claimed = callID
	}

	r := &Relay{
		media:  conn,
		calls:  s.calls,
		signer: s.signer,
		dial:   s.dial,
		cfg:    s.cfg,
		log:    log,
		callID: callID,
		claim: func(id string) error {
			if err := s.claim(id, sessionID); err != nil {
				return err
			}
			claimed = id
			return nil
		},
	}

	log.Info("media session accepted")
	r.Run(ctx)
	log.Info("media session closed")
}

func (s *Supervisor) claim(callID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.claims[callID]; ok && owner != sessionID {
		return fmt.Errorf("%w: %s", ErrCallClaimed, callID)
	}
	s.claims[callID] = sessionID
	return nil
}

func (s *Supervisor) release(callID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[callID] == sessionID {
		delete(s.claims, callID)
	}
}

// Active reports how many calls currently have a relay.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

// Shutdown stops accepting sessions, cancels the running ones and waits for
// their teardown or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
