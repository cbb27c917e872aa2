package broadcast

import (
	"net/http"
	"time"

	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var observerUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// Observers are dashboards on other origins; authentication is out of scope.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	observerWriteTimeout = 5 * time.Second
	observerPingInterval = 20 * time.Second
)

// ServeObserver upgrades the request to a monitoring socket and streams hub
// messages until either side goes away. Anything the observer sends is
// discarded; reads only exist to notice the disconnect.
func (h *Hub) ServeObserver(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := observerUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("observer upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)
	log = log.With("observer_id", sub.ID)
	log.Info("observer connected", "observers", h.Len())

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(observerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			sub.closed.Store(true)
			log.Info("observer disconnected", "dropped", sub.Dropped())
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(observerWriteTimeout)); err != nil {
				sub.closed.Store(true)
				return
			}
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(observerWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				sub.closed.Store(true)
				log.Info("observer write failed", "err", err)
				return
			}
		}
	}
}
