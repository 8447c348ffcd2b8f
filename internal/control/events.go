package control

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/narrowmargin/peanutpod/internal/logging"
)

// eventHub upgrades GET /v1/events connections to WebSocket and fans
// log lines out to every connected client, fed by a logging.Logger
// subscription.
type eventHub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	cancel func()
	done   chan struct{}
}

func newEventHub(logger *logging.Logger) *eventHub {
	return &eventHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// start subscribes to the logger and begins fanning lines out.
func (h *eventHub) start() {
	ch, cancel := h.logger.Subscribe()
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		for line := range ch {
			h.broadcast(line)
		}
	}()
}

// stop unsubscribes from the logger and closes every client connection.
func (h *eventHub) stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
		delete(h.clients, c)
	}
}

func (h *eventHub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *eventHub) broadcast(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			c.Close()
			delete(h.clients, c)
		}
	}
}
