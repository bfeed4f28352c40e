package httpapi

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/domain"
)

// mentionBuffer bounds the per-client backlog; slow readers are dropped
// rather than allowed to stall the pipeline.
const mentionBuffer = 64

// MentionHub fans recorded mentions out to websocket subscribers. It is
// an operational tail, not a delivery guarantee: clients that fall
// behind are disconnected.
type MentionHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan domain.Mention]struct{}
}

// NewMentionHub creates an empty hub.
func NewMentionHub() *MentionHub {
	return &MentionHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[chan domain.Mention]struct{}{},
	}
}

// Broadcast queues a mention for every connected client. Full client
// buffers are skipped.
func (h *MentionHub) Broadcast(m domain.Mention) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- m:
		default:
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *MentionHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams mentions until the client
// disconnects.
func (h *MentionHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	ch := make(chan domain.Mention, mentionBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		conn.Close()
	}()

	// Reader goroutine: we ignore client frames but need the read loop
	// to observe the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case m := <-ch:
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		}
	}
}
