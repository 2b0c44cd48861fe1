package handler

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kiro-project/kiroproxy/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AdminHub broadcasts ProxyUpstreamAttempt telemetry rows to connected
// admin dashboards as they're recorded, mirroring the teacher's
// WebSocketHub/BroadcastProxyUpstreamAttempt pattern with the desktop
// event bus swapped for a plain HTTP/websocket one.
type AdminHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func NewAdminHub() *AdminHub {
	return &AdminHub{clients: make(map[*websocket.Conn]bool)}
}

// Broadcast satisfies telemetry.Recorder's optional Broadcast callback.
func (h *AdminHub) Broadcast(attempt telemetry.ProxyUpstreamAttempt) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(attempt); err != nil {
			go h.drop(conn)
		}
	}
}

func (h *AdminHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// ServeWS handles GET /admin/ws: an admin dashboard subscribes here to
// receive attempt telemetry as it's produced.
func (h *AdminHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[admin] websocket upgrade: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

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
}
