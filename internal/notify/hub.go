package notify

import (
	"net/http"
	"sync"
	"time"

	"repaircoin/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 2 * time.Second

// Hub pushes session events to connected customers over websockets.
// Delivery is fire-and-forget: a dead or absent connection never affects the
// session operation that produced the event.
type Hub struct {
	mu       sync.Mutex
	conns    map[string]map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		conns: map[string]map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Subscribe upgrades the request and registers the connection under the
// customer address until the peer goes away.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, customerAddress string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	h.add(customerAddress, conn)

	go func() {
		defer func() {
			h.remove(customerAddress, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type sessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ShopID    string `json:"shopId"`
	Status    string `json:"status"`
	MaxAmount string `json:"maxAmount"`
	ExpiresAt string `json:"expiresAt"`
}

func (h *Hub) NotifySession(session *models.RedemptionSession) {
	event := sessionEvent{
		Type:      "redemption_session",
		SessionID: session.SessionID,
		ShopID:    session.ShopID,
		Status:    string(session.Status),
		MaxAmount: session.MaxAmount.String(),
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
	}

	h.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(h.conns[session.CustomerAddress]))
	for conn := range h.conns[session.CustomerAddress] {
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	for _, conn := range targets {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			h.log.Debug().Err(err).Str("session_id", session.SessionID).Msg("ws push failed")
			h.remove(session.CustomerAddress, conn)
			_ = conn.Close()
		}
	}
}

func (h *Hub) add(customerAddress string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[customerAddress] == nil {
		h.conns[customerAddress] = map[*websocket.Conn]struct{}{}
	}
	h.conns[customerAddress][conn] = struct{}{}
}

func (h *Hub) remove(customerAddress string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[customerAddress], conn)
	if len(h.conns[customerAddress]) == 0 {
		delete(h.conns, customerAddress)
	}
}
