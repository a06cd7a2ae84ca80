package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub streams audit events to websocket subscribers. It is both a Sink and
// the http.Handler that upgrades subscribers.
type Hub struct {
	mu           sync.Mutex
	clients      map[*websocket.Conn]struct{}
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	origins      map[string]struct{}
	log          zerolog.Logger
}

// NewHub accepts browser subscribers from the hub's own host and from the
// listed origins ("scheme://host[:port]"). Clients that send no Origin
// header are not browsers and are always accepted.
func NewHub(log zerolog.Logger, origins []string) *Hub {
	h := &Hub{
		clients:      make(map[*websocket.Conn]struct{}),
		writeTimeout: 2 * time.Second,
		origins:      make(map[string]struct{}, len(origins)),
		log:          log,
	}
	for _, o := range origins {
		if o = normalizeOrigin(o); o != "" {
			h.origins[o] = struct{}{}
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	_, ok := h.origins[normalizeOrigin(origin)]
	return ok
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
}

func (h *Hub) Record(_ context.Context, ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.Close()
			delete(h.clients, c)
		}
	}
	return nil
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("audit stream upgrade failed")
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Subscribers only listen; reading detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				if _, ok := h.clients[conn]; ok {
					conn.Close()
					delete(h.clients, conn)
				}
				h.mu.Unlock()
				return
			}
		}
	}()
}
