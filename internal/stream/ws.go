package stream

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsSender adapts a websocket connection to the Sender interface. Writes are
// serialized; gorilla connections do not allow concurrent writers.
type wsSender struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsSender) Send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteJSON(env)
}

// HandleWebSocket upgrades the connection and binds a subscription from query
// parameters: channels, kinds, unit, correlation_id, min_priority (all
// optional, comma separated where multi-valued).
func HandleWebSocket(bus *Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = uuid.New().String()
		}

		opts := SubscribeOptions{
			Channels: splitParam(r.URL.Query().Get("channels")),
			Kinds:    splitParam(r.URL.Query().Get("kinds")),
			Filters: Filters{
				Unit:          r.URL.Query().Get("unit"),
				CorrelationID: r.URL.Query().Get("correlation_id"),
			},
		}
		if mp := r.URL.Query().Get("min_priority"); mp != "" {
			if n, err := strconv.Atoi(mp); err == nil {
				opts.Filters.MinPriority = n
			}
		}

		sender := &wsSender{ws: ws}

		// Greet with a metrics frame so clients see bus state immediately.
		snap := bus.Snapshot()
		if err := sender.Send(Envelope{Type: "metrics", Metrics: &snap, Timestamp: time.Now()}); err != nil {
			return
		}

		sub := bus.Subscribe(clientID, sender, opts)
		defer bus.Unsubscribe(sub.ID)
		slog.Info("websocket subscriber connected", "client_id", clientID, "subscription_id", sub.ID)

		// Block reading until the client goes away; inbound frames are ignored.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				slog.Info("websocket subscriber disconnected", "client_id", clientID, "error", err.Error())
				return
			}
		}
	}
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
