package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/websocket"
)

// WSHandler upgrades authenticated clients to a websocket subscription for
// live backup status events.
type WSHandler struct {
	hub *websocket.Hub
	log *zap.Logger
}

func NewWSHandler(hub *websocket.Hub, log *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, log: log.Named("ws")}
}

// Serve upgrades the connection and subscribes it to the requested topics.
// Topics come from the comma-separated "topics" query parameter; clients that
// name none get the global backups feed. Unknown topic names are rejected
// before the upgrade.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	if topics == nil {
		ErrBadRequest(w, "unknown topic")
		return
	}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.log)
	if err != nil {
		// NewClient already wrote the handshake error response.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

// parseTopics validates the subscription list. Returns nil when any entry is
// not a recognized topic.
func parseTopics(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{websocket.TopicBackups}
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		switch {
		case t == websocket.TopicBackups:
		case strings.HasPrefix(t, "database:") && len(t) > len("database:"):
		default:
			return nil
		}
		topics = append(topics, t)
	}
	return topics
}
