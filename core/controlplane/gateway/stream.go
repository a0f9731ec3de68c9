package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/capturekit/core/infra/logging"
)

const wsWriteWait = 10 * time.Second

// handleStream pushes upload progress events as JSON text frames. An optional
// artifact_id query parameter limits the stream to one artifact.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter := strings.TrimSpace(r.URL.Query().Get("artifact_id"))

	logging.Info(component, "ws connection attempt", "remote", r.RemoteAddr)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(component, "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info(component, "ws connected", "remote", r.RemoteAddr)

	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	// Reads only detect the peer going away; clients send nothing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && ev.ArtifactID != filter {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error(component, "marshal progress failed", "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			logging.Debug(component, "ws closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
