package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/jsonx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The upgrade accepts every origin; the CORS origin list that gates the
	// REST surface is not applied here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSubscribe upgrades to a websocket and streams graph events until
// the client disconnects. event_types is an optional comma-separated
// filter.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	var types []graph.EventType
	for _, t := range splitCSV(r.URL.Query().Get("event_types")) {
		types = append(types, graph.EventType(t))
	}

	label := "ws-" + uuid.NewString()[:8]
	events := make(chan graph.Event, 64)

	s.kernel.Bus().Subscribe(label, func(ev graph.Event) error {
		select {
		case events <- ev:
		default:
			// A stalled websocket misses every frame that arrives while
			// its 64-event buffer is full, critical kinds included.
		}
		return nil
	}, types...)

	s.logger.Info("Event subscriber connected", zap.String("label", label))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer func() {
		ping.Stop()
		s.kernel.Bus().Unsubscribe(label)
		conn.Close()
		s.logger.Info("Event subscriber disconnected", zap.String("label", label))
	}()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev := <-events:
			data, err := jsonx.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
