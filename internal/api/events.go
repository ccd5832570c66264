package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"taxiflow/internal/eventbus"
	logx "taxiflow/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxClientFrame = 512
	eventBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// events streams bus events as JSON text frames. ?types=run.,asset.failed
// filters by type (prefix match on entries ending in ".").
func (s *Service) events(w http.ResponseWriter, r *http.Request) {
	var types []string
	if v := r.URL.Query().Get("types"); v != "" {
		types = strings.Split(v, ",")
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	ch, unsub := s.deps.Bus.Subscribe(eventBuffer)
	s.log.Debug("event stream opened", logx.String("remote", r.RemoteAddr))

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(r, conn, ch, types, closed)
	unsub()
	s.log.Debug("event stream closed", logx.String("remote", r.RemoteAddr))
}

// readPump discards client frames and keeps the read deadline moving on
// pongs. It closes done when the client goes away.
func (s *Service) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("event stream read failed", logx.Err(err))
			}
			return
		}
	}
}

func (s *Service) writePump(r *http.Request, conn *websocket.Conn, ch <-chan eventbus.Event, types []string, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-r.Context().Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-closed:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !eventbus.Matches(e.Type, types) {
				continue
			}
			b, err := json.Marshal(e)
			if err != nil {
				s.log.Warn("event not encodable", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
