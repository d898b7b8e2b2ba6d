package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/postern/internal/events"
)

const (
	eventBuffer     = 64
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events over a websocket. Events that carry
// a user field reach only that user; ?source=mail,expansion narrows
// the stream to those sources.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.bus == nil, "event stream") {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var sources []string
	if v := r.URL.Query().Get("source"); v != "" {
		sources = strings.Split(v, ",")
	}
	ch := s.bus.Subscribe(eventBuffer, events.ForUser(user), events.FromSources(sources...))
	defer func() {
		if dropped := s.bus.Unsubscribe(ch); dropped > 0 {
			s.logger.Debug("event stream missed events", "user", user, "dropped", dropped)
		}
	}()
	s.logger.Debug("event stream opened", "user", user, "sources", sources, "subscribers", s.bus.SubscriberCount())

	// The reader only handles control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream read ended", "user", user, "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case e := <-ch:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "user", user, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
