package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxrunner/taskscheduler/pkg/scheduler"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// eventStream forwards scheduler events to one websocket client
type eventStream struct {
	id   string
	conn *websocket.Conn
	sub  *scheduler.Subscription
	api  *RESTAPI

	// filters from the query string; empty means everything
	taskID string
	types  map[scheduler.EventType]bool

	done      chan struct{}
	closeOnce sync.Once
}

func (api *RESTAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	// subscribe first so nothing published after the handshake is missed
	sub := api.scheduler.Subscribe()
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.scheduler.Unsubscribe(sub)
		api.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	stream := &eventStream{
		id:     sub.ID,
		conn:   conn,
		sub:    sub,
		api:    api,
		taskID: r.URL.Query().Get("task_id"),
		done:   make(chan struct{}),
	}
	if raw := r.URL.Query()["type"]; len(raw) > 0 {
		stream.types = make(map[scheduler.EventType]bool, len(raw))
		for _, t := range raw {
			stream.types[scheduler.EventType(t)] = true
		}
	}

	api.streamsMu.Lock()
	api.streams[stream.id] = stream
	api.streamsMu.Unlock()

	api.logger.Info().
		Str("stream_id", stream.id).
		Str("remote_addr", r.RemoteAddr).
		Str("task_id", stream.taskID).
		Msg("Event stream connected")

	api.wg.Add(2)
	go func() {
		defer api.wg.Done()
		stream.readPump()
	}()
	go func() {
		defer api.wg.Done()
		stream.writePump()
	}()
}

func (s *eventStream) wants(e scheduler.Event) bool {
	if s.taskID != "" && e.TaskID != s.taskID {
		return false
	}
	if len(s.types) > 0 && !s.types[e.Type] {
		return false
	}
	return true
}

// readPump discards client messages and notices disconnects
func (s *eventStream) readPump() {
	defer s.close()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.api.logger.Warn().Err(err).Str("stream_id", s.id).Msg("Event stream read error")
			}
			return
		}
	}
}

func (s *eventStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case e, ok := <-s.sub.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "scheduler stopped"))
				return
			}
			if !s.wants(e) {
				continue
			}
			msg, err := json.Marshal(e)
			if err != nil {
				s.api.logger.Error().Err(err).Str("event_id", e.ID).Msg("Failed to encode event")
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.api.logger.Debug().Err(err).Str("stream_id", s.id).Msg("Event stream write error")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (s *eventStream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.api.scheduler.Unsubscribe(s.sub)

		s.api.streamsMu.Lock()
		delete(s.api.streams, s.id)
		s.api.streamsMu.Unlock()

		s.api.logger.Info().
			Str("stream_id", s.id).
			Int64("dropped", s.sub.Dropped()).
			Msg("Event stream closed")
	})
}

func (api *RESTAPI) closeStreams() {
	api.streamsMu.Lock()
	streams := make([]*eventStream, 0, len(api.streams))
	for _, s := range api.streams {
		streams = append(streams, s)
	}
	api.streamsMu.Unlock()

	for _, s := range streams {
		s.close()
	}
}
