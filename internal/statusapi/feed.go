package statusapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mycelian/dreamwatch/internal/state"
)

const (
	feedWriteWait  = 5 * time.Second
	feedBufferSize = 64
)

// FeedMessage is one websocket frame. The first frame of a connection has no
// Event; every later one carries the change and the snapshot after it.
type FeedMessage struct {
	Event    *state.Event   `json:"event,omitempty"`
	Snapshot state.Snapshot `json:"snapshot"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.log.Debug().Err(err).Msg("feed upgrade failed")
		return
	}
	defer conn.Close()

	store := s.ctl.Store()
	events, cancel := store.Subscribe(feedBufferSize)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeFrame(conn, FeedMessage{Snapshot: store.Snapshot()}); err != nil {
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, FeedMessage{Event: &ev, Snapshot: store.Snapshot()}); err != nil {
				s.log.Debug().Err(err).Msg("feed write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, msg FeedMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	return conn.WriteJSON(msg)
}
