package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	log "github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

// handleEvents streams connectivity events to a websocket client, starting
// with a snapshot of the current state.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.WithError(err).Warn("Failed to accept websocket client")
		return
	}
	defer c.CloseNow()

	sq, unsub := s.subscribe()
	defer unsub()

	// the client never sends; CloseRead handles control frames and cancels
	// ctx once the peer goes away
	ctx := c.CloseRead(r.Context())

	log.WithField("remote", r.RemoteAddr).Debug("Event subscriber connected")
	defer log.WithField("remote", r.RemoteAddr).Debug("Event subscriber disconnected")

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sq.Chan():
			if !ok {
				c.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, ev)
			cancel()
			if err != nil {
				log.WithError(err).Debug("Failed to write event to subscriber")
				return
			}
		}
	}
}
