package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"example.com/hsmgate/internal/common"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleProgressWS pushes progress snapshots over a websocket at the
// configured interval until the client goes away. The first snapshot is
// sent immediately so a client connecting between uploads still learns the
// last result.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		common.Logf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	// The peer sends nothing meaningful; reading is what surfaces its
	// close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.progress.Load()); err != nil {
		return
	}
	ticker := time.NewTicker(s.opts.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteJSON(s.progress.Load()); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
