package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The management key middleware already gated this route.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusFeed streams connection status snapshots over a websocket. The current
// status is sent immediately, then every transition until the client goes away.
// The subscription is cancelled on teardown so no update ever lands on a
// detached consumer.
func (h *Handler) StatusFeed(c *gin.Context) {
	conn, err := statusUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("status feed upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	updates, cancel := h.manager.Subscribe()
	defer cancel()

	// Drain the read side to observe client close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, errRead := conn.ReadMessage(); errRead != nil {
				return
			}
		}
	}()

	writeStatus := func(v interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}

	if err = writeStatus(h.manager.Status(c.Request.Context())); err != nil {
		return
	}

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case status, open := <-updates:
			if !open {
				return
			}
			if err = writeStatus(status); err != nil {
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err = conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
