package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// streamPoll is how often the stream handler checks for new output.
const streamPoll = 250 * time.Millisecond

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1")
	},
}

// handleStream upgrades to a WebSocket and pushes session output as it
// appears. The client closing the socket ends the stream.
func (s *Server) handleStream(c *gin.Context) {
	sess, err := s.manager.GetByName(c.Param("name"))
	if err != nil {
		s.abortWith(c, kindOf(err))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	log := s.logger.WithSessionID(sess.ID)
	log.Debug("output stream opened")

	// Reader goroutine: we only care about the close signal.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastSent := 0
	ticker := time.NewTicker(streamPoll)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Debug("output stream closed by client")
			return
		case <-ticker.C:
		}

		lines := sess.ReadOutput(0)
		if len(lines) <= lastSent {
			if sess.State().IsTerminal() {
				_ = conn.WriteMessage(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "session terminated"))
				return
			}
			continue
		}

		fresh := strings.Join(lines[lastSent:], "\n")
		lastSent = len(lines)
		if err := conn.WriteMessage(gorillaws.TextMessage, []byte(fresh)); err != nil {
			return
		}
	}
}
