package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ledgerstack/resilience/internal/smartlog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The agent binds to localhost by default; origin checks add nothing
		// for same-host tooling.
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleLogStream upgrades the connection and streams accepted log entries
// as JSON frames, optionally filtered by minimum level.
func (s *Server) handleLogStream(c *gin.Context) {
	minLevel := smartlog.Level(c.DefaultQuery("level", string(smartlog.LevelDebug)))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	entries, cancel := s.logs.Subscribe()
	defer cancel()

	// Drain client frames so close handshakes and pongs are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if !levelAtLeast(entry.Level, minLevel) {
				continue
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var wsLevelRank = map[smartlog.Level]int{
	smartlog.LevelDebug: 0,
	smartlog.LevelInfo:  1,
	smartlog.LevelWarn:  2,
	smartlog.LevelError: 3,
	smartlog.LevelFatal: 4,
}

func levelAtLeast(level, min smartlog.Level) bool {
	return wsLevelRank[level] >= wsLevelRank[min]
}
