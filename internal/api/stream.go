package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/progress"
	"github.com/stockcouncil/stockcouncil/internal/store"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin access mirrors the REST CORS policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to WebSocket and streams the analysis's
// progress events from the moment of subscription. The stream closes
// normally when the analysis finishes.
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")

	if _, err := s.store.GetRecord(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("analysis not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody("failed to load analysis"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("analysis_id", id).Msg("WebSocket upgrade failed")
		return
	}

	// Subscribing after completion still works: the run stream is over,
	// but drift alerts keep arriving under this id while the analysis
	// stays in the monitor's active window.
	sub := s.bus.Subscribe(id)

	go writePump(conn, id, sub.Events())
	go readPump(conn, sub)
}

// writePump forwards events until the subscription closes, pinging
// the peer to keep intermediaries from timing the stream out. The
// subscription channel closing means the analysis finished (or the
// client fell behind); either way a normal close frame ends the
// stream.
func writePump(conn *websocket.Conn, analysisID string, events <-chan progress.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case evt, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "analysis finished"))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				log.Debug().Err(err).Str("analysis_id", analysisID).Msg("WebSocket write failed")
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

// readPump discards client frames, keeping the read side alive for
// pong and close handling. When the client goes away the subscription
// is detached so the bus stops buffering for it.
func readPump(conn *websocket.Conn, sub *progress.Subscriber) {
	defer func() {
		sub.Unsubscribe()
		conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
