package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	domainprogress "github.com/alanyang/promptlab/internal/domain/progress"
	"github.com/alanyang/promptlab/internal/domain/fault"
	runsvc "github.com/alanyang/promptlab/internal/service/run"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub serves live progress over WebSocket. Each connection is one broadcaster
// subscriber for the room named in its query string; closing the socket
// unsubscribes. Nothing is replayed on reconnect.
type Hub struct {
	svc *runsvc.Service
}

func NewHub(svc *runsvc.Service) *Hub {
	return &Hub{svc: svc}
}

func (h *Hub) Register(rg *gin.RouterGroup) {
	rg.GET("", h.handleWS)
}

func (h *Hub) handleWS(c *gin.Context) {
	room := domainprogress.Room{SessionID: c.Query("session_id"), CardID: c.Query("card_id")}
	// Validate before upgrading so a bad room gets a plain HTTP error.
	sub, err := h.svc.SubscribeProgress(room)
	if err != nil {
		c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer h.svc.UnsubscribeProgress(sub.ID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case m, ok := <-sub.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteJSON(m); err != nil {
				slog.Warn("websocket write failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
