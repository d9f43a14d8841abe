package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // checkout pages live on the frontend origin
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusLookup returns the current ledger status for a reference.
type StatusLookup func(ctx context.Context, referenceID string) (string, error)

// Client is one browser waiting on a payment.
type Client struct {
	ID          string
	ReferenceID string
	hub         *Hub
	conn        *websocket.Conn
	send        chan WSMessage
	logger      *zap.Logger
}

// ServeWs handles GET /payment/status/ws?reference_id=. The current status is sent
// on connect, then every transition.
func ServeWs(hub *Hub, lookup StatusLookup, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		ref := strings.TrimSpace(c.Query("reference_id"))
		if ref == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "reference_id is required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:          uuid.New().String(),
			ReferenceID: ref,
			hub:         hub,
			conn:        conn,
			send:        make(chan WSMessage, 16),
			logger:      logger,
		}
		hub.Register(client)

		if lookup != nil {
			status, err := lookup(c.Request.Context(), ref)
			if err != nil {
				logger.Warn("initial status lookup failed", zap.Error(err), zap.String("reference_id", ref))
			} else {
				data, _ := json.Marshal(StatusEvent{ReferenceID: ref, Status: status, At: time.Now().Unix()})
				client.send <- WSMessage{Event: EventPaymentStatus, Data: data}
			}
		}

		go client.writePump()
		client.readPump()
	}
}

// Listeners only read to notice close frames and pongs.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
