package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleSignaling upgrades the request and attaches the connection to hub
// under a fresh participant identity.
func HandleSignaling(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Warn("failed to upgrade connection", "err", err)
			return
		}

		client := NewClient(uuid.New().String(), conn)
		hub.Register(client)

		go client.writePump(hub)
		go client.readPump(hub)
	}
}
