package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zjrosen/gaffer/internal/log"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsCommand is the client-to-server message shape on the event socket.
type wsCommand struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// wsSink adapts one websocket connection to the hub's sink contract.
// Writes are serialized and deadline-bounded; a failed write makes the
// hub drop the client, so a dead peer cannot stall the fan-out.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) Send(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

// handleWebSocket upgrades the connection and registers it with the hub.
// Broadcasts arrive on every registered socket; channel-routed events
// require a subscribe command:
//
//	{"action": "subscribe", "channel": "agent:w-1"}
//	{"action": "unsubscribe", "channel": "agent:w-1"}
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.ErrorErr(log.CatAPI, "websocket upgrade failed", err)
		return
	}

	clientID := uuid.NewString()
	sink := &wsSink{conn: conn}
	s.deps.Hub.Register(clientID, sink)
	defer s.deps.Hub.Unregister(clientID)

	log.Debug(log.CatAPI, "websocket client connected", "clientId", clientID)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug(log.CatAPI, "websocket read failed", "clientId", clientID, "error", err.Error())
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Debug(log.CatAPI, "websocket command rejected", "clientId", clientID, "error", err.Error())
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if cmd.Channel != "" {
				s.deps.Hub.Subscribe(clientID, cmd.Channel)
			}
		case "unsubscribe":
			if cmd.Channel != "" {
				s.deps.Hub.Unsubscribe(clientID, cmd.Channel)
			}
		default:
			log.Debug(log.CatAPI, "websocket command unknown", "clientId", clientID, "action", cmd.Action)
		}
	}
}
