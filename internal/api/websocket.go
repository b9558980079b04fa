package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/useid/eid-agent/internal/eid"
	"github.com/useid/eid-agent/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast pushes a typed message to every connected client.
func (h *WSHub) Broadcast(msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	raw, _ := json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})
	h.broadcast <- raw
}

// InitWebSocket initializes the hub, starts the coordinator state
// pushers and returns the upgrade handler.
func (s *Server) InitWebSocket() http.HandlerFunc {
	s.hub = NewWSHub()
	go s.hub.Run()
	go s.pushStates()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})

		client := &WSClient{
			server: s,
			conn:   conn,
			send:   make(chan []byte, 256),
			hub:    s.hub,
		}

		s.hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// pushStates broadcasts each coordinator transition. New clients get
// the current snapshot over HTTP; the stream replays the latest one
// anyway.
func (s *Server) pushStates() {
	defer logging.RecoverAndLog("WebSocket state pusher", false)

	identStates, cancelIdent := s.ident.Updates().Subscribe()
	defer cancelIdent()
	setupStates, cancelSetup := s.setup.Updates().Subscribe()
	defer cancelSetup()

	for {
		select {
		case st, ok := <-identStates:
			if !ok {
				return
			}
			s.hub.Broadcast("identification_state", st)
		case st, ok := <-setupStates:
			if !ok {
				return
			}
			s.hub.Broadcast("setup_state", st)
		}
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "start_identification":
		c.handleStartIdentification(msg.ID, msg.Payload)
	case "confirm_attributes":
		c.handleConfirmAttributes(msg.ID, msg.Payload)
	case "submit_pin":
		c.handleSubmitPIN(msg.ID, msg.Payload)
	case "submit_pin_and_can":
		c.handleSubmitPINAndCAN(msg.ID, msg.Payload)
	case "submit_can":
		c.handleSubmitCAN(msg.ID, msg.Payload)
	case "cancel_identification":
		c.server.ident.Cancel()
		c.sendResponse(msg.ID, "ok", nil)
	case "reset_identification":
		c.server.ident.Reset()
		c.sendResponse(msg.ID, "ok", nil)
	case "start_setup":
		c.handleStartSetup(msg.ID)
	case "skip_setup":
		c.handleSkipSetup(msg.ID)
	case "choose_pin_letter":
		c.reply(msg.ID, c.server.setup.ChoosePINLetter())
	case "proceed_to_pin_entry":
		c.reply(msg.ID, c.server.setup.ProceedToPINEntry())
	case "submit_transport_pin":
		c.handlePINField(msg.ID, msg.Payload, c.server.setup.EnterOldPIN)
	case "submit_personal_pin":
		c.handlePINField(msg.ID, msg.Payload, c.server.setup.EnterPersonalPIN)
	case "confirm_personal_pin":
		c.handlePINField(msg.ID, msg.Payload, c.server.setup.ConfirmPersonalPIN)
	case "submit_can_and_pin":
		c.handleSubmitCANAndPIN(msg.ID, msg.Payload)
	case "identify_now":
		c.reply(msg.ID, c.server.setup.IdentifyNow(context.Background()))
	case "cancel_setup":
		c.server.setup.Cancel()
		c.sendResponse(msg.ID, "ok", nil)
	case "reset_setup":
		c.server.setup.Reset()
		c.sendResponse(msg.ID, "ok", nil)
	case "identification_state":
		c.sendResponse(msg.ID, "identification_state", c.server.ident.State())
	case "setup_state":
		c.sendResponse(msg.ID, "setup_state", c.server.setup.State())
	case "version":
		c.sendResponse(msg.ID, "version", map[string]string{
			"version":   Version,
			"buildTime": BuildTime,
			"gitCommit": GitCommit,
		})
	case "health":
		c.sendResponse(msg.ID, "health", map[string]interface{}{
			"status":      "ok",
			"readerCount": len(c.server.readers.Readers()),
		})
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

// reply acknowledges a command or reports its error.
func (c *WSClient) reply(id string, err error) {
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "ok", nil)
}

func (c *WSClient) handleStartIdentification(id string, payload json.RawMessage) {
	var req struct {
		TCTokenURL string `json:"tcTokenUrl"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.TCTokenURL == "" {
		c.sendError(id, "invalid payload: tcTokenUrl required")
		return
	}
	c.reply(id, c.server.ident.Begin(context.Background(), req.TCTokenURL))
}

func (c *WSClient) handleConfirmAttributes(id string, payload json.RawMessage) {
	var req struct {
		Attributes map[eid.Attribute]bool `json:"attributes"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	c.reply(id, c.server.ident.ConfirmAttributes(req.Attributes))
}

func (c *WSClient) handleSubmitPIN(id string, payload json.RawMessage) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	c.reply(id, c.server.ident.SubmitPIN(req.PIN))
}

func (c *WSClient) handleSubmitPINAndCAN(id string, payload json.RawMessage) {
	var req struct {
		PIN string `json:"pin"`
		CAN string `json:"can"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	c.reply(id, c.server.ident.SubmitPINAndCAN(req.PIN, req.CAN))
}

func (c *WSClient) handleSubmitCAN(id string, payload json.RawMessage) {
	var req struct {
		CAN string `json:"can"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	c.reply(id, c.server.ident.SubmitCAN(req.CAN))
}

func (c *WSClient) handleStartSetup(id string) {
	c.reply(id, c.server.setup.Begin(context.Background()))
}

func (c *WSClient) handleSkipSetup(id string) {
	c.reply(id, c.server.setup.SkipSetup(context.Background()))
}

func (c *WSClient) handlePINField(id string, payload json.RawMessage, submit func(string) error) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	c.reply(id, submit(req.PIN))
}

func (c *WSClient) handleSubmitCANAndPIN(id string, payload json.RawMessage) {
	var req struct {
		CAN string `json:"can"`
		PIN string `json:"pin"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	c.reply(id, c.server.setup.SubmitCANAndPIN(req.CAN, req.PIN))
}
