package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/useid/eid-agent/internal/flows/setup"
)

func TestNewWSHub(t *testing.T) {
	hub := NewWSHub()
	if hub == nil {
		t.Fatal("NewWSHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("clients map not initialized")
	}
	if hub.broadcast == nil || hub.register == nil || hub.unregister == nil {
		t.Error("hub channels not initialized")
	}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{send: make(chan []byte, 256), hub: hub}

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	if !hub.clients[client] {
		t.Error("client not registered")
	}
	hub.mu.RUnlock()

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	if hub.clients[client] {
		t.Error("client still registered")
	}
	hub.mu.RUnlock()

	// Unregister closes the send channel
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("send channel yielded a message instead of closing")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed")
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{send: make(chan []byte, 256), hub: hub}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast("test_event", map[string]string{"hello": "world"})

	select {
	case raw := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if msg.Type != "test_event" {
			t.Errorf("type = %q", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestWSHubDropsSlowClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	// Zero-buffer send channel with no reader simulates a stuck client
	client := &WSClient{send: make(chan []byte), hub: hub}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast("test_event", nil)
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if hub.clients[client] {
		t.Error("stuck client not evicted")
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msgType, id string, payload interface{}) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	if err := conn.WriteJSON(WSMessage{Type: msgType, ID: id, Payload: raw}); err != nil {
		t.Fatalf("writing %s: %v", msgType, err)
	}
}

// recvWS reads messages until one carries the wanted ID, skipping
// broadcasts interleaved by the state pusher.
func recvWS(t *testing.T, conn *websocket.Conn, id string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading response for %q: %v", id, err)
		}
		if msg.ID == id {
			return msg
		}
	}
}

// recvBroadcast reads until a broadcast of msgType arrives.
func recvBroadcast(t *testing.T, conn *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q broadcast: %v", msgType, err)
		}
		if msg.Type == msgType && msg.ID == "" {
			return msg
		}
	}
}

func TestWSVersionRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, identifyScenario())
	srv := httptest.NewServer(s.NewMux())
	defer srv.Close()

	conn := dialWS(t, srv)
	sendWS(t, conn, "version", "req-1", nil)

	msg := recvWS(t, conn, "req-1")
	if msg.Type != "version" {
		t.Fatalf("type = %q", msg.Type)
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if body.Version == "" {
		t.Error("version must not be empty")
	}
}

func TestWSUnknownTypeReturnsError(t *testing.T) {
	s, _ := newTestServer(t, identifyScenario())
	srv := httptest.NewServer(s.NewMux())
	defer srv.Close()

	conn := dialWS(t, srv)
	sendWS(t, conn, "frobnicate", "req-2", nil)

	msg := recvWS(t, conn, "req-2")
	if msg.Type != "error" || msg.Error == "" {
		t.Errorf("msg = %+v, want error response", msg)
	}
}

func TestWSInvalidJSONReturnsError(t *testing.T) {
	s, _ := newTestServer(t, identifyScenario())
	srv := httptest.NewServer(s.NewMux())
	defer srv.Close()

	conn := dialWS(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == "error" {
			break
		}
	}
	if msg.Error != "invalid message format" {
		t.Errorf("error = %q", msg.Error)
	}
}

func TestWSStartSetupBroadcastsState(t *testing.T) {
	s, _ := newTestServer(t, identifyScenario())
	srv := httptest.NewServer(s.NewMux())
	defer srv.Close()

	conn := dialWS(t, srv)
	sendWS(t, conn, "start_setup", "req-3", nil)

	msg := recvWS(t, conn, "req-3")
	if msg.Type != "ok" {
		t.Fatalf("start_setup reply = %+v", msg)
	}

	// The state pusher relays the transition to every client
	for {
		bc := recvBroadcast(t, conn, "setup_state")
		var st setup.State
		if err := json.Unmarshal(bc.Payload, &st); err != nil {
			t.Fatalf("unmarshal state: %v", err)
		}
		if st.Screen == setup.ScreenPINLetterChoice {
			return
		}
	}
}

func TestWSSubmitPINRequiresActiveFlow(t *testing.T) {
	s, _ := newTestServer(t, identifyScenario())
	srv := httptest.NewServer(s.NewMux())
	defer srv.Close()

	conn := dialWS(t, srv)
	sendWS(t, conn, "submit_pin", "req-4", map[string]string{"pin": "123456"})

	msg := recvWS(t, conn, "req-4")
	if msg.Type != "error" {
		t.Errorf("submit_pin without a flow must fail, got %+v", msg)
	}
}

func TestWSStateQueries(t *testing.T) {
	s, _ := newTestServer(t, identifyScenario())
	srv := httptest.NewServer(s.NewMux())
	defer srv.Close()

	conn := dialWS(t, srv)

	sendWS(t, conn, "identification_state", "req-5", nil)
	if msg := recvWS(t, conn, "req-5"); msg.Type != "identification_state" {
		t.Errorf("type = %q", msg.Type)
	}

	sendWS(t, conn, "setup_state", "req-6", nil)
	if msg := recvWS(t, conn, "req-6"); msg.Type != "setup_state" {
		t.Errorf("type = %q", msg.Type)
	}
}
