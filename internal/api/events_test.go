package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	syncpkg "github.com/kimhsiao/mealsync/internal/sync"
)

func newEventServer(t *testing.T, hub *Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/sync/events", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/events"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// =====================================================
// Hub Tests
// =====================================================

// TestHub_broadcast verifies events reach a connected client.
func TestHub_broadcast(t *testing.T) {
	hub := NewHub()
	conn := dial(t, newEventServer(t, hub), nil)
	waitForClients(t, hub, 1)

	hub.Broadcast(EventSyncStatus, map[string]any{"status": "SYNCING"})

	msg := readJSON(t, conn)
	if msg["type"] != EventSyncStatus {
		t.Errorf("type = %v, want %s", msg["type"], EventSyncStatus)
	}
	if data := msg["data"].(map[string]any); data["status"] != "SYNCING" {
		t.Errorf("data = %v", data)
	}
}

// TestHub_subscribe verifies a client only receives the events it asked for.
func TestHub_subscribe(t *testing.T) {
	hub := NewHub()
	conn := dial(t, newEventServer(t, hub), nil)
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "events": []string{EventSyncFailed}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if ack := readJSON(t, conn); ack["action"] != "subscribe_ack" {
		t.Fatalf("ack = %v, want subscribe_ack", ack)
	}

	hub.Broadcast(EventSyncStatus, map[string]any{"status": "SYNCING"})
	hub.Broadcast(EventSyncFailed, map[string]any{"status": "ERROR"})

	msg := readJSON(t, conn)
	if msg["type"] != EventSyncFailed {
		t.Errorf("type = %v, want %s", msg["type"], EventSyncFailed)
	}
}

// TestHub_ping verifies the application-level ping.
func TestHub_ping(t *testing.T) {
	hub := NewHub()
	conn := dial(t, newEventServer(t, hub), nil)
	waitForClients(t, hub, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if msg := readJSON(t, conn); msg["action"] != "pong" {
		t.Errorf("reply = %v, want pong", msg)
	}
}

// TestHub_origin verifies browser origins are checked.
func TestHub_origin(t *testing.T) {
	hub := NewHub("http://localhost:3000")
	url := newEventServer(t, hub)

	dial(t, url, http.Header{"Origin": []string{"http://localhost:3000"}})
	waitForClients(t, hub, 1)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("Dial() from a foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

// TestHub_disconnect verifies closed clients are unregistered.
func TestHub_disconnect(t *testing.T) {
	hub := NewHub()
	conn := dial(t, newEventServer(t, hub), nil)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

// =====================================================
// Relay Tests
// =====================================================

// TestRelayStatus verifies status changes become events.
func TestRelayStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   syncpkg.SyncStatus
		wantNext string
	}{
		{"syncing", syncpkg.SyncStatusSyncing, ""},
		{"success", syncpkg.SyncStatusSuccess, EventSyncCompleted},
		{"error", syncpkg.SyncStatusError, EventSyncFailed},
		{"offline", syncpkg.SyncStatusOffline, EventSyncFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub()
			conn := dial(t, newEventServer(t, hub), nil)
			waitForClients(t, hub, 1)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			statuses := make(chan syncpkg.SyncStatus, 1)
			describe := func(context.Context) map[string]any {
				return map[string]any{"pending_items": 2}
			}
			go hub.RelayStatus(ctx, statuses, describe)
			statuses <- tt.status

			msg := readJSON(t, conn)
			if msg["type"] != EventSyncStatus {
				t.Fatalf("type = %v, want %s", msg["type"], EventSyncStatus)
			}
			if tt.wantNext == "" {
				return
			}

			msg = readJSON(t, conn)
			if msg["type"] != tt.wantNext {
				t.Fatalf("type = %v, want %s", msg["type"], tt.wantNext)
			}
			data := msg["data"].(map[string]any)
			if data["pending_items"] != float64(2) {
				t.Errorf("data = %v, want described detail", data)
			}
		})
	}
}

// TestEnvelope_json verifies the wire field names.
func TestEnvelope_json(t *testing.T) {
	b, err := json.Marshal(Envelope{Type: EventSyncStatus, Data: map[string]any{"status": "IDLE"}, Timestamp: 7})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"sync.status","data":{"status":"IDLE"},"timestamp":7}`
	if string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}
}
