package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trademind/internal/domain"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, hub *Hub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() == 0 {
		t.Fatal("client never registered")
	}
	return conn
}

func readInsight(t *testing.T, conn *websocket.Conn) domain.Insight {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, blob, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ins domain.Insight
	if err := json.Unmarshal(blob, &ins); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return ins
}

func TestBroadcastReachesClient(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "")

	hub.Broadcast(domain.Insight{UserID: "u1", Message: "hello"})

	ins := readInsight(t, conn)
	if ins.UserID != "u1" || ins.Message != "hello" {
		t.Fatalf("unexpected insight: %+v", ins)
	}
}

func TestBroadcastFiltersByUser(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "?user_id=u2")

	hub.Broadcast(domain.Insight{UserID: "u1", Message: "not for you"})
	hub.Broadcast(domain.Insight{UserID: "u2", Message: "for you"})

	ins := readInsight(t, conn)
	if ins.UserID != "u2" {
		t.Fatalf("filter leaked insight for %s", ins.UserID)
	}
}

func TestShutdownDisconnectsClients(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "")

	hub.Shutdown()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after shutdown, got %d", hub.ClientCount())
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection closed after shutdown")
	}
}
