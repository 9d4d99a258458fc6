package trade

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newHubServer(t *testing.T) (*WSHub, *httptest.Server) {
	t.Helper()
	hub := NewWSHub()
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func clientCount(h *WSHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitForClients(t *testing.T, h *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if clientCount(h) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", clientCount(h), want)
}

func TestWSHub_BroadcastDelivery(t *testing.T) {
	hub, srv := newHubServer(t)
	conn := dialHub(t, srv)
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.Broadcast(WSMessage{Type: EventRoundLocked, RoundID: "r1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != EventRoundLocked || msg.RoundID != "r1" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

// Dead clients are evicted from inside the broadcast loop while other
// goroutines (the per-connection ping tickers) read the client map, so the
// eviction must run under the write lock. Run with -race.
func TestWSHub_EvictsDeadClientsDuringBroadcast(t *testing.T) {
	hub, srv := newHubServer(t)

	alive := dialHub(t, srv)
	defer alive.Close()
	dead := dialHub(t, srv)
	waitForClients(t, hub, 2)

	// Concurrent map readers, standing in for the ping tickers.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				clientCount(hub)
			}
		}
	}()

	dead.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && clientCount(hub) > 1 {
		hub.Broadcast(WSMessage{Type: EventPriceUpdated, MarketID: "m1"})
		time.Sleep(10 * time.Millisecond)
	}
	if got := clientCount(hub); got != 1 {
		t.Fatalf("client count after eviction = %d, want 1", got)
	}

	// The surviving client still receives broadcasts.
	hub.Broadcast(WSMessage{Type: EventRoundSettled, RoundID: "r1"})
	alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	for {
		if err := alive.ReadJSON(&msg); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if msg.Type == EventRoundSettled {
			return
		}
	}
}
