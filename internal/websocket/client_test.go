package websocket

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/funhub-backend/internal/domain"
	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dialTestHub runs a hub, serves it over httptest, and dials one client
// connection into it.
func dialTestHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()

	hub := NewHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, testLogger(), w, r)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return msg
}

// waitForSubscribers polls until the hub has processed the subscription.
// The ack frame and the hub loop race, so the ack alone is not enough.
func waitForSubscribers(t *testing.T, hub *Hub, gameID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.GetSubscriberCount(gameID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count for %s never reached %d", gameID, want)
}

func TestSubscribeAck(t *testing.T) {
	hub, conn := dialTestHub(t)

	if err := conn.WriteJSON(Command{Type: MessageTypeSubscribe, GameID: "quizmo"}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}

	ack := readFrame(t, conn)
	if ack.Type != "subscribed" || ack.GameID != "quizmo" {
		t.Errorf("ack = %+v, want subscribed for quizmo", ack)
	}
	waitForSubscribers(t, hub, "quizmo", 1)
}

func TestSubscribeRequiresGame(t *testing.T) {
	_, conn := dialTestHub(t)

	if err := conn.WriteJSON(Command{Type: MessageTypeSubscribe}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}

	reply := readFrame(t, conn)
	if reply.Type != MessageTypeError {
		t.Errorf("reply type = %q, want error", reply.Type)
	}
}

func TestPingPong(t *testing.T) {
	_, conn := dialTestHub(t)

	if err := conn.WriteJSON(Command{Type: MessageTypePing}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}

	reply := readFrame(t, conn)
	if reply.Type != MessageTypePong {
		t.Errorf("reply type = %q, want pong", reply.Type)
	}
}

func TestUnparseableFrameGetsError(t *testing.T) {
	_, conn := dialTestHub(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	reply := readFrame(t, conn)
	if reply.Type != MessageTypeError {
		t.Errorf("reply type = %q, want error", reply.Type)
	}
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	hub, conn := dialTestHub(t)

	if err := conn.WriteJSON(Command{Type: MessageTypeSubscribe, GameID: "quizmo"}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}
	readFrame(t, conn)
	waitForSubscribers(t, hub, "quizmo", 1)

	// A broadcast for another channel must not land here.
	hub.BroadcastScore("mixmo", &domain.RankedEntry{PlayerID: "bob", Score: 900})
	hub.BroadcastScore("quizmo", &domain.RankedEntry{PlayerID: "alice", Score: 500, Rank: 1})

	frame := readFrame(t, conn)
	if frame.Type != MessageTypeScoreAccepted || frame.GameID != "quizmo" {
		t.Fatalf("frame = %+v, want score_accepted for quizmo", frame)
	}
	entry, ok := frame.Data.(map[string]interface{})
	if !ok || entry["player_id"] != "alice" {
		t.Errorf("frame data = %+v, want alice's entry", frame.Data)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, conn := dialTestHub(t)

	if err := conn.WriteJSON(Command{Type: MessageTypeSubscribe, GameID: "quizmo"}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}
	readFrame(t, conn)
	waitForSubscribers(t, hub, "quizmo", 1)

	if err := conn.WriteJSON(Command{Type: MessageTypeUnsubscribe, GameID: "quizmo"}); err != nil {
		t.Fatalf("writing unsubscribe: %v", err)
	}
	ack := readFrame(t, conn)
	if ack.Type != "unsubscribed" {
		t.Errorf("ack type = %q, want unsubscribed", ack.Type)
	}
	waitForSubscribers(t, hub, "quizmo", 0)
}
