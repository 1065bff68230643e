package adapters

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/roster"
	"github.com/dkeye/Meet/internal/signal"
)

func newGatewayServer(t *testing.T) (*httptest.Server, *roster.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := roster.NewMemoryStore()
	channel := signal.NewMemoryChannel()
	gw := NewGateway(store, channel, time.Minute)

	r := gin.New()
	r.GET("/ws/:meeting/:pid", func(c *gin.Context) {
		pid := domain.ParticipantID(c.Param("pid"))
		p, err := domain.NewParticipant(pid, "name-"+string(pid))
		if err != nil {
			c.AbortWithStatus(400)
			return
		}
		gw.HandleMeeting(context.Background(), c, domain.MeetingID(c.Param("meeting")), p)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func dialWS(t *testing.T, srv *httptest.Server, meeting, pid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + meeting + "/" + pid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrameOfType discards frames until one of the wanted type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, typ string) ServerFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var frame ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type == typ {
			return frame
		}
	}
}

func createMeeting(t *testing.T, store *roster.MemoryStore, id domain.MeetingID, host domain.ParticipantID) {
	t.Helper()
	if err := store.Create(context.Background(), domain.NewMeeting(id, host, domain.DefaultMeetingSettings())); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestGatewayRelaysSignalsBetweenClients(t *testing.T) {
	srv, store := newGatewayServer(t)
	createMeeting(t, store, "m1", "alice")

	alice := dialWS(t, srv, "m1", "alice")
	bob := dialWS(t, srv, "m1", "bob")

	out := ClientFrame{
		Type: "signal",
		Signal: &core.SignalMessage{
			ID:          "sig-1",
			RecipientID: "bob",
			Type:        core.SignalOffer,
			Payload:     json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		},
	}
	if err := alice.WriteJSON(out); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrameOfType(t, bob, "signal")
	if frame.Signal == nil || frame.Signal.ID != "sig-1" {
		t.Fatalf("wrong signal delivered: %+v", frame.Signal)
	}
	// The gateway stamps identity; the client's own claim is overridden.
	if frame.Signal.SenderID != "alice" || frame.Signal.MeetingID != "m1" {
		t.Fatalf("identity not stamped: %+v", frame.Signal)
	}
}

func TestGatewayBroadcastsRosterUpdates(t *testing.T) {
	srv, store := newGatewayServer(t)
	createMeeting(t, store, "m1", "alice")

	alice := dialWS(t, srv, "m1", "alice")

	frame := readFrameOfType(t, alice, "roster")
	if frame.Roster == nil || len(frame.Roster.Participants) != 1 {
		t.Fatalf("initial roster wrong: %+v", frame.Roster)
	}

	_ = dialWS(t, srv, "m1", "bob")

	for {
		frame = readFrameOfType(t, alice, "roster")
		if len(frame.Roster.Participants) == 2 {
			break
		}
	}
}

func TestGatewayPresenceWritesRoster(t *testing.T) {
	srv, store := newGatewayServer(t)
	createMeeting(t, store, "m1", "alice")

	alice := dialWS(t, srv, "m1", "alice")
	readFrameOfType(t, alice, "roster")

	if err := alice.WriteJSON(ClientFrame{Type: "presence", Field: core.PresenceHandRaised, Value: true}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := store.Get(context.Background(), "m1")
		if err == nil {
			if p, ok := m.Participants["alice"]; ok && p.IsHandRaised {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("presence toggle never reached the store")
}

func TestGatewayHostDisconnectEndsMeeting(t *testing.T) {
	srv, store := newGatewayServer(t)
	createMeeting(t, store, "m1", "alice")

	alice := dialWS(t, srv, "m1", "alice")
	_ = dialWS(t, srv, "m1", "bob")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, _ := store.Get(context.Background(), "m1")
		if m != nil && len(m.Participants) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = alice.Close()

	for time.Now().Before(deadline.Add(5 * time.Second)) {
		m, err := store.Get(context.Background(), "m1")
		if err == nil && m.Status == domain.MeetingEnded {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("host disconnect did not end the meeting")
}

func TestWSChannelRoundTripThroughGateway(t *testing.T) {
	srv, store := newGatewayServer(t)
	createMeeting(t, store, "m1", "alice")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/m1/alice"
	ch, err := signal.DialWS(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	received := make(chan core.SignalMessage, 1)
	unsub, err := ch.Subscribe(context.Background(), "m1", "alice", func(msg core.SignalMessage) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	bob := dialWS(t, srv, "m1", "bob")

	// Client channel → gateway → bob's raw socket.
	err = ch.Send(context.Background(), core.SignalMessage{
		ID:          "out-1",
		RecipientID: "bob",
		Type:        core.SignalOffer,
		Payload:     json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	frame := readFrameOfType(t, bob, "signal")
	if frame.Signal.ID != "out-1" || frame.Signal.SenderID != "alice" {
		t.Fatalf("outbound signal wrong: %+v", frame.Signal)
	}

	// Bob's raw socket → gateway → client channel handler.
	if err := bob.WriteJSON(ClientFrame{Type: "signal", Signal: &core.SignalMessage{
		ID:          "in-1",
		RecipientID: "alice",
		Type:        core.SignalAnswer,
		Payload:     json.RawMessage(`{}`),
	}}); err != nil {
		t.Fatalf("bob write: %v", err)
	}
	select {
	case msg := <-received:
		if msg.ID != "in-1" || msg.SenderID != "bob" {
			t.Fatalf("inbound signal wrong: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client channel never received the signal")
	}
}

func TestGatewayRejectsJoinOnEndedMeeting(t *testing.T) {
	srv, store := newGatewayServer(t)
	createMeeting(t, store, "m1", "alice")
	if err := store.SetStatus(context.Background(), "m1", domain.MeetingEnded); err != nil {
		t.Fatalf("set status: %v", err)
	}

	conn := dialWS(t, srv, "m1", "late")
	// The upgrade succeeds but the gateway closes immediately; the first
	// read reports the closed socket.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("gateway kept a session for an ended meeting")
	}
}
