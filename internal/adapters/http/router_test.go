package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Meet/internal/adapters"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/roster"
	"github.com/dkeye/Meet/internal/signal"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := roster.NewMemoryStore()
	channel := signal.NewMemoryChannel()
	gw := adapters.NewGateway(store, channel, time.Minute)

	cfg := &config.Config{
		Mode:       "release",
		Secret:     "test-secret",
		PingPeriod: time.Minute,
	}
	r := SetupRouter(context.Background(), cfg, store, gw)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCreateMeetingIssuesJoinToken(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.Client(), srv.URL+"/api/meetings", map[string]any{"displayName": "Alice"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201, got %d", resp.StatusCode)
	}
	var created createMeetingResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.MeetingID == "" || created.Token == "" {
		t.Fatalf("incomplete response: %+v", created)
	}

	claims, err := parseJoinToken("test-secret", created.Token)
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if claims.MeetingID != created.MeetingID {
		t.Fatalf("token bound to wrong meeting: %s", claims.MeetingID)
	}
}

func TestCreateMeetingRequiresDisplayName(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.Client(), srv.URL+"/api/meetings", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestMeetingInfoNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/api/meetings/no-such-id")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func TestJoinUnknownMeeting(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.Client(), srv.URL+"/api/meetings/no-such-id/join", map[string]any{"displayName": "Bob"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func TestWSRequiresValidToken(t *testing.T) {
	srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/meetings/some-id?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("garbage token accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 handshake refusal, got %+v", resp)
	}
}

func TestWSTokenMeetingMismatch(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.Client(), srv.URL+"/api/meetings", map[string]any{"displayName": "Alice"})
	var created createMeetingResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/meetings/other-meeting?token=" + created.Token
	_, wsResp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("token for a different meeting accepted")
	}
	if wsResp == nil || wsResp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403 handshake refusal, got %+v", wsResp)
	}
}

func TestWSConnectAndReceiveRoster(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.Client(), srv.URL+"/api/meetings", map[string]any{"displayName": "Alice"})
	var created createMeetingResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/meetings/" + created.MeetingID + "?token=" + created.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var frame adapters.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type == "roster" {
			if len(frame.Roster.Participants) != 1 {
				t.Fatalf("roster missing the joiner: %+v", frame.Roster)
			}
			return
		}
	}
}
