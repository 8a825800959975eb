package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type fakeVerifier struct {
	verify func(ctx context.Context, token string) (Identity, error)
}

func (f *fakeVerifier) VerifyCredential(ctx context.Context, token string) (Identity, error) {
	return f.verify(ctx, token)
}

func testGateway(t *testing.T, members MembershipOracle) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(members)
	verifier := &fakeVerifier{verify: func(_ context.Context, token string) (Identity, error) {
		if !strings.HasPrefix(token, "valid-") {
			return Identity{}, errors.New("bad token")
		}
		return Identity{UserID: strings.TrimPrefix(token, "valid-"), Name: "Tester"}, nil
	}}
	srv := httptest.NewServer(NewGateway(hub, verifier, ""))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev Event
	if err := wsjson.Read(ctx, ws, &ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return ev
}

func sendCommand(t *testing.T, ws *websocket.Conn, cmd Command) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, cmd); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	_, srv := testGateway(t, allowAll())
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	_, srv := testGateway(t, allowAll())
	resp, err := http.Get(srv.URL + "?token=garbage")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestJoinAckAndBroadcast(t *testing.T) {
	hub, srv := testGateway(t, allowAll())
	ws := dial(t, srv, "valid-user-1")
	defer ws.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ws, Command{Type: CommandJoinProject, ProjectID: "proj-1"})
	ack := readEvent(t, ws)
	if ack.Type != EventJoined || ack.ProjectID != "proj-1" {
		t.Fatalf("expected joined ack for proj-1, got %+v", ack)
	}

	hub.Publish("proj-1", TaskCreated("proj-1", map[string]string{"id": "task-1", "title": "Ship it"}))
	ev := readEvent(t, ws)
	if ev.Type != EventTaskCreated || ev.ProjectID != "proj-1" {
		t.Fatalf("expected task_created, got %+v", ev)
	}
}

func TestJoinRejectedForNonMember(t *testing.T) {
	members := &fakeMembers{isMember: func(_ context.Context, projectID, _ string) (bool, error) {
		return projectID == "mine", nil
	}}
	_, srv := testGateway(t, members)
	ws := dial(t, srv, "valid-user-1")
	defer ws.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ws, Command{Type: CommandJoinProject, ProjectID: "theirs"})
	ev := readEvent(t, ws)
	if ev.Type != EventJoinRejected || ev.ProjectID != "theirs" {
		t.Fatalf("expected join-rejected, got %+v", ev)
	}
	if ev.Message != "access removed" {
		t.Fatalf("expected access removed message, got %q", ev.Message)
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	hub, srv := testGateway(t, allowAll())
	ws := dial(t, srv, "valid-user-1")
	defer ws.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ws, Command{Type: CommandJoinProject, ProjectID: "proj-1"})
	if ack := readEvent(t, ws); ack.Type != EventJoined {
		t.Fatalf("expected joined ack, got %+v", ack)
	}

	sendCommand(t, ws, Command{Type: CommandLeaveProject, ProjectID: "proj-1"})
	waitFor(t, func() bool { return hub.RoomSize("proj-1") == 0 })

	hub.Publish("proj-1", TaskUpdated("proj-1", map[string]string{"id": "task-1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var ev Event
	if err := wsjson.Read(ctx, ws, &ev); err == nil {
		t.Fatalf("expected no delivery after leave, got %+v", ev)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	_, srv := testGateway(t, allowAll())
	ws := dial(t, srv, "valid-user-1")
	defer ws.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ws, Command{Type: "subscribe-everything"})
	ev := readEvent(t, ws)
	if ev.Type != EventError {
		t.Fatalf("expected error frame, got %+v", ev)
	}
}

func TestDisconnectCleansUpRooms(t *testing.T) {
	hub, srv := testGateway(t, allowAll())
	ws := dial(t, srv, "valid-user-1")

	sendCommand(t, ws, Command{Type: CommandJoinProject, ProjectID: "proj-1"})
	if ack := readEvent(t, ws); ack.Type != EventJoined {
		t.Fatalf("expected joined ack, got %+v", ack)
	}
	if hub.RoomSize("proj-1") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.RoomSize("proj-1"))
	}

	ws.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.RoomCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
