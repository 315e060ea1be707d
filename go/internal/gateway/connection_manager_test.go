package gateway

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/publicgoods/go/internal/events"
	"github.com/mcdev12/publicgoods/go/internal/models"
	"github.com/mcdev12/publicgoods/go/internal/recorder"
	"github.com/mcdev12/publicgoods/go/internal/registry"
	"github.com/mcdev12/publicgoods/go/internal/room"
)

type testServer struct {
	srv *httptest.Server
	cm  *ConnectionManager
	reg *registry.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cm := NewConnectionManager(DefaultConnectionConfig())
	reg, err := registry.New(registry.Config{
		Policy:   room.DefaultPolicy(),
		Clock:    clockwork.NewFakeClock(),
		Notifier: cm,
		Recorder: recorder.NewMemory(),
		Rand:     rand.New(rand.NewSource(3)),
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	cm.SetDispatcher(reg)

	mux := http.NewServeMux()
	NewWebSocketHandler(cm).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cm.Shutdown()
		srv.Close()
		reg.Reset()
	})
	return &testServer{srv: srv, cm: cm, reg: reg}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testServer) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/experiment"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(typ events.CommandType, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("Marshal: %v", err)
	}
	msg := events.ClientMessage{Type: typ, Data: raw}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("WriteJSON: %v", err)
	}
}

func (c *client) sendRaw(raw string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("WriteMessage: %v", err)
	}
}

// expect reads events until one of the given type arrives.
func (c *client) expect(typ events.EventType) events.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env events.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func (c *client) join(identity string) events.JoinedPayload {
	c.t.Helper()
	c.send(events.CommandJoin, events.Join{Identity: identity, DisplayName: identity})
	var p events.JoinedPayload
	if err := json.Unmarshal(c.expect(events.EventJoined).Data, &p); err != nil {
		c.t.Fatalf("Unmarshal joined: %v", err)
	}
	return p
}

func TestJoinAndConsentOverWebsocket(t *testing.T) {
	s := newTestServer(t)

	var clients []*client
	rooms := map[string]bool{}
	for i := 0; i < room.GroupSize; i++ {
		c := s.dial(t)
		p := c.join(fmt.Sprintf("p%d@example.com", i))
		if p.PlayerNumber != i+1 {
			t.Fatalf("player number = %d, want %d", p.PlayerNumber, i+1)
		}
		rooms[p.RoomID] = true
		clients = append(clients, c)
	}
	if len(rooms) != 1 {
		t.Fatalf("players spread over %d rooms", len(rooms))
	}

	for _, c := range clients {
		c.expect(events.EventConditionAssigned)
		c.expect(events.PhaseStart(models.PhaseConsent))
	}
	for _, c := range clients {
		c.send(events.CommandSubmitConsent, events.SubmitConsent{ConsentGiven: true})
		c.expect(events.EventConsentReceived)
	}
	for _, c := range clients {
		c.expect(events.PhaseStart(models.PhaseDemographics))
	}

	stats := s.cm.GetConnectionStats()
	if stats.TotalConnections != room.GroupSize || stats.ActiveRooms != 1 || stats.Unbound != 0 {
		t.Fatalf("unexpected connection stats: %+v", stats)
	}
	if stats.OldestPongAt.IsZero() || time.Since(stats.OldestPongAt) > time.Minute {
		t.Fatalf("oldest pong not tracked: %v", stats.OldestPongAt)
	}
}

func TestBadFramesGetErrorEvents(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t)

	c.sendRaw(`{"type":"bogus"}`)
	var p events.ErrorPayload
	if err := json.Unmarshal(c.expect(events.EventError).Data, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.Code != CodeInvalidMessage {
		t.Fatalf("code = %s, want %s", p.Code, CodeInvalidMessage)
	}

	c.send(events.CommandReadyToPlay, struct{}{})
	if err := json.Unmarshal(c.expect(events.EventError).Data, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.Code != CodeNotJoined {
		t.Fatalf("code = %s, want %s", p.Code, CodeNotJoined)
	}

	c.join("solo@example.com")
	c.send(events.CommandJoin, events.Join{Identity: "solo@example.com"})
	if err := json.Unmarshal(c.expect(events.EventError).Data, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.Code != CodeAlreadyJoined {
		t.Fatalf("code = %s, want %s", p.Code, CodeAlreadyJoined)
	}
}

func TestSocketCloseDisconnectsAndRejoinResumes(t *testing.T) {
	s := newTestServer(t)

	a := s.dial(t)
	first := a.join("alice@example.com")
	b := s.dial(t)
	b.join("bob@example.com")

	_ = a.conn.Close()
	b.expect(events.EventMemberDisconnected)

	again := s.dial(t)
	again.send(events.CommandJoin, events.Join{Identity: "alice@example.com", DisplayName: "alice"})
	var p events.MemberReconnectedPayload
	if err := json.Unmarshal(again.expect(events.EventMemberReconnected).Data, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.PlayerID != first.PlayerID || p.RoomID != first.RoomID || p.PlayerNumber != first.PlayerNumber {
		t.Fatalf("resumed a different seat: %+v vs %+v", p, first)
	}
	if p.RoomPhase != models.PhaseWaiting {
		t.Fatalf("room phase = %s", p.RoomPhase)
	}
	b.expect(events.EventMemberReturnedNotification)
}

func TestUpgradeWithoutDispatcherIsRejected(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	mux := http.NewServeMux()
	NewWebSocketHandler(cm).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/experiment"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
