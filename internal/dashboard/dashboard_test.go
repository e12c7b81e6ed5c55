package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/tasksync/internal/events"
)

var quiet = log.New(io.Discard, "", 0)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Logger: quiet})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	return dialPath(t, ctx, server, "/ws")
}

func dialPath(t *testing.T, ctx context.Context, server *Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+path, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", server.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quiet})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if strings.HasSuffix(server.Addr(), ":0") {
		t.Errorf("Addr() = %q, want the bound port", server.Addr())
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body.Status != "ok" || body.Clients != 0 {
		t.Errorf("health = %+v", body)
	}
}

func TestHandler_BroadcastsEvents(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, true, quiet)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clients := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server)}
	for _, conn := range clients {
		if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
			t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeStats)
		}
	}
	waitClients(t, server, 2)

	h.OnEvent(events.Event{Type: events.MutationQueued, TaskID: "temp_1", Operation: "create", Timestamp: time.Now()})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeEvent {
			t.Fatalf("client %d: type = %s, want %s", i, msg.Type, MessageTypeEvent)
		}
		var e events.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			t.Fatalf("client %d: bad event payload: %v", i, err)
		}
		if e.Type != events.MutationQueued || e.TaskID != "temp_1" {
			t.Errorf("client %d: event = %+v", i, e)
		}

		msg = readMessage(t, ctx, conn)
		var stats StatsData
		if err := json.Unmarshal(msg.Data, &stats); err != nil {
			t.Fatalf("client %d: bad stats payload: %v", i, err)
		}
		if msg.Type != MessageTypeStats || stats.Queued != 1 || !stats.Online {
			t.Errorf("client %d: stats = %+v", i, stats)
		}
	}
}

func TestServer_ReplaysRecentEvents(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, true, quiet)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first := dial(t, ctx, server)
	readMessage(t, ctx, first)
	waitClients(t, server, 1)

	h.OnEvent(events.Event{Type: events.MutationConfirmed, TaskID: "t-1", Timestamp: time.Now()})
	// wait for the fan-out before the late client joins
	if msg := readMessage(t, ctx, first); msg.Type != MessageTypeEvent || msg.TaskID != "t-1" {
		t.Fatalf("live message = %+v", msg)
	}

	late := dial(t, ctx, server)
	welcome := readMessage(t, ctx, late)
	if welcome.Type != MessageTypeStats {
		t.Fatalf("welcome type = %s", welcome.Type)
	}
	var stats StatsData
	if err := json.Unmarshal(welcome.Data, &stats); err != nil || stats.Confirmed != 1 {
		t.Errorf("welcome stats = %+v, %v", stats, err)
	}
	if msg := readMessage(t, ctx, late); msg.Type != MessageTypeEvent || msg.TaskID != "t-1" {
		t.Errorf("replayed message = %+v, want the t-1 event", msg)
	}
}

func TestServer_TaskFilter(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, true, quiet)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialPath(t, ctx, server, "/ws?task=t-2")
	readMessage(t, ctx, conn)
	waitClients(t, server, 1)

	h.OnEvent(events.Event{Type: events.MutationQueued, TaskID: "t-1", Timestamp: time.Now()})
	h.OnEvent(events.Event{Type: events.MutationQueued, TaskID: "t-2", Timestamp: time.Now()})

	// stats follow every event; only the t-2 event gets through
	var got []Message
	for len(got) < 3 {
		got = append(got, readMessage(t, ctx, conn))
	}
	want := []MessageType{MessageTypeStats, MessageTypeEvent, MessageTypeStats}
	for i, msg := range got {
		if msg.Type != want[i] {
			t.Fatalf("message %d type = %s, want %s", i, msg.Type, want[i])
		}
		if msg.Type == MessageTypeEvent && msg.TaskID != "t-2" {
			t.Errorf("filtered client got event for %s", msg.TaskID)
		}
	}
}

func TestServer_DropsSlowClient(t *testing.T) {
	ps := newPushServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, _, err := websocket.Dial(ctx, ps.url(), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer peer.CloseNow()
	conn := <-ps.conns

	server := NewServer(&Config{Logger: quiet})
	c := &client{conn: conn, send: make(chan []byte, 1)}
	c.send <- []byte("{}")
	server.clients[conn] = c

	closed := make(chan error, 1)
	go func() {
		_, _, err := peer.Read(ctx)
		closed <- err
	}()

	server.fanOut(Message{Type: MessageTypeStats})
	if server.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want slow client dropped", server.ClientCount())
	}
	if err := <-closed; websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("peer close = %v, want %v", err, websocket.StatusPolicyViolation)
	}
}

func TestHandler_Stats(t *testing.T) {
	server := NewServer(&Config{Logger: quiet})
	h := NewHandler(server, false, quiet)

	now := time.Now()
	for _, e := range []events.Event{
		{Type: events.MutationQueued},
		{Type: events.MutationQueued},
		{Type: events.MutationConfirmed},
		{Type: events.MutationFailed},
		{Type: events.ConflictDetected},
		{Type: events.ConflictResolved},
		{Type: events.ConnectivityChanged, Data: true},
		{Type: events.SyncCompleted, Timestamp: now},
	} {
		h.OnEvent(e)
	}

	got := h.GetStats()
	if got.Queued != 2 || got.Confirmed != 1 || got.Failed != 1 || got.Conflicts != 1 ||
		got.Resolved != 1 || got.Syncs != 1 || !got.Online {
		t.Errorf("GetStats() = %+v", got)
	}
	if got.LastSync == nil || !got.LastSync.Equal(now) {
		t.Errorf("LastSync = %v, want %v", got.LastSync, now)
	}

	h.OnEvent(events.Event{Type: events.CacheCleared})
	if got := h.GetStats(); got.Queued != 0 || got.Syncs != 0 || !got.Online {
		t.Errorf("GetStats() after clear = %+v", got)
	}
}

func TestHandler_Run(t *testing.T) {
	server := NewServer(&Config{Logger: quiet})
	h := NewHandler(server, false, quiet)
	bus := events.NewBus(quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	bus.Publish(events.Event{Type: events.MutationConfirmed})

	for h.GetStats().Confirmed != 1 {
		if time.Now().After(deadline) {
			t.Fatal("event not handled")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

// pushServer accepts push connections and hands them to the test.
type pushServer struct {
	*httptest.Server
	conns   chan *websocket.Conn
	accepts atomic.Int32
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{conns: make(chan *websocket.Conn, 4)}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ps.accepts.Add(1)
		ps.conns <- conn
		// hold the connection until the test closes it
		_, _, _ = conn.Read(context.Background())
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.URL, "http")
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
}

func TestPushListener_CallsOnTasksUpdated(t *testing.T) {
	ps := newPushServer(t)
	p := NewPushListener(ps.url(), quiet)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan struct{}, 4)
	errc := make(chan error, 1)
	go func() { errc <- p.Listen(ctx, func() { updates <- struct{}{} }) }()

	var conn *websocket.Conn
	select {
	case conn = <-ps.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never connected")
	}

	send(t, conn, `{"type":"heartbeat"}`)
	send(t, conn, `not json`)
	send(t, conn, `{"type":"tasksUpdated"}`)

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("onUpdate not called")
	}
	select {
	case <-updates:
		t.Fatal("onUpdate called for a non-update message")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	if err := <-errc; err != context.Canceled {
		t.Errorf("Listen() = %v, want context.Canceled", err)
	}
}

func TestPushListener_Reconnects(t *testing.T) {
	ps := newPushServer(t)
	p := NewPushListener(ps.url(), quiet)
	p.ReconnectInitial = time.Millisecond
	p.ReconnectMax = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan struct{}, 4)
	go func() { _ = p.Listen(ctx, func() { updates <- struct{}{} }) }()

	first := <-ps.conns
	first.Close(websocket.StatusGoingAway, "restart")

	var second *websocket.Conn
	select {
	case second = <-ps.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not reconnect")
	}
	send(t, second, `{"type":"tasksUpdated"}`)

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("onUpdate not called after reconnect")
	}
	if n := ps.accepts.Load(); n != 2 {
		t.Errorf("accepts = %d, want 2", n)
	}
}

func TestPushListener_RetriesFailedDial(t *testing.T) {
	p := NewPushListener("ws://127.0.0.1:1/push", quiet)
	p.ReconnectInitial = time.Millisecond
	p.ReconnectMax = 2 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Listen(ctx, func() {}); err != context.DeadlineExceeded {
		t.Errorf("Listen() = %v, want context.DeadlineExceeded", err)
	}
}
