// Package dashboard streams sync activity to WebSocket clients and listens
// on the server push channel.
//
// Server broadcasts engine events (queued, confirmed and failed mutations,
// conflicts, drains, connectivity changes) to every client connected at /ws.
// A client joining late is replayed the recent events, and /ws?task=<id>
// narrows the stream to one task.
// PushListener is the client side of the task server's push endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeEvent carries a single engine event
	MessageTypeEvent MessageType = "event"

	// MessageTypeStats carries the running sync counters
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message. Event messages carry
// the id of the task they concern.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TaskID    string          `json:"taskId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	// historySize is how many recent event messages a new client is replayed
	historySize = 50

	// clientBuffer bounds the messages waiting for one client; a client that
	// falls further behind is disconnected
	clientBuffer = historySize + 16
)

// client is one dashboard connection. A non-empty taskID limits the event
// messages it receives to that task.
type client struct {
	conn   *websocket.Conn
	taskID string
	send   chan []byte
}

func (c *client) wants(msg Message) bool {
	return c.taskID == "" || msg.TaskID == "" || msg.TaskID == c.taskID
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// clientsMu also guards history so a joining client sees every event
	// exactly once
	clients   map[*websocket.Conn]*client
	history   []Message
	clientsMu sync.RWMutex

	broadcast chan Message

	// welcome is sent to every new client; set by the Handler
	welcome   func() Message
	welcomeMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]*client),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Routes returns the server's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Start begins the HTTP server and the broadcast loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
	}

	s.Run()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Run starts only the broadcast loop, for callers serving Routes themselves.
func (s *Server) Run() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.history = nil
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues a message for all connected clients. It drops the
// message when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// SetWelcome sets the message sent to every client on connect.
func (s *Server) SetWelcome(fn func() Message) {
	s.welcomeMu.Lock()
	s.welcome = fn
	s.welcomeMu.Unlock()
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			s.fanOut(msg)
		}
	}
}

// fanOut hands msg to every interested client and keeps event messages for
// clients that join later. Clients whose buffer is full are dropped.
func (s *Server) fanOut(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return
	}

	var slow []*client
	s.clientsMu.Lock()
	if msg.Type == MessageTypeEvent {
		s.history = append(s.history, msg)
		if len(s.history) > historySize {
			s.history = s.history[len(s.history)-historySize:]
		}
	}
	for _, c := range s.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.clientsMu.Unlock()

	for _, c := range slow {
		s.logger.Printf("Dropping client watching %q: too far behind", c.taskID)
		s.removeClient(c, websocket.StatusPolicyViolation, "too slow")
	}
}

// join registers a client and queues its welcome followed by the recent
// events it is interested in.
func (s *Server) join(c *client, welcome []byte) int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	c.send <- welcome
	for _, msg := range s.history {
		if !c.wants(msg) {
			continue
		}
		if data, err := json.Marshal(msg); err == nil {
			c.send <- data
		}
	}
	s.clients[c.conn] = c
	return len(s.clients)
}

func (s *Server) welcomeMessage() []byte {
	s.welcomeMu.RLock()
	welcome := s.welcome
	s.welcomeMu.RUnlock()

	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if welcome != nil {
		msg = welcome()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal welcome: %v", err)
		data = []byte(`{"type":"stats"}`)
	}
	return data
}

// handleWebSocket serves /ws. The optional task query parameter narrows the
// event stream to one task; stats are always delivered.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		taskID: r.URL.Query().Get("task"),
		send:   make(chan []byte, clientBuffer),
	}
	total := s.join(c, s.welcomeMessage())
	s.logger.Printf("Client connected (total: %d)", total)
	defer s.removeClient(c, websocket.StatusNormalClosure, "")

	// dashboard clients only listen; CloseRead ends ctx when they leave
	ctx := conn.CloseRead(s.ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			if err := s.write(ctx, conn, data); err != nil {
				s.logger.Printf("Failed to send to client: %v", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) removeClient(c *client, code websocket.StatusCode, reason string) {
	s.clientsMu.Lock()
	if s.clients[c.conn] != c {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c.conn)
	total := len(s.clients)
	s.clientsMu.Unlock()

	_ = c.conn.Close(code, reason)
	s.logger.Printf("Client disconnected (total: %d)", total)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>tasksync dashboard</title>
</head>
<body>
    <h1>tasksync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
