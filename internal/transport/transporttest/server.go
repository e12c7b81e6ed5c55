// Package transporttest provides an in-process task server and a switchable
// network for exercising executors without real sockets.
package transporttest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// TaskServer is a minimal implementation of the task REST API.
//
// Every write bumps the record version; ids are assigned as "t-<n>". A
// create repeating an Idempotency-Key returns the record made the first time.
type TaskServer struct {
	mu     sync.Mutex
	tasks  map[string]schema.Task
	order  []string
	keys   map[string]string
	nextID int
	calls  map[string]int
	fail   []int
	now    func() time.Time
	mux    *http.ServeMux
}

// NewTaskServer returns an empty server.
func NewTaskServer() *TaskServer {
	s := &TaskServer{
		tasks: make(map[string]schema.Task),
		keys:  make(map[string]string),
		calls: make(map[string]int),
		now:   time.Now,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.mux.HandleFunc("GET /api/tasks", s.list)
	s.mux.HandleFunc("POST /api/tasks", s.create)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.get)
	s.mux.HandleFunc("PUT /api/tasks/{id}", s.update)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.remove)
	return s
}

// ServeHTTP implements http.Handler.
func (s *TaskServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls[r.Method]++
	var status int
	if len(s.fail) > 0 && r.URL.Path != "/health" {
		status, s.fail = s.fail[0], s.fail[1:]
	}
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// Seed stores task as-is, as if another client had written it.
func (s *TaskServer) Seed(task schema.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
}

// Task returns the stored record.
func (s *TaskServer) Task(id string) (schema.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t.Clone(), ok
}

// Tasks returns all records in creation order.
func (s *TaskServer) Tasks() []schema.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Calls returns how many requests used method.
func (s *TaskServer) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// FailNext makes the next API requests answer with the given statuses.
func (s *TaskServer) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = append(s.fail, statuses...)
}

func (s *TaskServer) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Tasks())
}

func (s *TaskServer) get(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Task(r.PathValue("id"))
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *TaskServer) create(w http.ResponseWriter, r *http.Request) {
	var t schema.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if t.Title == "" {
		http.Error(w, "title is required", http.StatusUnprocessableEntity)
		return
	}

	key := r.Header.Get(queue.IdempotencyHeader)

	s.mu.Lock()
	if id, ok := s.keys[key]; ok && key != "" {
		existing, found := s.tasks[id]
		s.mu.Unlock()
		if !found {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, existing)
		return
	}
	s.nextID++
	now := s.now()
	t.ID = fmt.Sprintf("t-%d", s.nextID)
	if key != "" {
		s.keys[key] = t.ID
	}
	t.Version = 1
	t.Optimistic = false
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, t)
}

func (s *TaskServer) update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var t schema.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	cur, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	t.ID = id
	t.Version = max(cur.Version+1, t.Version)
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = s.now()
	t.Optimistic = false
	s.tasks[id] = t
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, t)
}

func (s *TaskServer) remove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		s.order = slices.DeleteFunc(s.order, func(x string) bool { return x == id })
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrConnRefused is the dial error returned while a Network is down.
var ErrConnRefused = errors.New("connection refused")

// Network is an http.RoundTripper that serves requests in-process from a
// handler and fails dials while switched off.
type Network struct {
	mu      sync.Mutex
	handler http.Handler
	down    bool
	slow    time.Duration
	lose    map[string]int
}

// NewNetwork returns an online network serving h.
func NewNetwork(h http.Handler) *Network {
	return &Network{handler: h}
}

// SetOnline switches connectivity.
func (n *Network) SetOnline(online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = !online
}

// SetLatency delays every exchange by d.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.slow = d
}

// LoseResponses makes the next n requests with method reach the handler and
// then time out, as if the reply was lost on the way back.
func (n *Network) LoseResponses(method string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lose == nil {
		n.lose = make(map[string]int)
	}
	n.lose[method] += count
}

type lostResponse struct{}

func (lostResponse) Error() string   { return "response lost: i/o timeout" }
func (lostResponse) Timeout() bool   { return true }
func (lostResponse) Temporary() bool { return true }

// Client returns an http.Client using this network.
func (n *Network) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: n, Timeout: timeout}
}

// RoundTrip implements http.RoundTripper.
func (n *Network) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	down, slow := n.down, n.slow
	lost := !down && n.lose[req.Method] > 0
	if lost {
		n.lose[req.Method]--
	}
	n.mu.Unlock()

	if down {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: ErrConnRefused}
	}
	if slow > 0 {
		select {
		case <-time.After(slow):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, req)
	if lost {
		return nil, &net.OpError{Op: "read", Net: "tcp", Err: lostResponse{}}
	}
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}
