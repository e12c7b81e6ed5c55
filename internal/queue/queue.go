// Package queue builds the request descriptors and priorities for deferred
// task mutations.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Operation names a deferred mutation.
type Operation string

const (
	OpCreateTask Operation = "create_task"
	OpUpdateTask Operation = "update_task"
	OpDeleteTask Operation = "delete_task"
)

// TasksPath is the collection endpoint of the task API.
const TasksPath = "/api/tasks"

// IdempotencyHeader carries the client id of a create so that a replayed POST
// whose response was lost is not applied twice.
const IdempotencyHeader = "Idempotency-Key"

// Request priorities. Higher values drain first.
const (
	PriorityDelete  = 9
	PriorityUpdate  = 7
	PriorityCreate  = 5
	PriorityDefault = 3
)

// ErrUnsupportedOperation is returned for operations the builder does not know.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// Request describes an HTTP call independently of any client.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Deferred is a request held for replay once connectivity returns.
type Deferred struct {
	ID         string       `json:"id"`
	Operation  Operation    `json:"operation"`
	TaskID     string       `json:"taskId"`
	Request    Request      `json:"request"`
	Priority   int          `json:"priority"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	Attempts   int          `json:"attempts"`
	Original   *schema.Task `json:"original,omitempty"` // rollback snapshot
}

// TaskPath returns the item endpoint for id.
func TaskPath(id string) string {
	return TasksPath + "/" + url.PathEscape(id)
}

// BuildRequest maps a mutation onto the task REST API.
func BuildRequest(op Operation, task schema.Task) (Request, error) {
	var method, path string
	withBody := true

	switch op {
	case OpCreateTask:
		method, path = http.MethodPost, TasksPath
	case OpUpdateTask:
		method, path = http.MethodPut, TaskPath(task.ID)
	case OpDeleteTask:
		method, path = http.MethodDelete, TaskPath(task.ID)
		withBody = false
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnsupportedOperation, op)
	}

	req := Request{
		Method:  method,
		Path:    path,
		Headers: map[string]string{"Content-Type": "application/json"},
	}
	if op == OpCreateTask && task.ID != "" {
		req.Headers[IdempotencyHeader] = task.ID
	}
	if withBody {
		body := task.Clone()
		body.Optimistic = false
		if op == OpCreateTask && schema.IsTemporaryID(body.ID) {
			// the server assigns the real id
			body.ID = ""
		}
		data, err := json.Marshal(body)
		if err != nil {
			return Request{}, fmt.Errorf("failed to marshal task body: %w", err)
		}
		req.Body = data
	}
	return req, nil
}

// ReadRequest describes a GET against path.
func ReadRequest(path string) Request {
	return Request{
		Method:  http.MethodGet,
		Path:    path,
		Headers: map[string]string{"Accept": "application/json"},
	}
}

// Priority returns the drain priority for op.
func Priority(op Operation) int {
	switch op {
	case OpDeleteTask:
		return PriorityDelete
	case OpUpdateTask:
		return PriorityUpdate
	case OpCreateTask:
		return PriorityCreate
	default:
		return PriorityDefault
	}
}

// New builds a Deferred for op. id and enqueuedAt are assigned by the executor
// when left empty.
func New(op Operation, task schema.Task, original *schema.Task) (*Deferred, error) {
	req, err := BuildRequest(op, task)
	if err != nil {
		return nil, err
	}
	d := &Deferred{
		Operation: op,
		TaskID:    task.ID,
		Request:   req,
		Priority:  Priority(op),
	}
	if original != nil {
		snap := original.Clone()
		d.Original = &snap
	}
	return d, nil
}

// Key identifies the (operation, task) pair; the queue holds at most one
// deferred request per key.
func (d *Deferred) Key() string {
	return string(d.Operation) + ":" + d.TaskID
}

// Task decodes the request body. Delete requests have no body and return
// a record with only the id set.
func (d *Deferred) Task() (schema.Task, error) {
	if len(d.Request.Body) == 0 {
		return schema.Task{ID: d.TaskID}, nil
	}
	var t schema.Task
	if err := json.Unmarshal(d.Request.Body, &t); err != nil {
		return schema.Task{}, fmt.Errorf("failed to decode deferred body: %w", err)
	}
	if t.ID == "" {
		t.ID = d.TaskID
	}
	return t, nil
}
