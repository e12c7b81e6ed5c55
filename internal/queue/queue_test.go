package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

func TestBuildRequest(t *testing.T) {
	task := schema.Task{ID: "t-42", Title: "Ship", Status: schema.StatusTodo, Priority: schema.PriorityHigh, Optimistic: true}

	tests := []struct {
		name       string
		op         Operation
		task       schema.Task
		wantMethod string
		wantPath   string
		wantBody   bool
		wantErr    error
	}{
		{"create", OpCreateTask, task, http.MethodPost, "/api/tasks", true, nil},
		{"update", OpUpdateTask, task, http.MethodPut, "/api/tasks/t-42", true, nil},
		{"delete", OpDeleteTask, task, http.MethodDelete, "/api/tasks/t-42", false, nil},
		{"escaped id", OpUpdateTask, schema.Task{ID: "a/b"}, http.MethodPut, "/api/tasks/a%2Fb", true, nil},
		{"unknown", Operation("archive_task"), task, "", "", false, ErrUnsupportedOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := BuildRequest(tt.op, tt.task)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("BuildRequest() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildRequest() unexpected error: %v", err)
			}
			if req.Method != tt.wantMethod || req.Path != tt.wantPath {
				t.Errorf("BuildRequest() = %s %s, want %s %s", req.Method, req.Path, tt.wantMethod, tt.wantPath)
			}
			if req.Headers["Content-Type"] != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", req.Headers["Content-Type"])
			}
			if (len(req.Body) > 0) != tt.wantBody {
				t.Errorf("body present = %v, want %v", len(req.Body) > 0, tt.wantBody)
			}
		})
	}
}

func TestBuildRequest_BodyStripsClientFields(t *testing.T) {
	task := schema.Task{ID: "temp_1_test", Title: "Offline", Optimistic: true}

	req, err := BuildRequest(OpCreateTask, task)
	if err != nil {
		t.Fatalf("BuildRequest() failed: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if _, ok := body["_isOptimistic"]; ok {
		t.Errorf("body carries _isOptimistic: %s", req.Body)
	}
	if body["id"] != "" {
		t.Errorf("create body id = %v, want temporary id stripped", body["id"])
	}
	if got := req.Headers[IdempotencyHeader]; got != "temp_1_test" {
		t.Errorf("%s = %q, want the temporary id", IdempotencyHeader, got)
	}

	upd, err := BuildRequest(OpUpdateTask, schema.Task{ID: "t-1", Title: "x"})
	if err != nil {
		t.Fatalf("BuildRequest() failed: %v", err)
	}
	if _, ok := upd.Headers[IdempotencyHeader]; ok {
		t.Errorf("update carries %s", IdempotencyHeader)
	}
}

func TestPriority(t *testing.T) {
	tests := []struct {
		op   Operation
		want int
	}{
		{OpDeleteTask, 9},
		{OpUpdateTask, 7},
		{OpCreateTask, 5},
		{Operation("other"), 3},
	}
	for _, tt := range tests {
		if got := Priority(tt.op); got != tt.want {
			t.Errorf("Priority(%s) = %d, want %d", tt.op, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	original := schema.Task{ID: "t-1", Title: "before", Tags: []string{"x"}}
	d, err := New(OpUpdateTask, schema.Task{ID: "t-1", Title: "after"}, &original)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if d.Priority != PriorityUpdate || d.TaskID != "t-1" {
		t.Errorf("New() = %+v", d)
	}
	if d.Key() != "update_task:t-1" {
		t.Errorf("Key() = %q", d.Key())
	}

	original.Tags[0] = "mutated"
	if d.Original.Tags[0] != "x" {
		t.Errorf("New() did not snapshot the original")
	}

	got, err := d.Task()
	if err != nil {
		t.Fatalf("Task() failed: %v", err)
	}
	if got.Title != "after" || got.ID != "t-1" {
		t.Errorf("Task() = %+v", got)
	}
}

func TestDeferred_TaskForDelete(t *testing.T) {
	d, err := New(OpDeleteTask, schema.Task{ID: "t-9"}, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	got, err := d.Task()
	if err != nil || got.ID != "t-9" {
		t.Errorf("Task() = %+v, %v", got, err)
	}
}

func TestReadRequest(t *testing.T) {
	req := ReadRequest(TaskPath("t-1"))
	if req.Method != http.MethodGet || req.Path != "/api/tasks/t-1" {
		t.Errorf("ReadRequest() = %+v", req)
	}
}
