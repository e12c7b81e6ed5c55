package tasks

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/events"
	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/transport"
	"github.com/mschirtzinger/tasksync/internal/transport/transporttest"
)

var quiet = log.New(io.Discard, "", 0)

type harness struct {
	srv   *transporttest.TaskServer
	net   *transporttest.Network
	st    *store.Memory
	exec  *transport.HTTPExecutor
	cache *cache.Cache
	bus   *events.Bus
	svc   *Service
}

func setup(t *testing.T) *harness {
	t.Helper()
	srv := transporttest.NewTaskServer()
	h := &harness{srv: srv, net: transporttest.NewNetwork(srv), st: store.NewMemory()}
	h.start(t)
	return h
}

// start builds an executor and service over the harness storage, as a
// fresh process would.
func (h *harness) start(t *testing.T) {
	t.Helper()
	cfg := transport.DefaultConfig()
	cfg.BaseURL = "http://tasks.test"
	cfg.Client = h.net.Client(time.Second)
	cfg.Storage = h.st
	cfg.MaxAttempts = 2
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	cfg.Logger = quiet

	exec, err := transport.NewHTTP(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewHTTP() failed: %v", err)
	}
	h.exec = exec
	h.cache = cache.New(h.st)
	h.bus = events.NewBus(quiet)

	svc, err := New(Config{
		Cache:    h.cache,
		Ledger:   ledger.New(),
		Executor: exec,
		Bus:      h.bus,
		IDs:      &schema.SequentialIDs{},
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	h.svc = svc
	t.Cleanup(svc.Close)
}

// drain brings the network back and replays the queue.
func (h *harness) drain(t *testing.T) transport.DrainReport {
	t.Helper()
	h.net.SetOnline(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := h.exec.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if err := h.svc.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	return report
}

func (h *harness) cached(t *testing.T) []schema.Task {
	t.Helper()
	coll, _, err := h.cache.Tasks(context.Background())
	if err != nil {
		t.Fatalf("Tasks() failed: %v", err)
	}
	return coll
}

func seedTask(id string, version int64, title string) schema.Task {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return schema.Task{
		ID:        id,
		Version:   version,
		Title:     title,
		Status:    schema.StatusTodo,
		Priority:  schema.PriorityMedium,
		Tags:      []string{},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func ptr[T any](v T) *T { return &v }

func TestCreateTask_Online(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	res, err := h.svc.CreateTask(ctx, schema.Task{Title: "Write docs"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if !res.Success || res.Queued {
		t.Fatalf("CreateTask() = %+v, want confirmed", res)
	}
	if res.Task.ID != "t-1" || res.Task.Optimistic || res.Task.Version != 1 {
		t.Errorf("confirmed task = %+v", res.Task)
	}

	coll := h.cached(t)
	if len(coll) != 1 || coll[0].ID != "t-1" || coll[0].Optimistic {
		t.Errorf("cached collection = %+v", coll)
	}
	if got := h.svc.ResolveID("temp_1_test"); got != "t-1" {
		t.Errorf("ResolveID(temp) = %q, want t-1", got)
	}
	if _, ok, _ := h.cache.Task(ctx, "temp_1_test"); ok {
		t.Errorf("temporary record still cached")
	}
}

func TestCreateTask_Invalid(t *testing.T) {
	h := setup(t)

	if _, err := h.svc.CreateTask(context.Background(), schema.Task{}); err == nil {
		t.Fatal("CreateTask() without title succeeded")
	}
	if coll := h.cached(t); len(coll) != 0 {
		t.Errorf("invalid create left %d cached record(s)", len(coll))
	}
}

func TestCreateTask_OfflineThenReplay(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.net.SetOnline(false)

	res, err := h.svc.CreateTask(ctx, schema.Task{Title: "Offline idea"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if !res.Queued || res.QueueID == "" {
		t.Fatalf("CreateTask() = %+v, want queued", res)
	}
	if !schema.IsTemporaryID(res.Task.ID) || !res.Task.Optimistic {
		t.Errorf("queued task = %+v, want optimistic temporary record", res.Task)
	}

	list, err := h.svc.GetTasks(ctx)
	if err != nil {
		t.Fatalf("GetTasks() offline failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != res.Task.ID {
		t.Fatalf("GetTasks() offline = %+v", list)
	}

	report := h.drain(t)
	if report.Succeeded != 1 || report.Remaining != 0 {
		t.Errorf("drain report = %+v", report)
	}

	list, err = h.svc.GetTasks(ctx)
	if err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "t-1" || list[0].Optimistic {
		t.Errorf("GetTasks() after replay = %+v", list)
	}
	if n := h.exec.QueueStatus().Count; n != 0 {
		t.Errorf("queue count = %d, want 0", n)
	}
	got, err := h.svc.GetTask(ctx, res.Task.ID)
	if err != nil || got.ID != "t-1" {
		t.Errorf("GetTask(temp id) = %+v, %v", got, err)
	}
}

func TestUpdateTask_FoldsIntoQueuedCreate(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.net.SetOnline(false)

	created, err := h.svc.CreateTask(ctx, schema.Task{Title: "Draft"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	res, err := h.svc.UpdateTask(ctx, created.Task.ID, schema.TaskPatch{Title: ptr("Final")})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if !res.Queued || res.Task.Title != "Final" {
		t.Errorf("UpdateTask() = %+v", res)
	}
	if n := h.exec.QueueStatus().Count; n != 1 {
		t.Fatalf("queue count = %d, want a single create", n)
	}

	h.drain(t)
	if h.srv.Calls(http.MethodPost) != 1 || h.srv.Calls(http.MethodPut) != 0 {
		t.Errorf("server calls: POST=%d PUT=%d", h.srv.Calls(http.MethodPost), h.srv.Calls(http.MethodPut))
	}
	if srvTask, ok := h.srv.Task("t-1"); !ok || srvTask.Title != "Final" {
		t.Errorf("server record = %+v", srvTask)
	}
}

func TestUpdateTask_Online(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-1", 1, "Ship"))
	if _, err := h.svc.GetTasks(ctx); err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}

	res, err := h.svc.UpdateTask(ctx, "t-1", schema.TaskPatch{Status: ptr(schema.StatusInProgress)})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if !res.Success || res.Queued || res.Task.Version != 2 || res.Task.Optimistic {
		t.Errorf("UpdateTask() = %+v", res)
	}
	if err := res.Err(); err != nil {
		t.Errorf("Result.Err() = %v on success", err)
	}
	if got, _, _ := h.cache.Task(ctx, "t-1"); got.Status != schema.StatusInProgress {
		t.Errorf("cached record = %+v", got)
	}
}

func TestUpdateTask_UncachedServerRecord(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-5", 1, "Ship"))

	res, err := h.svc.UpdateTask(ctx, "t-5", schema.TaskPatch{Title: ptr("Ship it")})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if !res.Success || res.Task.Title != "Ship it" {
		t.Errorf("UpdateTask() = %+v", res)
	}
	if got, _ := h.srv.Task("t-5"); got.Title != "Ship it" {
		t.Errorf("server record = %+v", got)
	}
	coll := h.cached(t)
	if len(coll) != 1 || coll[0].Title != "Ship it" {
		t.Errorf("cached collection = %+v", coll)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	h := setup(t)

	_, err := h.svc.UpdateTask(context.Background(), "t-404", schema.TaskPatch{Title: ptr("x")})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("UpdateTask(unknown) error = %v, want ErrTaskNotFound", err)
	}
	if !errors.Is(err, transport.ErrNotFound) {
		t.Errorf("ErrTaskNotFound does not wrap transport.ErrNotFound")
	}
}

func TestUpdateTask_RejectsHighSeverityConflict(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-1", 1, "Ship"))
	if _, err := h.svc.GetTasks(ctx); err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}
	before := h.cached(t)

	theirs := seedTask("t-1", 3, "Ship")
	theirs.Status = schema.StatusDone
	h.srv.Seed(theirs)

	res, err := h.svc.UpdateTask(ctx, "t-1", schema.TaskPatch{Priority: ptr(schema.PriorityUrgent)})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if res.Success || res.Conflict == nil {
		t.Fatalf("UpdateTask() = %+v, want rejected conflict", res)
	}
	if res.Conflict.Severity != conflict.SeverityHigh || res.Conflict.LocalVersion != 1 || res.Conflict.ServerVersion != 3 {
		t.Errorf("conflict = %+v", res.Conflict)
	}
	var ce *conflict.ConflictError
	if err := res.Err(); !errors.As(err, &ce) || ce.Conflict != res.Conflict {
		t.Errorf("Result.Err() = %v, want *conflict.ConflictError", err)
	}
	if diff := cmp.Diff(before, h.cached(t)); diff != "" {
		t.Errorf("cache changed by rejected update (-before +after):\n%s", diff)
	}
	if h.srv.Calls(http.MethodPut) != 0 {
		t.Errorf("rejected update reached the server")
	}
	if _, ok := h.svc.Registry().Get(res.Conflict.ID); !ok {
		t.Errorf("conflict not registered")
	}
}

func TestUpdateTask_OnlineFailureRollsBack(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-1", 1, "Ship"))
	if _, err := h.svc.GetTasks(ctx); err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}
	before := h.cached(t)

	// conflict check passes, the write is refused
	h.srv.FailNext(0, http.StatusBadRequest)
	_, err := h.svc.UpdateTask(ctx, "t-1", schema.TaskPatch{Title: ptr("Ship it")})
	if !errors.Is(err, transport.ErrValidation) {
		t.Fatalf("UpdateTask() error = %v, want ErrValidation", err)
	}
	if diff := cmp.Diff(before, h.cached(t)); diff != "" {
		t.Errorf("rollback incomplete (-before +after):\n%s", diff)
	}
}

func TestUpdateTask_QueuedFailureRollsBackToFirstSnapshot(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-1", 1, "Ship"))
	if _, err := h.svc.GetTasks(ctx); err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}
	before := h.cached(t)
	failed, cancel := h.bus.Subscribe(16)
	defer cancel()

	h.net.SetOnline(false)
	for _, title := range []string{"Ship v2", "Ship v3"} {
		res, err := h.svc.UpdateTask(ctx, "t-1", schema.TaskPatch{Title: ptr(title)})
		if err != nil || !res.Queued {
			t.Fatalf("UpdateTask(%s) = %+v, %v", title, res, err)
		}
	}
	if n := h.exec.QueueStatus().Count; n != 1 {
		t.Fatalf("queue count = %d, want one update per task", n)
	}
	if got := h.cached(t)[0].Title; got != "Ship v3" {
		t.Errorf("optimistic title = %q", got)
	}

	h.srv.FailNext(http.StatusBadRequest)
	if report := h.drain(t); report.Failed != 1 {
		t.Fatalf("drain report = %+v, want one failure", report)
	}

	if diff := cmp.Diff(before, h.cached(t)); diff != "" {
		t.Errorf("rollback did not restore the pre-mutation snapshot (-before +after):\n%s", diff)
	}
	for {
		select {
		case e := <-failed:
			if e.Type == events.MutationFailed {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no mutation_failed event")
		}
	}
}

func TestDeleteTask_OfflineThenReplay(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-1", 1, "One"))
	h.srv.Seed(seedTask("t-2", 1, "Two"))
	if _, err := h.svc.GetTasks(ctx); err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}

	h.net.SetOnline(false)
	res, err := h.svc.DeleteTask(ctx, "t-1")
	if err != nil || !res.Queued {
		t.Fatalf("DeleteTask() = %+v, %v", res, err)
	}
	list, _ := h.svc.GetTasks(ctx)
	if len(list) != 1 || list[0].ID != "t-2" {
		t.Errorf("GetTasks() after delete = %+v", list)
	}
	if _, err := h.svc.GetTask(ctx, "t-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask(deleted) error = %v", err)
	}

	h.drain(t)
	if _, ok := h.srv.Task("t-1"); ok {
		t.Errorf("server still has t-1")
	}
	if coll := h.cached(t); len(coll) != 1 {
		t.Errorf("cached collection = %+v", coll)
	}
}

func TestDeleteTask_FailureRestoresPosition(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		h.srv.Seed(seedTask(id, 1, id))
	}
	if _, err := h.svc.GetTasks(ctx); err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}
	before := h.cached(t)

	h.srv.FailNext(http.StatusForbidden)
	if _, err := h.svc.DeleteTask(ctx, "t-2"); err == nil {
		t.Fatal("DeleteTask() succeeded against a refusing server")
	}
	if diff := cmp.Diff(before, h.cached(t)); diff != "" {
		t.Errorf("rollback incomplete (-before +after):\n%s", diff)
	}
}

func TestDeleteTask_MissingOnServerCountsAsDone(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-1", 1, "One"))
	if _, err := h.svc.GetTasks(ctx); err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}

	h.srv.FailNext(http.StatusNotFound)
	res, err := h.svc.DeleteTask(ctx, "t-1")
	if err != nil || !res.Success {
		t.Fatalf("DeleteTask() = %+v, %v", res, err)
	}
	if coll := h.cached(t); len(coll) != 0 {
		t.Errorf("cached collection = %+v", coll)
	}
}

func TestDeleteTask_UncachedServerRecord(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-5", 1, "Ship"))

	res, err := h.svc.DeleteTask(ctx, "t-5")
	if err != nil || !res.Success {
		t.Fatalf("DeleteTask() = %+v, %v", res, err)
	}
	if _, ok := h.srv.Task("t-5"); ok {
		t.Errorf("record still on server")
	}
	if coll := h.cached(t); len(coll) != 0 {
		t.Errorf("cached collection = %+v", coll)
	}
}

func TestDeleteTask_CancelsQueuedCreate(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.net.SetOnline(false)

	created, err := h.svc.CreateTask(ctx, schema.Task{Title: "Never mind"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	res, err := h.svc.DeleteTask(ctx, created.Task.ID)
	if err != nil || !res.Success || res.Queued {
		t.Fatalf("DeleteTask() = %+v, %v", res, err)
	}
	if n := h.exec.QueueStatus().Count; n != 0 {
		t.Errorf("queue count = %d, want 0", n)
	}
	if coll := h.cached(t); len(coll) != 0 {
		t.Errorf("cached collection = %+v", coll)
	}

	h.drain(t)
	if h.srv.Calls(http.MethodPost) != 0 {
		t.Errorf("cancelled create reached the server")
	}
}

func TestRecover_ReplaysAfterRestart(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.net.SetOnline(false)

	created, err := h.svc.CreateTask(ctx, schema.Task{Title: "Survives restart"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	h.svc.Close()

	h.start(t)
	n, err := h.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover() = %d, want 1", n)
	}

	h.drain(t)
	if got := h.svc.ResolveID(created.Task.ID); got != "t-1" {
		t.Errorf("ResolveID() after recovery = %q", got)
	}
	coll := h.cached(t)
	if len(coll) != 1 || coll[0].ID != "t-1" || coll[0].Optimistic {
		t.Errorf("cached collection = %+v", coll)
	}
}

func TestDiscardLocal(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-1", 1, "Ship"))
	if _, err := h.svc.GetTasks(ctx); err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}

	h.net.SetOnline(false)
	if _, err := h.svc.UpdateTask(ctx, "t-1", schema.TaskPatch{Title: ptr("mine")}); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	server := seedTask("t-1", 4, "theirs")
	if err := h.svc.DiscardLocal(ctx, server); err != nil {
		t.Fatalf("DiscardLocal() failed: %v", err)
	}
	if n := h.exec.QueueStatus().Count; n != 0 {
		t.Errorf("queue count = %d, want 0", n)
	}
	if got := h.cached(t)[0]; got.Title != "theirs" || got.Version != 4 {
		t.Errorf("cached record = %+v", got)
	}
}

func TestQueuePush(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.Seed(seedTask("t-1", 1, "Ship"))
	if _, err := h.svc.GetTasks(ctx); err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}

	merged := seedTask("t-1", 2, "Merged")
	out, err := h.svc.QueuePush(ctx, merged)
	if err != nil {
		t.Fatalf("QueuePush() failed: %v", err)
	}
	if !out.Queued || out.QueueID == "" {
		t.Errorf("QueuePush() = %+v, want queued", out)
	}

	h.drain(t)
	if srvTask, _ := h.srv.Task("t-1"); srvTask.Title != "Merged" {
		t.Errorf("server record = %+v", srvTask)
	}
}

func TestGetTaskStats(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	done := seedTask("t-1", 1, "done")
	done.Status = schema.StatusDone
	late := seedTask("t-2", 1, "late")
	late.Priority = schema.PriorityHigh
	late.DueDate = ptr(time.Now().Add(-48 * time.Hour))
	h.srv.Seed(done)
	h.srv.Seed(late)
	h.srv.Seed(seedTask("t-3", 1, "open"))

	st, err := h.svc.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats() failed: %v", err)
	}
	if st.Total != 3 || st.Completed != 1 || st.Overdue != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByStatus[schema.StatusTodo] != 2 || st.ByPriority[schema.PriorityHigh] != 1 {
		t.Errorf("breakdown = %v / %v", st.ByStatus, st.ByPriority)
	}

	var cached Stats
	if ok, err := h.cache.Read(ctx, cache.KeyStats, &cached); err != nil || !ok {
		t.Errorf("stats not cached: %v", err)
	}
}

func TestRecentActivities(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	if _, err := h.svc.CreateTask(ctx, schema.Task{Title: "one"}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	acts, err := h.svc.GetRecentActivities(ctx, 0)
	if err != nil {
		t.Fatalf("GetRecentActivities() failed: %v", err)
	}
	if len(acts) != 1 || acts[0].Kind != ActivityCreated || acts[0].Outcome != OutcomeConfirmed || acts[0].TaskID != "t-1" {
		t.Errorf("activities = %+v", acts)
	}

	for i := 0; i < MaxActivities+5; i++ {
		h.svc.recordActivity(ctx, ActivityUpdated, schema.Task{ID: "t-1"}, OutcomeQueued)
	}
	acts, _ = h.svc.GetRecentActivities(ctx, 0)
	if len(acts) != MaxActivities {
		t.Errorf("activity log length = %d, want %d", len(acts), MaxActivities)
	}
	if acts, _ = h.svc.GetRecentActivities(ctx, 3); len(acts) != 3 {
		t.Errorf("GetRecentActivities(3) returned %d", len(acts))
	}
}
