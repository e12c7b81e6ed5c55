package tasks

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mschirtzinger/tasksync/internal/events"
	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// mutation is one local change on its way to the server.
type mutation struct {
	op       queue.Operation
	task     schema.Task  // optimistic record (only the id matters for deletes)
	seq      uint64       // ledger sequence of the pending change
	original *schema.Task // rollback snapshot; nil for creates
	index    int          // position of the record before the change, -1 if unknown
	queue    bool         // skip the immediate attempt
}

func (m mutation) kind() ledger.Kind {
	switch m.op {
	case queue.OpCreateTask:
		return ledger.KindCreate
	case queue.OpUpdateTask:
		return ledger.KindUpdate
	default:
		return ledger.KindDelete
	}
}

func slotKey(op queue.Operation, id string) string {
	return string(op) + ":" + id
}

// CreateTask records draft optimistically under a temporary id and sends
// it to the server, or queues it when offline.
func (s *Service) CreateTask(ctx context.Context, draft schema.Task) (*Result, error) {
	now := s.now()
	task := draft.Clone()
	task.ID = s.ids.NewTempID()
	task.Version = 0
	task.CreatedAt = now
	task.UpdatedAt = now
	task.SetDefaults(now)
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}
	task.Optimistic = true

	s.mu.Lock()
	seq := s.ledger.Add(ledger.Create{Task: task})
	err := s.rewriteLocked(ctx, nil)
	if err == nil {
		err = s.cache.PutTask(ctx, task)
	}
	if err != nil {
		s.ledger.RemoveIf(ledger.KindCreate, task.ID, seq)
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to record create: %w", err)
	}
	s.mu.Unlock()

	return s.submit(ctx, mutation{op: queue.OpCreateTask, task: task, seq: seq, index: -1})
}

// UpdateTask applies patch to the apparent record. When online the server
// copy is checked first; a conflict the policy rejects is returned in the
// Result and leaves local state untouched.
func (s *Service) UpdateTask(ctx context.Context, id string, patch schema.TaskPatch) (*Result, error) {
	id = s.ResolveID(id)
	if err := s.repairMiss(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}

	s.mu.Lock()
	snapshot, ok, err := s.apparentLocked(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	intended := patch.Apply(snapshot)
	intended.UpdatedAt = s.now()
	intended.Optimistic = true
	if err := intended.Validate(); err != nil {
		return nil, fmt.Errorf("invalid update: %w", err)
	}

	if schema.IsTemporaryID(id) {
		return s.foldIntoCreate(ctx, intended)
	}

	if s.exec.IsOnline() {
		if c := s.detector.Detect(ctx, intended); c != nil {
			if s.policy.ShouldReject(c) {
				s.registry.Put(c)
				s.publish(events.ConflictDetected, queue.OpUpdateTask, id, string(c.Severity), c)
				s.recordActivity(ctx, ActivityUpdated, snapshot, OutcomeConflict)
				return &Result{Success: false, Task: snapshot, Conflict: c}, nil
			}
			s.logger.Printf("Overwriting %s severity conflict on %s (last writer wins)", c.Severity, id)
		}
	}

	return s.update(ctx, intended, snapshot, false)
}

// update records intended as a pending update and submits it.
func (s *Service) update(ctx context.Context, intended, snapshot schema.Task, forceQueue bool) (*Result, error) {
	id := intended.ID
	original := snapshot.Clone()

	s.mu.Lock()
	if q := s.queued[slotKey(queue.OpUpdateTask, id)]; q != nil {
		// superseded: the new request inherits the pre-mutation snapshot
		if s.exec.Cancel(ctx, q.ticket.ID()) && q.original != nil {
			original = q.original.Clone()
		}
	}
	index := s.indexLocked(ctx, id)

	seq := s.ledger.Add(ledger.Update{Task: intended})
	err := s.rewriteLocked(ctx, nil)
	if err == nil {
		err = s.cache.PutTask(ctx, intended)
	}
	s.mu.Unlock()
	if err != nil {
		s.fail(ctx, mutation{op: queue.OpUpdateTask, task: intended, seq: seq, original: &original, index: index}, err)
		return nil, fmt.Errorf("failed to record update: %w", err)
	}

	return s.submit(ctx, mutation{
		op:       queue.OpUpdateTask,
		task:     intended,
		seq:      seq,
		original: &original,
		index:    index,
		queue:    forceQueue,
	})
}

// foldIntoCreate rewrites the still-queued create of a temporary record
// instead of queueing an update against an id the server never saw.
func (s *Service) foldIntoCreate(ctx context.Context, intended schema.Task) (*Result, error) {
	id := intended.ID

	s.mu.Lock()
	q := s.queued[slotKey(queue.OpCreateTask, id)]
	if q == nil || !s.exec.Cancel(ctx, q.ticket.ID()) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrTaskSyncing)
	}
	delete(s.queued, slotKey(queue.OpCreateTask, id))

	seq := s.ledger.Add(ledger.Create{Task: intended})
	err := s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
		return replaceOrAppend(coll, intended)
	})
	if err == nil {
		err = s.cache.PutTask(ctx, intended)
	}
	s.mu.Unlock()
	if err != nil {
		s.fail(ctx, mutation{op: queue.OpCreateTask, task: intended, seq: seq, index: -1}, err)
		return nil, fmt.Errorf("failed to record update: %w", err)
	}

	return s.submit(ctx, mutation{op: queue.OpCreateTask, task: intended, seq: seq, index: -1})
}

// DeleteTask removes the record optimistically. Deleting a record whose
// create is still queued cancels the create without contacting the server.
func (s *Service) DeleteTask(ctx context.Context, id string) (*Result, error) {
	id = s.ResolveID(id)
	if err := s.repairMiss(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}

	s.mu.Lock()
	snapshot, ok, err := s.apparentLocked(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if schema.IsTemporaryID(id) {
		res, err := s.cancelCreateLocked(ctx, snapshot)
		s.mu.Unlock()
		if err == nil {
			s.recordActivity(ctx, ActivityDeleted, snapshot, OutcomeConfirmed)
			s.publish(events.MutationConfirmed, queue.OpDeleteTask, id, "cancelled before sync", nil)
		}
		return res, err
	}

	original := snapshot.Clone()
	original.Optimistic = false
	for _, op := range []queue.Operation{queue.OpUpdateTask, queue.OpDeleteTask} {
		key := slotKey(op, id)
		if q := s.queued[key]; q != nil && s.exec.Cancel(ctx, q.ticket.ID()) {
			if q.original != nil {
				original = q.original.Clone()
			}
			delete(s.queued, key)
		}
	}
	s.ledger.Remove(ledger.KindUpdate, id)
	index := s.indexLocked(ctx, id)

	seq := s.ledger.Add(ledger.Delete{ID: id})
	err = s.rewriteLocked(ctx, nil)
	if err == nil {
		err = s.cache.RemoveTask(ctx, id)
	}
	s.mu.Unlock()
	m := mutation{op: queue.OpDeleteTask, task: schema.Task{ID: id}, seq: seq, original: &original, index: index}
	if err != nil {
		s.fail(ctx, m, err)
		return nil, fmt.Errorf("failed to record delete: %w", err)
	}

	return s.submit(ctx, m)
}

func (s *Service) cancelCreateLocked(ctx context.Context, snapshot schema.Task) (*Result, error) {
	id := snapshot.ID
	key := slotKey(queue.OpCreateTask, id)
	if q := s.queued[key]; q != nil {
		if !s.exec.Cancel(ctx, q.ticket.ID()) {
			return nil, fmt.Errorf("%s: %w", id, ErrTaskSyncing)
		}
		delete(s.queued, key)
	}

	s.ledger.Remove(ledger.KindCreate, id)
	s.ledger.Remove(ledger.KindUpdate, id)
	err := s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
		return without(coll, id)
	})
	if err == nil {
		err = s.cache.RemoveTask(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to remove local task: %w", err)
	}
	s.logger.Printf("Cancelled unsynced create of %s", id)
	return &Result{Success: true, Task: snapshot}, nil
}

func (s *Service) indexLocked(ctx context.Context, id string) int {
	coll, _, err := s.cache.Tasks(ctx)
	if err != nil {
		return -1
	}
	return schema.IndexOf(coll, id)
}

// submit sends m now when online, queueing it when offline or when the
// attempt finds the server unreachable.
func (s *Service) submit(ctx context.Context, m mutation) (*Result, error) {
	if !m.queue && s.exec.IsOnline() {
		req, err := queue.BuildRequest(m.op, m.task)
		if err != nil {
			s.fail(ctx, m, err)
			return nil, err
		}

		resp, err := s.exec.Fetch(ctx, req, transport.Meta{
			Context:  string(m.op),
			Priority: queue.Priority(m.op),
		})
		switch {
		case err == nil, m.op == queue.OpDeleteTask && errors.Is(err, transport.ErrNotFound):
			confirmed, cerr := s.confirm(ctx, m, resp)
			if cerr != nil {
				return nil, cerr
			}
			s.recordActivity(ctx, activityFor(m.op), confirmed, OutcomeConfirmed)
			s.publish(events.MutationConfirmed, m.op, confirmed.ID, "", confirmed)
			return &Result{Success: true, Task: confirmed}, nil

		case transport.IsOffline(err):
			s.logger.Printf("Server unreachable, queueing %s %s", m.op, m.task.ID)

		default:
			s.fail(ctx, m, err)
			s.recordActivity(ctx, activityFor(m.op), m.task, OutcomeFailed)
			return nil, fmt.Errorf("failed to %s %s: %w", m.op, m.task.ID, err)
		}
	}

	return s.enqueue(ctx, m)
}

func (s *Service) enqueue(ctx context.Context, m mutation) (*Result, error) {
	d, err := queue.New(m.op, m.task, m.original)
	if err != nil {
		s.fail(ctx, m, err)
		return nil, err
	}
	ticket, err := s.exec.Enqueue(ctx, d)
	if err != nil {
		s.fail(ctx, m, err)
		return nil, fmt.Errorf("failed to queue %s %s: %w", m.op, m.task.ID, err)
	}

	s.mu.Lock()
	s.track(m.op, m.task.ID, ticket, m.seq, m.original)
	s.mu.Unlock()

	s.recordActivity(ctx, activityFor(m.op), m.task, OutcomeQueued)
	s.publish(events.MutationQueued, m.op, m.task.ID, ticket.ID(), nil)
	return &Result{Success: true, Task: m.task, Queued: true, QueueID: ticket.ID()}, nil
}

// track registers a queued request and starts its settle goroutine.
// Callers hold s.mu.
func (s *Service) track(op queue.Operation, taskID string, ticket *transport.Ticket, seq uint64, original *schema.Task) {
	q := &queuedReq{ticket: ticket, seq: seq, original: original, settled: make(chan struct{})}
	s.queued[slotKey(op, taskID)] = q
	s.wg.Add(1)
	go s.settle(q, op, taskID)
}

// settle waits for a queued request and applies its outcome.
func (s *Service) settle(q *queuedReq, op queue.Operation, taskID string) {
	defer s.wg.Done()
	defer close(q.settled)
	defer func() {
		s.mu.Lock()
		key := slotKey(op, taskID)
		if cur, ok := s.queued[key]; ok && cur == q {
			delete(s.queued, key)
		}
		s.mu.Unlock()
	}()

	ticket, seq, original := q.ticket, q.seq, q.original
	select {
	case <-ticket.Done():
	case <-s.stop:
		return
	}
	resp, err := ticket.Result()
	if errors.Is(err, transport.ErrCancelled) {
		return
	}

	ctx := context.Background()
	d := ticket.Deferred()
	task, derr := d.Task()
	if derr != nil {
		task = schema.Task{ID: taskID}
	}
	task.ID = taskID
	m := mutation{op: op, task: task, seq: seq, original: original, index: -1}

	if err == nil || (op == queue.OpDeleteTask && errors.Is(err, transport.ErrNotFound)) {
		confirmed, cerr := s.confirm(ctx, m, resp)
		if cerr != nil {
			s.logger.Printf("Warning: failed to apply confirmed %s %s: %v", op, taskID, cerr)
			return
		}
		s.recordActivity(ctx, activityFor(op), confirmed, OutcomeConfirmed)
		s.publish(events.MutationConfirmed, op, confirmed.ID, taskID, confirmed)
		return
	}

	s.fail(ctx, m, err)
	s.recordActivity(ctx, activityFor(op), task, OutcomeFailed)
	s.publish(events.MutationFailed, op, taskID, err.Error(), nil)
}

// confirm replaces the optimistic state of m with the server record.
func (s *Service) confirm(ctx context.Context, m mutation, resp *transport.Response) (schema.Task, error) {
	var server schema.Task
	if m.op != queue.OpDeleteTask {
		if resp == nil {
			return schema.Task{}, fmt.Errorf("confirmed %s %s without a response body", m.op, m.task.ID)
		}
		if err := resp.Decode(&server); err != nil {
			return schema.Task{}, fmt.Errorf("failed to decode confirmed %s: %w", m.task.ID, err)
		}
		server.Optimistic = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch m.op {
	case queue.OpCreateTask:
		tempID := m.task.ID
		s.ledger.RemoveIf(ledger.KindCreate, tempID, m.seq)
		s.idMap[tempID] = server.ID
		err = s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
			if schema.IndexOf(coll, tempID) < 0 {
				return replaceOrAppend(coll, server)
			}
			// a refresh may already have mirrored the server record
			coll = without(coll, server.ID)
			coll[schema.IndexOf(coll, tempID)] = server
			return coll
		})
		if err == nil {
			err = s.cache.RemoveTask(ctx, tempID)
		}
		if err == nil {
			err = s.cache.PutTask(ctx, server)
		}

	case queue.OpUpdateTask:
		s.ledger.RemoveIf(ledger.KindUpdate, m.task.ID, m.seq)
		err = s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
			return replaceOrAppend(coll, server)
		})
		if err == nil {
			err = s.cache.PutTask(ctx, server)
		}

	case queue.OpDeleteTask:
		server = m.task
		s.ledger.RemoveIf(ledger.KindDelete, m.task.ID, m.seq)
		err = s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
			return without(coll, m.task.ID)
		})
		if err == nil {
			err = s.cache.RemoveTask(ctx, m.task.ID)
		}
	}
	if err != nil {
		return schema.Task{}, fmt.Errorf("failed to cache confirmed %s: %w", m.task.ID, err)
	}
	return server, nil
}

// fail removes the pending change of m and rolls the cache back to the
// pre-mutation snapshot. A newer change for the same key is left alone.
func (s *Service) fail(ctx context.Context, m mutation, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ledger.RemoveIf(m.kind(), m.task.ID, m.seq) {
		s.logger.Printf("Not rolling back %s %s: superseded by a newer change (%v)", m.op, m.task.ID, cause)
		return
	}

	var err error
	switch m.op {
	case queue.OpCreateTask:
		err = s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
			return without(coll, m.task.ID)
		})
		if err == nil {
			err = s.cache.RemoveTask(ctx, m.task.ID)
		}

	case queue.OpUpdateTask:
		if m.original == nil {
			break
		}
		orig := m.original.Clone()
		err = s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
			if i := schema.IndexOf(coll, orig.ID); i >= 0 {
				coll[i] = orig
			}
			return coll
		})
		if err == nil {
			err = s.cache.PutTask(ctx, orig)
		}

	case queue.OpDeleteTask:
		if m.original == nil {
			break
		}
		orig := m.original.Clone()
		err = s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
			if schema.IndexOf(coll, orig.ID) >= 0 {
				return coll
			}
			if m.index >= 0 && m.index <= len(coll) {
				return slices.Insert(coll, m.index, orig)
			}
			return append(coll, orig)
		})
		if err == nil {
			err = s.cache.PutTask(ctx, orig)
		}
	}

	if err != nil {
		s.logger.Printf("Warning: rollback of %s %s incomplete: %v", m.op, m.task.ID, err)
		return
	}
	s.logger.Printf("Rolled back %s %s: %v", m.op, m.task.ID, cause)
}

// replaceOrAppend replaces the record with t's id or appends t.
func replaceOrAppend(coll []schema.Task, t schema.Task) []schema.Task {
	if i := schema.IndexOf(coll, t.ID); i >= 0 {
		coll[i] = t
		return coll
	}
	return append(coll, t)
}

func without(coll []schema.Task, id string) []schema.Task {
	return slices.DeleteFunc(coll, func(t schema.Task) bool { return t.ID == id })
}
