package tasks

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

var _ conflict.Reconciler = (*Service)(nil)

// DiscardLocal drops any pending update for server.ID and adopts the
// server record.
func (s *Service) DiscardLocal(ctx context.Context, server schema.Task) error {
	server.Optimistic = false

	s.mu.Lock()
	defer s.mu.Unlock()

	key := slotKey(queue.OpUpdateTask, server.ID)
	if q := s.queued[key]; q != nil {
		if s.exec.Cancel(ctx, q.ticket.ID()) {
			delete(s.queued, key)
		}
	}
	s.ledger.Remove(ledger.KindUpdate, server.ID)

	err := s.rewriteLocked(ctx, func(coll []schema.Task) []schema.Task {
		return replaceOrAppend(coll, server)
	})
	if err == nil {
		err = s.cache.PutTask(ctx, server)
	}
	if err != nil {
		return fmt.Errorf("failed to adopt server copy of %s: %w", server.ID, err)
	}
	s.logger.Printf("Discarded local changes to %s", server.ID)
	return nil
}

// ForcePush sends task without a conflict check, queueing it when offline.
func (s *Service) ForcePush(ctx context.Context, task schema.Task) (conflict.Outcome, error) {
	return s.push(ctx, task, false)
}

// QueuePush records task locally and queues it for the next drain.
func (s *Service) QueuePush(ctx context.Context, task schema.Task) (conflict.Outcome, error) {
	return s.push(ctx, task, true)
}

func (s *Service) push(ctx context.Context, task schema.Task, forceQueue bool) (conflict.Outcome, error) {
	s.mu.Lock()
	snapshot, ok, err := s.apparentLocked(ctx, task.ID)
	s.mu.Unlock()
	if err != nil {
		return conflict.Outcome{}, fmt.Errorf("failed to read task: %w", err)
	}
	if !ok {
		snapshot = task
	}

	task.UpdatedAt = s.now()
	task.Optimistic = true
	if err := task.Validate(); err != nil {
		return conflict.Outcome{}, fmt.Errorf("invalid resolution: %w", err)
	}

	res, err := s.update(ctx, task, snapshot, forceQueue)
	if err != nil {
		return conflict.Outcome{}, err
	}
	return conflict.Outcome{Task: res.Task, Queued: res.Queued, QueueID: res.QueueID}, nil
}
