// Package syncer replays queued offline actions against the warehouse API.
//
// A drain walks pending actions strictly in submission order, one remote
// call chain at a time. Business and network failures mark the single
// action failed and the drain moves on; an expired session puts the
// current action back to pending and stops the drain. A drain holds the
// database drain lock, so separate processes sharing one queue never
// replay it at the same time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wmsync/internal/metrics"
	"wmsync/internal/queue"
	"wmsync/internal/remote"

	"go.uber.org/zap"
)

// API is the remote surface the engine replays actions against
type API interface {
	SubmitScan(ctx context.Context, idempotencyKey, taskID, lineID, barcode string, quantity int) error
	ConfirmQuantity(ctx context.Context, idempotencyKey, lineID string, quantity int) error
	CompleteTask(ctx context.Context, idempotencyKey, taskID, reason string) error
	GetTask(ctx context.Context, taskID string) (*remote.Task, error)
}

// Queue is the part of the queue manager the engine drives
type Queue interface {
	ListPending() ([]*queue.Action, error)
	MarkSyncing(id string) error
	MarkDone(id string) error
	MarkFailed(id, reason string) error
	ReturnToPending(id string) error
	RecoverInterrupted() (int, error)
}

// Locker is the cross-process drain lock of the queue database
type Locker interface {
	TryLock() (bool, error)
	Unlock() error
}

// Session reports whether a usable session exists
type Session interface {
	HasSession() bool
	Expired(now time.Time) bool
}

// Engine drains the action queue. Drain is non-reentrant.
type Engine struct {
	queue   Queue
	api     API
	session Session
	lock    Locker
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time

	running sync.Mutex
}

// NewEngine creates a sync engine. A nil lock limits drain exclusion to
// this process.
func NewEngine(q Queue, api API, session Session, lock Locker, collector *metrics.Collector, logger *zap.Logger) *Engine {
	return &Engine{
		queue:   q,
		api:     api,
		session: session,
		lock:    lock,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
}

// Drain replays every pending action once. A call made while another
// drain is running, here or in another process, returns immediately with
// OutcomeBusy.
func (e *Engine) Drain(ctx context.Context) Result {
	release, result, ok := e.acquire()
	if !ok {
		return result
	}
	defer release()

	start := e.now()
	result = e.drain(ctx)
	e.metrics.ObserveDrain(string(result.Outcome), e.now().Sub(start))

	e.logger.Info("Drain finished",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("recovered", result.Recovered),
		zap.Int("attempted", result.Attempted),
		zap.Int("done", result.Done),
		zap.Int("failed", result.Failed),
		zap.Int("requeued", result.Requeued),
		zap.Duration("duration", e.now().Sub(start)),
	)
	return result
}

// Recover returns actions stranded in syncing by a crashed drain to
// pending. It does nothing while a drain is running anywhere, since that
// drain owns the syncing rows and recovers leftovers itself.
func (e *Engine) Recover() (int, error) {
	release, result, ok := e.acquire()
	if !ok {
		return 0, result.Err
	}
	defer release()

	return e.queue.RecoverInterrupted()
}

// acquire takes the in-process and the database drain locks. When it
// fails, the returned result says why.
func (e *Engine) acquire() (func(), Result, bool) {
	if !e.running.TryLock() {
		e.logger.Debug("Drain already running, trigger coalesced")
		return nil, Result{Outcome: OutcomeBusy}, false
	}
	if e.lock == nil {
		return e.running.Unlock, Result{}, true
	}

	held, err := e.lock.TryLock()
	if err != nil {
		e.running.Unlock()
		return nil, Result{Outcome: OutcomeStorageError, Err: err}, false
	}
	if !held {
		e.running.Unlock()
		e.logger.Debug("Drain running in another process, trigger coalesced")
		return nil, Result{Outcome: OutcomeBusy}, false
	}

	return func() {
		if err := e.lock.Unlock(); err != nil {
			e.logger.Error("Failed to release drain lock", zap.Error(err))
		}
		e.running.Unlock()
	}, Result{}, true
}

func (e *Engine) drain(ctx context.Context) Result {
	var result Result

	if e.session != nil && (!e.session.HasSession() || e.session.Expired(e.now())) {
		result.Outcome = OutcomeNeedsReauth
		return result
	}

	// holding the drain lock, so every syncing row is a leftover
	recovered, err := e.queue.RecoverInterrupted()
	if err != nil {
		result.Outcome = OutcomeStorageError
		result.Err = fmt.Errorf("failed to recover interrupted actions: %w", err)
		return result
	}
	result.Recovered = recovered

	tracker := e.metrics.GetProgressTracker()
	defer tracker.Finish()

	attempted := make(map[string]bool)
	started := false

	// re-list after each pass so actions enqueued mid-drain are included
	for {
		pending, err := e.queue.ListPending()
		if err != nil {
			result.Outcome = OutcomeStorageError
			result.Err = fmt.Errorf("failed to list pending actions: %w", err)
			return result
		}

		batch := pending[:0]
		for _, action := range pending {
			if !attempted[action.ID] {
				batch = append(batch, action)
			}
		}
		if len(batch) == 0 {
			break
		}
		if !started {
			tracker.Start(len(batch))
			started = true
		} else {
			tracker.AddTotal(len(batch))
		}

		for _, action := range batch {
			if err := ctx.Err(); err != nil {
				result.Outcome = OutcomeInterrupted
				result.Err = err
				return result
			}

			attempted[action.ID] = true
			stop := e.syncOne(ctx, action, &result)
			if stop {
				return result
			}
		}
	}

	switch {
	case result.Attempted == 0:
		result.Outcome = OutcomeEmpty
	case result.Failed > 0:
		result.Outcome = OutcomePartiallyFailed
	default:
		result.Outcome = OutcomeSucceeded
	}
	return result
}

// syncOne replays a single action and records its outcome. It returns true
// when the drain must stop.
func (e *Engine) syncOne(ctx context.Context, action *queue.Action, result *Result) bool {
	logger := e.logger.With(
		zap.String("action_id", action.ID),
		zap.String("kind", string(action.Kind)),
	)
	tracker := e.metrics.GetProgressTracker()

	if err := e.queue.MarkSyncing(action.ID); err != nil {
		if errors.Is(err, queue.ErrIllegalTransition) {
			// status changed since listing; leave it to its new owner
			logger.Warn("Skipping action that is no longer pending", zap.Error(err))
			return false
		}
		result.Outcome = OutcomeStorageError
		result.Err = fmt.Errorf("failed to mark action %s syncing: %w", action.ID, err)
		return true
	}

	result.Attempted++
	tracker.Begin(action.ID)
	start := e.now()
	err := e.execute(ctx, action)
	e.metrics.ObserveAction(e.now().Sub(start))

	switch {
	case err == nil:
		if markErr := e.queue.MarkDone(action.ID); markErr != nil {
			return e.storageFault(result, action, markErr)
		}
		result.Done++
		tracker.AddDone()
		e.metrics.IncAction(string(action.Kind), "done")
		logger.Info("Action synced")
		return false

	case remote.IsAuthExpired(err):
		if markErr := e.queue.ReturnToPending(action.ID); markErr != nil {
			return e.storageFault(result, action, markErr)
		}
		result.Requeued++
		tracker.AddRequeued()
		e.metrics.IncAction(string(action.Kind), "requeued")
		result.Outcome = OutcomeNeedsReauth
		result.Err = err
		logger.Warn("Session expired during drain, stopping")
		return true

	case ctx.Err() != nil:
		// shutdown mid-call: the outcome is unknown, retry later with the same token
		if markErr := e.queue.ReturnToPending(action.ID); markErr != nil {
			return e.storageFault(result, action, markErr)
		}
		result.Requeued++
		tracker.AddRequeued()
		e.metrics.IncAction(string(action.Kind), "requeued")
		result.Outcome = OutcomeInterrupted
		result.Err = ctx.Err()
		return true

	default:
		reason := failureReason(err)
		if markErr := e.queue.MarkFailed(action.ID, reason); markErr != nil {
			return e.storageFault(result, action, markErr)
		}
		result.Failed++
		result.Failures = append(result.Failures, Failure{
			ActionID: action.ID,
			Kind:     string(action.Kind),
			Reason:   reason,
		})
		tracker.AddFailed()
		e.metrics.IncAction(string(action.Kind), "failed")
		logger.Warn("Action failed", zap.String("reason", reason), zap.Bool("transient", remote.IsTransient(err)))
		return false
	}
}

func (e *Engine) storageFault(result *Result, action *queue.Action, err error) bool {
	// the row stays in syncing and is recovered by the next drain
	result.Outcome = OutcomeStorageError
	result.Err = fmt.Errorf("failed to record outcome of action %s: %w", action.ID, err)
	e.logger.Error("Failed to record action outcome",
		zap.String("action_id", action.ID),
		zap.Error(err),
	)
	return true
}

func failureReason(err error) string {
	var be *remote.BusinessError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}
