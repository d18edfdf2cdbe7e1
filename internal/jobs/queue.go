package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/heic2png/internal/common"
)

// cancelDrainTimeout bounds how long Shutdown waits for workers once their
// context is cancelled. It covers a worker's final registry write.
const cancelDrainTimeout = 15 * time.Second

var (
	ErrQueueNotStarted = errors.New("queue not started")
	ErrQueueClosed     = errors.New("queue is shut down")
)

// WorkItem identifies one uploaded file awaiting conversion and a cleanup func for the temp upload.
type WorkItem struct {
	JobID     string
	InputPath string
	Cleanup   func() error
}

// Processor defines how to process a WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Queue is an in-memory FIFO with a fixed worker pool. The backlog is
// unbounded: Enqueue never blocks and never drops work while the queue runs.
type Queue struct {
	log     *slog.Logger
	workers int

	mu      sync.Mutex
	backlog []WorkItem
	notify  chan struct{}
	started bool
	closed  bool

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	cancelOnce sync.Once
}

// NewQueue creates a new Queue with the given worker count.
func NewQueue(logger *slog.Logger, workers int) *Queue {
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		workers: workers,
		notify:  make(chan struct{}, 1),
	}
}

// Start launches worker goroutines that consume WorkItems and process them using the provided Processor.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	if q.closed {
		return ErrQueueClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

// Enqueue appends a WorkItem to the backlog.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if !q.started {
		return ErrQueueNotStarted
	}
	q.backlog = append(q.backlog, item)
	q.signal()
	return nil
}

// Len returns the number of items waiting for a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// signal wakes one idle worker; callers hold q.mu.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next pops the oldest item. closed is true once Shutdown has begun.
func (q *Queue) next() (item WorkItem, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return WorkItem{}, false, true
	}
	if len(q.backlog) == 0 {
		return WorkItem{}, false, false
	}
	item = q.backlog[0]
	q.backlog[0] = WorkItem{}
	q.backlog = q.backlog[1:]
	if len(q.backlog) > 0 {
		// more work: pass the wake-up on to another worker
		q.signal()
	}
	return item, true, false
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		item, ok, closed := q.next()
		if closed {
			log.Debug("queue closed, worker exiting")
			return
		}
		if !ok {
			select {
			case <-ctx.Done():
				log.Debug("worker stopping due to context cancellation")
				return
			case <-q.notify:
			}
			continue
		}
		q.run(ctx, log, p, item)
	}
}

func (q *Queue) run(ctx context.Context, log *slog.Logger, p Processor, item WorkItem) {
	jobLog := log.With("job_id", item.JobID)
	jobLog.Info("processing job")
	start := time.Now()
	defer func() {
		// Ensure cleanup is attempted regardless of outcome.
		if item.Cleanup != nil {
			if err := item.Cleanup(); err != nil {
				jobLog.Warn("cleanup failed", "err", err)
			}
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			jobLog.Error("job processing panicked", "err", fmt.Sprint(rec), "duration", time.Since(start))
		}
	}()
	if err := p.Process(ctx, item); err != nil {
		jobLog.Error("job processing failed", "err", err, "duration", time.Since(start))
		return
	}
	jobLog.Info("job processed", "duration", time.Since(start))
}

// Shutdown stops accepting work and waits for workers to finish their current
// items up to the provided deadline; after that, in-flight conversions see a
// cancelled context and Shutdown waits up to cancelDrainTimeout for them to
// return. It returns the items that were never dispatched, and the caller owns
// those items, including their Cleanup.
func (q *Queue) Shutdown(deadline time.Duration) []WorkItem {
	var leftover []WorkItem
	q.cancelOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		leftover = q.backlog
		q.backlog = nil
		// wake every idle worker; signal() is never called once closed is set
		close(q.notify)
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		defer func() {
			if q.cancel != nil {
				q.cancel()
			}
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; cancelling running conversions")
		}

		// cancelled workers still record a terminal state; wait for them
		// so the caller can close shared resources afterwards
		if q.cancel != nil {
			q.cancel()
		}
		drain := time.NewTimer(cancelDrainTimeout)
		defer drain.Stop()
		select {
		case <-done:
		case <-drain.C:
			q.log.Warn("workers still running after cancellation", "waited", cancelDrainTimeout)
		}
	})
	return leftover
}
