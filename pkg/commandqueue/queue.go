package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrClosed is returned for tasks enqueued on, or pending in, a closed queue
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned for queued tasks dropped by ClearLane
	ErrLaneCleared = errors.New("lane cleared")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning, and calls OnWait, when the task is still
	// queued after this long
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// LaneStats is a snapshot of one lane
type LaneStats struct {
	Queued      int
	Running     int
	Concurrency int
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue; lanes are created on first use with
// concurrency 1
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds a task to the specified lane and waits for its result
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to the specified lane and waits for its
// result. When ctx ends first a queued task is dropped; a started task is
// cancelled and waited for.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"switchboard.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls := cq.laneLocked(lane)
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(ls, lane, record)
	}

	cq.processLane(ls, lane)

	select {
	case result := <-record.result:
		if result.err != nil {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
		}
		return result.value, result.err
	case <-ctx.Done():
		if cq.dropQueued(ls, record) {
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		}
		// already started: the task sees the cancellation and its own
		// outcome is reported, so a finished task is never hidden
		result := <-record.result
		if result.err != nil {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
		}
		return result.value, result.err
	}
}

// laneLocked returns the lane, creating it; cq.mu must be held
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
		log.Debug().Str("lane", lane).Msg("Lane initialized")
	}
	return ls
}

func (cq *CommandQueue) lookup(lane string) (*laneState, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[lane]
	return ls, ok
}

// processLane starts queued tasks while the lane has capacity
func (cq *CommandQueue) processLane(ls *laneState, lane string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if err := record.ctx.Err(); err != nil {
			// caller already gave up
			record.result <- taskResult{err: err}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(ls, lane, record)
	}
}

// dropQueued removes a record that has not started and reports whether it
// was still queued
func (cq *CommandQueue) dropQueued(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (cq *CommandQueue) executeTask(ls *laneState, lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"switchboard.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(ls, lane)
}

func runTask(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) startWarnTimer(ls *laneState, lane string, record *taskRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-record.ctx.Done():
	case <-cq.ctx.Done():
	}
}

// QueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) QueueSize(lane string) int {
	ls, ok := cq.lookup(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) RunningCount(lane string) int {
	ls, ok := cq.lookup(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// Stats returns a snapshot of every lane
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
		ls.mu.Unlock()
	}
	return stats
}

// SetConcurrency updates the concurrency limit for a lane, creating it if needed
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	cq.mu.Lock()
	ls := cq.laneLocked(lane)
	cq.mu.Unlock()

	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Debug().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		cq.processLane(ls, lane)
	}
}

// RemoveLane deletes an idle lane. It reports false when the lane still has
// queued or running tasks.
func (cq *CommandQueue) RemoveLane(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return true
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if len(ls.queue) > 0 || ls.running > 0 {
		return false
	}
	delete(cq.lanes, lane)
	return true
}

// ClearLane rejects all queued tasks of a lane with ErrLaneCleared
func (cq *CommandQueue) ClearLane(lane string) int {
	ls, ok := cq.lookup(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneCleared}
	}
	ls.queue = nil

	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	observability.SetQueueSize(lane, 0)

	return count
}

// WaitForActive waits until no task is running or queued, or timeout elapses
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		for _, s := range cq.Stats() {
			if s.Running > 0 || s.Queued > 0 {
				drained = false
				break
			}
		}
		if drained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for _, ls := range cq.lanes {
		ls.mu.Lock()
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
		ls.mu.Unlock()
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
