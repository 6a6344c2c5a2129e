// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane start in FIFO order, at most Concurrency at a time.
//   - Tasks in different lanes may execute concurrently.
//   - A caller whose context ends while its task is still queued gets the
//     context error and the task never runs. A task that already started
//     keeps its lane slot until it returns, and its caller gets the task's
//     own result.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "conversation:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
