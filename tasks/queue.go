package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/twinj/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/pyramid/pyramid"
)

// Handler executes a single task.  Implementations must be safe for concurrent use.
type Handler interface {
	Handle(ctx context.Context, t Task) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t Task) error

// Handle calls f(ctx, t).
func (f HandlerFunc) Handle(ctx context.Context, t Task) error {
	return f(ctx, t)
}

// DryRunHandler logs each task without doing any work.
type DryRunHandler struct{}

// Handle logs the task.
func (DryRunHandler) Handle(ctx context.Context, t Task) error {
	pyramid.Infof("[dry run] %s -> %s %s\n", t, t.Dest, t.Target())
	return nil
}

// Tracker records finished tasks by name.  *progress.Tracker implements it.
type Tracker interface {
	Done(ctx context.Context, key string) (bool, error)
	MarkDone(ctx context.Context, key string) error
}

// Stats summarizes one execution of a queue.
type Stats struct {
	RunID    string
	Executed int
	Skipped  int
	Voxels   int64 // source voxels covered by executed tasks
	Elapsed  time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("run %s: %s tasks executed, %s skipped, %s voxels in %s", s.RunID,
		humanize.Comma(int64(s.Executed)), humanize.Comma(int64(s.Skipped)), humanize.Comma(s.Voxels), s.Elapsed)
}

// LocalQueue holds tasks and executes them in-process with a bounded number of workers.
// Tasks run in stage order, with tasks of one stage running in parallel.
type LocalQueue struct {
	Parallel int

	// Progress, if non-nil, is consulted to skip finished tasks and records each
	// task that succeeds.
	Progress Tracker

	mu    sync.Mutex
	tasks []Task
}

// NewLocalQueue returns a queue running up to parallel tasks at once.
func NewLocalQueue(parallel int, tracker Tracker) *LocalQueue {
	if parallel < 1 {
		parallel = 1
	}
	return &LocalQueue{Parallel: parallel, Progress: tracker}
}

// Insert adds tasks to the queue.
func (q *LocalQueue) Insert(tasks ...Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, tasks...)
	q.mu.Unlock()
}

// Len returns the number of queued tasks.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Execute runs and drains all queued tasks.  It stops at the end of the first stage
// with a failed task and returns that task's error.
func (q *LocalQueue) Execute(ctx context.Context, h Handler) (Stats, error) {
	q.mu.Lock()
	queued := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	stats := Stats{RunID: uuid.NewV4().String()}
	start := time.Now()

	stages := make(map[int][]Task)
	for _, t := range queued {
		stages[t.Stage()] = append(stages[t.Stage()], t)
	}
	order := make([]int, 0, len(stages))
	for stage := range stages {
		order = append(order, stage)
	}
	sort.Ints(order)

	parallel := q.Parallel
	if parallel < 1 {
		parallel = 1
	}
	pyramid.Infof("Run %s: executing %d tasks in %d stages with %d workers\n", stats.RunID, len(queued), len(order), parallel)

	for _, stage := range order {
		executed, skipped, voxels, err := q.runStage(ctx, h, stages[stage], parallel)
		stats.Executed += executed
		stats.Skipped += skipped
		stats.Voxels += voxels
		if err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}
	}
	stats.Elapsed = time.Since(start)
	pyramid.Infof("Finished %s\n", stats)
	return stats, nil
}

func (q *LocalQueue) runStage(ctx context.Context, h Handler, stage []Task, parallel int) (executed, skipped int, voxels int64, err error) {
	timedLog := pyramid.NewTimeLog()
	var nExecuted, nVoxels int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, t := range stage {
		if gctx.Err() != nil {
			break
		}
		if q.Progress != nil {
			done, err := q.Progress.Done(gctx, t.Name())
			if err != nil {
				err = errors.Join(err, g.Wait())
				return int(atomic.LoadInt64(&nExecuted)), skipped, atomic.LoadInt64(&nVoxels), err
			}
			if done {
				pyramid.Debugf("Skipping finished task %s\n", t.Name())
				skipped++
				continue
			}
		}
		t := t
		g.Go(func() error {
			if err := h.Handle(gctx, t); err != nil {
				return fmt.Errorf("task %s failed: %w", t.Name(), err)
			}
			if q.Progress != nil {
				if err := q.Progress.MarkDone(gctx, t.Name()); err != nil {
					return err
				}
			}
			atomic.AddInt64(&nExecuted, 1)
			atomic.AddInt64(&nVoxels, t.Bounds.Voxels())
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if len(stage) > 0 {
		first := stage[0]
		timedLog.Infof("Stage %s mip %d: %s tasks run, %d skipped, %s voxels", first.Kind, first.Mip,
			humanize.Comma(nExecuted), skipped, humanize.Comma(nVoxels))
	}
	return int(nExecuted), skipped, nVoxels, err
}
