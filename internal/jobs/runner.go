package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Func is a scheduled callable. ctx is cancelled on shutdown.
type Func func(ctx context.Context)

// Runner invokes callables after a delay, fire and forget. Pending and
// running jobs are tracked so Shutdown can wait for them.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logrus.FieldLogger

	mu      sync.Mutex
	pending map[*Job]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Job is a scheduled invocation
type Job struct {
	name  string
	r     *Runner
	timer *time.Timer
}

// NewRunner creates a job runner
func NewRunner(log logrus.FieldLogger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		pending: make(map[*Job]struct{}),
	}
}

// After schedules fn to run once after d. It returns nil once the runner
// is shut down.
func (r *Runner) After(d time.Duration, name string, fn Func) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.log.WithField("job", name).Warn("Job dropped, runner stopped")
		return nil
	}

	j := &Job{name: name, r: r}
	r.pending[j] = struct{}{}
	r.wg.Add(1)

	j.timer = time.AfterFunc(d, func() {
		if !r.start(j) {
			return
		}
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.log.WithField("job", name).WithField("panic", p).
					Error("Job panicked")
			}
		}()
		fn(r.ctx)
	})
	return j
}

// start moves j from pending to running. It fails when j was stopped.
func (r *Runner) start(j *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[j]; !ok {
		return false
	}
	delete(r.pending, j)
	return true
}

// Stop cancels the job if it has not started. It reports whether the job
// was cancelled.
func (j *Job) Stop() bool {
	if j == nil {
		return false
	}
	r := j.r

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[j]; !ok {
		return false
	}
	delete(r.pending, j)
	j.timer.Stop()
	r.wg.Done()
	return true
}

// Shutdown drops pending jobs, cancels running ones and waits for them
func (r *Runner) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for j := range r.pending {
		j.timer.Stop()
		delete(r.pending, j)
		r.wg.Done()
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
