/*
Package scheduler implements the remote task scheduler: an adaptive
worker pool that runs blocking callables (remote calls to a host's
management session) off the caller's goroutine, with two logical lanes —
a rate-limited SHORT lane shared across hosts, and a per-host-serialized
IO lane for long disk/guest operations.

Callers never spawn their own goroutines for remote work; they submit a
callable and get back a Future.
*/
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/hvorchestrator/pkg/log"
	"github.com/cuemby/hvorchestrator/pkg/metrics"
	"github.com/rs/zerolog"
)

// Category tags a task for bookkeeping and logging; it does not by
// itself select the SHORT or IO lane — that is ioBound, set by the
// caller based on the operation (disk.* and initialize are IO-bound).
type Category string

const (
	CategoryDeployment Category = "deployment"
	CategoryInventory  Category = "inventory"
	CategoryJob        Category = "job"
	CategoryGeneral    Category = "general"
)

// Config holds the worker pool dynamics.
type Config struct {
	MinWorkers               int
	MaxWorkers               int
	IdleSeconds              time.Duration
	ScaleUpBacklog           int
	ScaleUpDurationThreshold time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:               2,
		MaxWorkers:               16,
		IdleSeconds:              30 * time.Second,
		ScaleUpBacklog:           4,
		ScaleUpDurationThreshold: 5 * time.Second,
	}
}

// Result is what a Future resolves to.
type Result struct {
	Value map[string]any
	Err   error
}

// Callable is the blocking work a task performs. It receives a
// background context (not the caller's) — once dispatched, the call is
// never interrupted by the caller cancelling its Future.
type Callable func(ctx context.Context) (map[string]any, error)

type task struct {
	ctx         context.Context
	hostname    string
	category    Category
	description string
	ioBound     bool
	timeout     time.Duration
	fn          Callable
	resultCh    chan Result
	submittedAt time.Time
}

// Future is returned by Submit/RunBlocking. Cancel before dispatch
// discards the task for free; Cancel after dispatch is advisory only —
// the in-flight call still runs to completion, its result simply isn't
// delivered to Wait.
type Future struct {
	cancel   context.CancelFunc
	resultCh chan Result
}

// Cancel requests cancellation. See the Future doc comment for when it
// actually takes effect.
func (f *Future) Cancel() { f.cancel() }

// Wait blocks until the task resolves, the task was discarded
// (cancelled before dispatch, or cancelled while in flight), or ctx is
// done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case res, ok := <-f.resultCh:
		if !ok {
			return Result{}, ErrDiscarded
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Scheduler is the remote task scheduler described in the package doc.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	shortQueue  chan *task
	workerCount int
	avgDuration time.Duration

	ioMu     sync.Mutex
	ioQueues map[string]*hostIOQueue

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type hostIOQueue struct {
	mu      sync.Mutex
	pending []*task
	running bool
}

// New creates a scheduler. Call Start to begin processing.
func New(cfg Config) *Scheduler {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	return &Scheduler{
		cfg:        cfg,
		logger:     log.WithComponent("scheduler"),
		shortQueue: make(chan *task, 4096),
		ioQueues:   make(map[string]*hostIOQueue),
		stopCh:     make(chan struct{}),
	}
}

// Start spawns the minimum worker set and the scale-up monitor.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.MinWorkers; i++ {
		s.spawnShortWorker()
	}
	s.wg.Add(1)
	go s.monitorLoop()
}

// Stop signals all loops to exit. In-flight tasks run to completion;
// queued-but-undispatched SHORT-lane tasks are left undelivered, while
// each host's IO lane runs its pending tasks before Stop returns.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RunBlocking submits fn for execution against hostname, tagged with
// category for logging/metrics, with description for diagnostics, and
// an optional timeout (zero means no timeout). ioBound selects the
// per-host-serialized IO lane (disk.*/initialize operations); everything
// else goes through the shared SHORT lane.
func (s *Scheduler) RunBlocking(ctx context.Context, hostname string, category Category, ioBound bool, description string, timeout time.Duration, fn Callable) *Future {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		ctx:         taskCtx,
		hostname:    hostname,
		category:    category,
		description: description,
		ioBound:     ioBound,
		timeout:     timeout,
		fn:          fn,
		resultCh:    make(chan Result, 1),
		submittedAt: time.Now(),
	}

	if ioBound {
		s.enqueueIO(t)
	} else {
		s.shortQueue <- t
	}

	return &Future{cancel: cancel, resultCh: t.resultCh}
}

func (s *Scheduler) enqueueIO(t *task) {
	s.ioMu.Lock()
	hq, ok := s.ioQueues[t.hostname]
	if !ok {
		hq = &hostIOQueue{}
		s.ioQueues[t.hostname] = hq
	}
	s.ioMu.Unlock()

	hq.mu.Lock()
	hq.pending = append(hq.pending, t)
	startWorker := !hq.running
	if startWorker {
		hq.running = true
	}
	hq.mu.Unlock()

	if startWorker {
		s.wg.Add(1)
		go s.runHostIOQueue(hq)
	}
}

// runHostIOQueue drains hq strictly FIFO, one task in flight at a time,
// until the queue is empty, then exits. A later enqueue that finds
// running==false restarts a fresh goroutine.
func (s *Scheduler) runHostIOQueue(hq *hostIOQueue) {
	defer s.wg.Done()
	for {
		hq.mu.Lock()
		if len(hq.pending) == 0 {
			hq.running = false
			hq.mu.Unlock()
			return
		}
		t := hq.pending[0]
		hq.pending = hq.pending[1:]
		hq.mu.Unlock()

		s.execute(t)
	}
}

func (s *Scheduler) spawnShortWorker() {
	s.mu.Lock()
	s.workerCount++
	s.mu.Unlock()
	metrics.SchedulerWorkersActive.Inc()

	s.wg.Add(1)
	go s.shortWorkerLoop()
}

func (s *Scheduler) shortWorkerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case t, ok := <-s.shortQueue:
			if !ok {
				return
			}
			s.execute(t)
		case <-time.After(s.cfg.IdleSeconds):
			if s.tryRetire() {
				return
			}
		}
	}
}

// tryRetire removes this worker from the pool only if doing so keeps the
// pool at or above MinWorkers.
func (s *Scheduler) tryRetire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workerCount > s.cfg.MinWorkers {
		s.workerCount--
		metrics.SchedulerWorkersActive.Dec()
		return true
	}
	return false
}

func (s *Scheduler) monitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.maybeScaleUp()
		}
	}
}

// maybeScaleUp spawns a worker when the backlog is deep, capacity
// remains, and tasks aren't uniformly slow (slow-and-deep means
// saturation, not starvation — adding workers wouldn't help).
func (s *Scheduler) maybeScaleUp() {
	s.mu.Lock()
	backlog := len(s.shortQueue)
	canGrow := s.workerCount < s.cfg.MaxWorkers
	avgFast := s.avgDuration < s.cfg.ScaleUpDurationThreshold
	s.mu.Unlock()

	if backlog >= s.cfg.ScaleUpBacklog && canGrow && avgFast {
		s.spawnShortWorker()
	}
}

func (s *Scheduler) updateAvgDuration(d time.Duration) {
	s.mu.Lock()
	if s.avgDuration == 0 {
		s.avgDuration = d
	} else {
		s.avgDuration = time.Duration(0.8*float64(s.avgDuration) + 0.2*float64(d))
	}
	s.mu.Unlock()
}

// execute runs one task: a discard if already cancelled, otherwise the
// callable on its own goroutine with optional timeout.
func (s *Scheduler) execute(t *task) {
	select {
	case <-t.ctx.Done():
		close(t.resultCh)
		return
	default:
	}

	start := time.Now()
	doneCh := make(chan Result, 1)
	go func() {
		val, err := t.fn(context.Background())
		doneCh <- Result{Value: val, Err: err}
	}()

	var res Result
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		select {
		case res = <-doneCh:
			timer.Stop()
		case <-timer.C:
			res = Result{Err: &RemoteTaskTimeout{Hostname: t.hostname, Description: t.description, Timeout: t.timeout}}
			s.logger.Warn().Str("host", t.hostname).Str("description", t.description).Dur("timeout", t.timeout).Msg("remote task timed out; agent may still complete out-of-band")
		}
	} else {
		res = <-doneCh
	}

	duration := time.Since(start)
	s.updateAvgDuration(duration)
	metrics.SchedulerTaskDuration.WithLabelValues(string(t.category)).Observe(duration.Seconds())
	if res.Err != nil {
		metrics.SchedulerTasksTotal.WithLabelValues(string(t.category), "error").Inc()
	} else {
		metrics.SchedulerTasksTotal.WithLabelValues(string(t.category), "success").Inc()
	}

	select {
	case <-t.ctx.Done():
		// Cancelled while in flight: the call ran to completion, but its
		// result is discarded.
		close(t.resultCh)
		return
	default:
	}

	t.resultCh <- res
	close(t.resultCh)
}
