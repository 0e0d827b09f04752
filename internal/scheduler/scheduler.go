package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

type TaskFunc func(ctx context.Context) error

type Metrics interface {
	TaskRun(task string, err error, d time.Duration)
}

type task struct {
	name     string
	interval time.Duration
	run      TaskFunc
}

// Scheduler queues named tasks on their tickers and runs them one at a time
// on a single worker. A task already waiting in the queue is not queued again.
type Scheduler struct {
	metrics Metrics
	tasks   []task

	mu      sync.Mutex
	pending map[string]bool
	queue   chan task

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(metrics Metrics) *Scheduler {
	return &Scheduler{metrics: metrics, pending: make(map[string]bool)}
}

// Add registers a task. It must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, run TaskFunc) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, run: run})
}

// RunOnce runs every task once in registration order and returns the first
// error. Later tasks still run.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var first error
	for _, t := range s.tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.exec(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Start queues every task immediately, then on each tick of its interval.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.queue = make(chan task, len(s.tasks))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.work(ctx)
	}()

	for _, t := range s.tasks {
		s.enqueue(t)
		if t.interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(t.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.enqueue(t)
				}
			}
		}()
	}
}

// Stop cancels the tickers and waits for the running task to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) enqueue(t task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[t.name] {
		return
	}
	s.pending[t.name] = true
	// One slot per task, so this never blocks.
	s.queue <- t
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.mu.Lock()
			delete(s.pending, t.name)
			s.mu.Unlock()
			if err := s.exec(ctx, t); err != nil && ctx.Err() == nil {
				log.Printf("[scheduler] task %s: %v", t.name, err)
			}
		}
	}
}

func (s *Scheduler) exec(ctx context.Context, t task) error {
	start := time.Now()
	err := t.run(ctx)
	d := time.Since(start)
	if s.metrics != nil {
		s.metrics.TaskRun(t.name, err, d)
	}
	log.Printf("[scheduler] task %s finished in %s", t.name, d.Round(time.Millisecond))
	return err
}
