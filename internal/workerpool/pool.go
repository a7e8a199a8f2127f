// Package workerpool runs jobs on a fixed number of goroutines.
package workerpool

import (
	"sync"

	"go.uber.org/multierr"
)

// Job is a unit of work. A non-nil error is collected and reported by Wait.
type Job func() error

// Pool executes jobs with at most n running at once.
type Pool struct {
	jobs chan Job
	stop chan struct{}

	workers sync.WaitGroup
	pending sync.WaitGroup

	stopOnce sync.Once

	mu   sync.Mutex
	errs error
}

// New starts a pool of n workers. n below one is treated as one.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}

	p := &Pool{
		jobs: make(chan Job),
		stop: make(chan struct{}),
	}

	for i := 0; i < n; i++ {
		p.workers.Add(1)
		go p.work()
	}

	return p
}

// Add queues jobs without blocking. Jobs of a single call are started in
// order; jobs still queued when the pool is stopped are dropped.
func (p *Pool) Add(jobs []Job) {
	p.pending.Add(len(jobs))

	go func() {
		for _, job := range jobs {
			select {
			case p.jobs <- job:
			case <-p.stop:
				p.pending.Done()
			}
		}
	}()
}

// Stop drops queued jobs. Running jobs are not interrupted.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Wait blocks until every added job has run or been dropped, shuts the
// workers down and returns the combined job errors.
func (p *Pool) Wait() error {
	p.pending.Wait()
	p.Stop()
	p.workers.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.errs
}

func (p *Pool) work() {
	defer p.workers.Done()

	for {
		select {
		case job := <-p.jobs:
			p.run(job)
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) run(job Job) {
	defer p.pending.Done()

	if err := job(); err != nil {
		p.mu.Lock()
		p.errs = multierr.Append(p.errs, err)
		p.mu.Unlock()
	}
}
