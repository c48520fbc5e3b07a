package pipeline

import (
	"context"
	"log"
	"sync"

	"github.com/audionet/verifier/internal/faults"
)

// Pool bounds how many verification runs execute at once. Dispatch never
// blocks: when workers and the queue are both full the caller gets an
// unavailable fault and the client is expected to retry later.
type Pool struct {
	runner *Runner
	jobs   chan Job
	size   int
	wg     sync.WaitGroup
	logger *log.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewPool(runner *Runner, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		runner: runner,
		jobs:   make(chan Job, size),
		size:   size,
		logger: log.New(log.Writer(), "[POOL] ", log.LstdFlags),
	}
}

// Start launches the workers. Each worker exits when the job channel is
// closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			for {
				select {
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					p.runner.Run(ctx, job)
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}
	p.logger.Printf("started %d workers", p.size)
}

// Dispatch enqueues a job or rejects it when capacity is exhausted.
func (p *Pool) Dispatch(job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return faults.New(faults.KindUnavailable, "verification service shutting down")
	}
	p.mu.Unlock()

	select {
	case p.jobs <- job:
		return nil
	default:
		return faults.New(faults.KindUnavailable, "verification capacity exhausted, retry later")
	}
}

// Shutdown stops accepting jobs and waits for in-flight runs to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Printf("drained")
}
