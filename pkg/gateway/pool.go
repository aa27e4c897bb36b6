package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/gateclaw/gateclaw/pkg/pipeline"
)

// Pool is a bounded worker pool with a bounded queue. Overflow is
// rejected, not buffered.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	p := &Pool{jobs: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// Submit enqueues a job; a full queue returns ErrResourceExhausted.
// The mutex is held across the send so Shutdown cannot close the channel
// between the closed check and the enqueue; the send never blocks.
func (p *Pool) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: pool shut down", pipeline.ErrResourceExhausted)
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: request queue full", pipeline.ErrResourceExhausted)
	}
}

// Shutdown stops accepting work and waits for in-flight jobs, bounded by
// the context.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
