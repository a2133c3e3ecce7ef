package pipeline

import (
	"context"
	"sync"
)

// FlushPool runs batch flushes on a bounded set of workers. Submit blocks
// when every worker is busy and the queue is full, backpressuring the poll
// loop.
type FlushPool struct {
	jobs   chan func(context.Context)
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewFlushPool(workers int) *FlushPool {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &FlushPool{
		jobs:   make(chan func(context.Context), workers),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *FlushPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job(p.ctx)
	}
}

// Submit enqueues a flush. Blocks while the pool is saturated.
func (p *FlushPool) Submit(job func(context.Context)) {
	p.jobs <- job
}

// Stop lets queued flushes finish within the given grace context, then
// cancels whatever is still running.
func (p *FlushPool) Stop(grace context.Context) {
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-grace.Done():
		p.cancel()
		<-done
	}
	p.cancel()
}
