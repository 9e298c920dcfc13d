package ecs

import (
	"context"
	"sync"
	"time"
)

// workerPool runs the systems of a parallel stage on a fixed set of goroutines.
type workerPool struct {
	size   int
	jobs   chan jobRequest
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type jobRequest struct {
	ctx    context.Context
	fn     func(context.Context) jobResult
	result chan jobResult
}

// jobResult is the outcome of one system run. recovered holds a panic value
// raised by the job so the schedule can re-raise it on the caller's goroutine.
// duration is filled in by runJob.
type jobResult struct {
	err       error
	recovered any
	retried   bool
	duration  time.Duration
}

func (r jobResult) Err() error { return r.err }

func (r jobResult) Panicked() bool { return r.recovered != nil }

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		return nil
	}
	p := &workerPool{
		size:   size,
		jobs:   make(chan jobRequest),
		closed: make(chan struct{}),
	}
	p.start()
	return p
}

func (p *workerPool) start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(job)
		case <-p.closed:
			return
		}
	}
}

func (p *workerPool) execute(job jobRequest) {
	if job.result == nil {
		return
	}
	defer close(job.result)
	if job.fn == nil {
		job.result <- jobResult{}
		return
	}
	select {
	case <-job.ctx.Done():
		job.result <- jobResult{err: job.ctx.Err()}
	default:
		job.result <- runJob(job.ctx, job.fn)
	}
}

// runJob calls fn and times it. A panic inside fn is captured in the result
// instead of killing the worker goroutine.
func runJob(ctx context.Context, fn func(context.Context) jobResult) (res jobResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = jobResult{recovered: r}
		}
		res.duration = time.Since(start)
	}()
	return fn(ctx)
}

// Submit hands fn to a worker. It blocks until a worker accepts the job; a
// nil pool runs fn on the calling goroutine.
func (p *workerPool) Submit(ctx context.Context, fn func(context.Context) jobResult) *jobHandle {
	if fn == nil {
		return completedJob(jobResult{})
	}
	if p == nil {
		return completedJob(runJob(ctx, fn))
	}
	result := make(chan jobResult, 1)
	job := jobRequest{ctx: ctx, fn: fn, result: result}
	select {
	case <-p.closed:
		return completedJob(jobResult{err: ErrWorkerPoolClosed})
	case <-ctx.Done():
		return completedJob(jobResult{err: ctx.Err()})
	default:
	}
	if safeSendJob(p.jobs, job) {
		return &jobHandle{result: result}
	}
	return completedJob(jobResult{err: ErrWorkerPoolClosed})
}

// Size returns the number of workers.
func (p *workerPool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

func (p *workerPool) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		close(p.closed)
		close(p.jobs)
	})
	p.wg.Wait()
}

type jobHandle struct {
	result chan jobResult
}

func completedJob(res jobResult) *jobHandle {
	ch := make(chan jobResult, 1)
	ch <- res
	close(ch)
	return &jobHandle{result: ch}
}

func (h *jobHandle) Wait() jobResult {
	if h == nil || h.result == nil {
		return jobResult{}
	}
	res, ok := <-h.result
	if !ok {
		return jobResult{}
	}
	return res
}

func safeSendJob(ch chan jobRequest, job jobRequest) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	ch <- job
	return true
}
