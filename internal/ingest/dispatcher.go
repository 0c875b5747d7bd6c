package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Job identifies one ingestion run. Run fences writes against newer runs.
type Job struct {
	DocumentID string `json:"document_id"`
	Run        int    `json:"run"`
}

// Dispatcher hands a run to whatever executes ingestion.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

type DispatchFunc func(ctx context.Context, job Job) error

func (f DispatchFunc) Dispatch(ctx context.Context, job Job) error { return f(ctx, job) }

var (
	ErrPoolClosed = errors.New("ingest pool closed")
	ErrPoolFull   = errors.New("ingest queue full")
)

// DefaultEnqueueWait bounds how long Dispatch waits for queue space.
const DefaultEnqueueWait = 2 * time.Second

// Pool runs jobs on a fixed number of goroutines fed by a buffered queue.
type Pool struct {
	handle      func(context.Context, Job) error
	queue       chan Job
	enqueueWait time.Duration

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(workers, queueSize int, handle func(context.Context, Job) error) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		handle:      handle,
		queue:       make(chan Job, queueSize),
		enqueueWait: DefaultEnqueueWait,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Dispatch enqueues job. When the queue stays full for longer than the
// enqueue wait it gives up with ErrPoolFull so callers can fail fast.
func (p *Pool) Dispatch(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- job:
		return nil
	default:
	}
	timer := time.NewTimer(p.enqueueWait)
	defer timer.Stop()
	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		log.Printf("[Ingest] queue_full document_id=%s run=%d wait=%s", job.DocumentID, job.Run, p.enqueueWait)
		return ErrPoolFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		if err := p.handle(p.ctx, job); err != nil {
			log.Printf("[IngestPool] worker=%d doc=%s run=%d err=%v", id, job.DocumentID, job.Run, err)
		}
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
