// Package worker provides the polling worker pool that drives the
// document pipeline. The pool hosts a registry mapping job kind to
// handler plus per-kind batch size and polling interval; on start it
// spawns one polling goroutine per kind. Jobs within a batch are
// processed concurrently. On shutdown the pool stops polling, waits for
// in-flight handlers, then returns.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dealdesk.io/common"
	"dealdesk.io/queue"
)

// JobQueue is the queue surface the pool needs. *queue.Queue satisfies
// it; tests inject fakes.
type JobQueue interface {
	Dequeue(ctx context.Context, kind string, batchSize int) ([]queue.Job, error)
	Complete(ctx context.Context, jobID string, output queue.Payload) error
	Fail(ctx context.Context, jobID string, jobErr error) error
}

// Handler processes one job. A nil error completes the job with the
// returned output envelope; a non-nil error fails it through the
// queue's retry machinery.
type Handler func(ctx context.Context, job queue.Job) (queue.Payload, error)

// KindConfig holds per-kind polling configuration.
type KindConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// DefaultKindConfig is used for kinds registered without explicit
// configuration.
var DefaultKindConfig = KindConfig{BatchSize: 3, PollInterval: 5 * time.Second}

type registration struct {
	handler Handler
	config  KindConfig
}

// Pool polls the queue per registered kind and dispatches handlers.
type Pool struct {
	queue    JobQueue
	mu       sync.Mutex
	kinds    map[string]registration
	wg       sync.WaitGroup
	inflight sync.WaitGroup
	cancel   context.CancelFunc
}

// NewPool creates a worker pool over the given queue.
func NewPool(q JobQueue) *Pool {
	return &Pool{
		queue: q,
		kinds: make(map[string]registration),
	}
}

// Register binds a handler to a job kind. Zero-valued config fields
// fall back to DefaultKindConfig. Register must be called before Start.
func (p *Pool) Register(kind string, handler Handler, cfg KindConfig) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultKindConfig.BatchSize
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultKindConfig.PollInterval
	}
	p.mu.Lock()
	p.kinds[kind] = registration{handler: handler, config: cfg}
	p.mu.Unlock()
}

// Start launches one polling goroutine per registered kind. It returns
// immediately; call Stop to shut down.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	common.Logger.WithField("kinds", len(p.kinds)).Info("starting worker pool")

	for kind, reg := range p.kinds {
		p.wg.Add(1)
		go p.poll(ctx, kind, reg)
	}
}

// Stop halts polling and waits for in-flight handlers to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.inflight.Wait()
	common.Logger.Info("worker pool stopped")
}

func (p *Pool) poll(ctx context.Context, kind string, reg registration) {
	defer p.wg.Done()
	ticker := time.NewTicker(reg.config.PollInterval)
	defer ticker.Stop()

	for {
		p.drainBatch(ctx, kind, reg)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) drainBatch(ctx context.Context, kind string, reg registration) {
	jobs, err := p.queue.Dequeue(ctx, kind, reg.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			common.Logger.WithError(err).WithField("kind", kind).Error("dequeue failed")
		}
		return
	}

	var batch sync.WaitGroup
	for _, job := range jobs {
		batch.Add(1)
		p.inflight.Add(1)
		go func(job queue.Job) {
			defer batch.Done()
			defer p.inflight.Done()
			p.process(ctx, job, reg.handler)
		}(job)
	}
	batch.Wait()
}

func (p *Pool) process(ctx context.Context, job queue.Job, handler Handler) {
	started := time.Now()
	output, err := handler(ctx, job)

	fields := logrus.Fields{
		"job_id":      job.ID,
		"kind":        job.Kind,
		"retry_count": job.RetryCount,
		"duration_ms": time.Since(started).Milliseconds(),
	}

	if err != nil {
		common.Logger.WithFields(fields).WithError(err).Warn("job failed")
		if failErr := p.queue.Fail(context.WithoutCancel(ctx), job.ID, err); failErr != nil {
			common.Logger.WithFields(fields).WithError(failErr).Error("could not mark job failed")
		}
		return
	}

	common.Logger.WithFields(fields).WithField("output", output).Info("job completed")
	if compErr := p.queue.Complete(context.WithoutCancel(ctx), job.ID, output); compErr != nil {
		common.Logger.WithFields(fields).WithError(compErr).Error("could not mark job completed")
	}
}
