package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hivemail/syncd/internal/models"
)

// Performer executes one claimed sync job. The actual provider fetch lives
// behind this interface; the queue only cares about success or failure.
type Performer interface {
	Perform(ctx context.Context, job models.SyncJob) error
}

// Concurrency is the per-lane worker parallelism
type Concurrency map[models.JobPriority]int

// DefaultConcurrency drains high-priority work fastest
var DefaultConcurrency = Concurrency{
	models.PriorityHigh:   4,
	models.PriorityNormal: 2,
	models.PriorityLow:    1,
}

// idlePoll is how long an empty lane sleeps before probing again
const idlePoll = 2 * time.Second

// WorkerPool drains the queue lanes with configurable parallelism per lane
type WorkerPool struct {
	queue       *WorkQueue
	performer   Performer
	concurrency Concurrency
}

func NewWorkerPool(q *WorkQueue, performer Performer, concurrency Concurrency) *WorkerPool {
	if concurrency == nil {
		concurrency = DefaultConcurrency
	}
	return &WorkerPool{queue: q, performer: performer, concurrency: concurrency}
}

// Start runs the pool until the context is cancelled
func (p *WorkerPool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, lane := range models.Lanes {
		for i := 0; i < p.concurrency[lane]; i++ {
			wg.Add(1)
			go func(lane models.JobPriority) {
				defer wg.Done()
				p.drain(ctx, lane)
			}(lane)
		}
	}
	wg.Wait()
}

func (p *WorkerPool) drain(ctx context.Context, lane models.JobPriority) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Claim(ctx, lane)
		if err != nil {
			log.Printf("Failed to claim from lane %s: %v", lane, err)
			sleepCtx(ctx, idlePoll)
			continue
		}
		if job == nil {
			sleepCtx(ctx, idlePoll)
			continue
		}

		start := time.Now()
		if err := p.performer.Perform(ctx, *job); err != nil {
			if failErr := p.queue.Fail(ctx, job, err, time.Since(start)); failErr != nil {
				log.Printf("Failed to record failure for job %s: %v", job.ID, failErr)
			}
			continue
		}

		if err := p.queue.Complete(ctx, job, time.Since(start)); err != nil {
			log.Printf("Failed to complete job %s: %v", job.ID, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
