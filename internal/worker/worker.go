// DPROD Deployment Worker
// Long-polls the job queue and fans messages out to the pipeline handler,
// bounded by the configured concurrency. Delivery is at-least-once: a
// message is deleted only once the handler settles the deployment, and a
// visibility extender keeps in-flight jobs hidden from other workers.

// Package worker consumes deployment jobs from the queue.
package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dprod/internal/config"
	"dprod/internal/logging"
	"dprod/internal/metrics"
	"dprod/internal/queue"
)

const heartbeatInterval = 30 * time.Second

// Disposition is the handler's verdict on a received message.
type Disposition int

const (
	// Ack deletes the message: the deployment reached a terminal state,
	// or the message can never be processed.
	Ack Disposition = iota
	// Redeliver leaves the message on the queue for another attempt.
	Redeliver
)

// jobQueue is the queue slice the poller needs. *queue.Queue satisfies it.
type jobQueue interface {
	Receive(ctx context.Context, max int) ([]queue.ReceivedMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
	ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error
}

// JobHandler runs one job to a verdict.
type JobHandler interface {
	Handle(ctx context.Context, body []byte) Disposition
}

// Worker owns the poll loop.
type Worker struct {
	queue   jobQueue
	handler JobHandler
	cfg     *config.Config
	metrics *metrics.Metrics

	limiter *rate.Limiter
	slots   chan struct{}
	wg      sync.WaitGroup
}

// New wires a worker. Concurrency and pacing come from cfg.
func New(q jobQueue, handler JobHandler, cfg *config.Config) *Worker {
	jobs := cfg.MaxConcurrentJobs
	if jobs < 1 {
		jobs = 1
	}
	return &Worker{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		metrics: metrics.Get(),
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		slots:   make(chan struct{}, jobs),
	}
}

// Run polls until ctx is canceled, then waits for in-flight jobs to
// settle before returning.
func (w *Worker) Run(ctx context.Context) error {
	logging.S().Infow("worker started",
		"worker_id", w.cfg.WorkerID,
		"max_concurrent_jobs", cap(w.slots),
		"poll_interval", w.cfg.PollInterval)

	go w.heartbeat(ctx)

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}

		free := cap(w.slots) - len(w.slots)
		if free == 0 {
			continue
		}

		msgs, err := w.queue.Receive(ctx, free)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.metrics.RecordQueueError("receive")
			logging.S().Warnw("queue receive failed", "error", err)
			continue
		}

		for _, msg := range msgs {
			w.slots <- struct{}{}
			w.wg.Add(1)
			go func(msg queue.ReceivedMessage) {
				defer w.wg.Done()
				defer func() { <-w.slots }()
				w.process(ctx, msg)
			}(msg)
		}
	}

	logging.S().Infow("worker draining", "in_flight", len(w.slots))
	w.wg.Wait()
	logging.S().Infow("worker stopped", "worker_id", w.cfg.WorkerID)
	return nil
}

// process runs one message to its verdict. The job context is detached
// from the poll context so shutdown drains builds instead of aborting
// them; per-step deadlines still bound every operation.
func (w *Worker) process(pollCtx context.Context, msg queue.ReceivedMessage) {
	ctx := context.WithoutCancel(pollCtx)

	w.metrics.StartJob()
	defer w.metrics.EndJob()

	logging.S().Infow("processing job",
		"message_id", msg.ID,
		"deployment_id", msg.Attributes["deployment_id"])

	stopExtending := w.keepVisible(ctx, msg.ReceiptHandle)
	verdict := w.handler.Handle(ctx, msg.Body)
	stopExtending()

	switch verdict {
	case Ack:
		if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			w.metrics.RecordQueueError("delete")
			logging.S().Warnw("failed to delete message, it will redeliver",
				"message_id", msg.ID, "error", err)
			return
		}
		w.metrics.RecordQueueMessage("acknowledged")
	case Redeliver:
		w.metrics.RecordQueueMessage("redelivered")
		logging.S().Warnw("job left on queue for redelivery", "message_id", msg.ID)
	}
}

// keepVisible extends the message's visibility at half the timeout so the
// job stays hidden while it builds. The returned stop function must be
// called once the job settles.
func (w *Worker) keepVisible(ctx context.Context, receiptHandle string) func() {
	if w.cfg.VisibilityTimeout <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(w.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.queue.ExtendVisibility(ctx, receiptHandle, w.cfg.VisibilityTimeout); err != nil {
					w.metrics.RecordQueueError("extend_visibility")
					logging.S().Warnw("failed to extend message visibility", "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (w *Worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logging.S().Debugw("worker heartbeat",
				"worker_id", w.cfg.WorkerID, "in_flight", len(w.slots))
		}
	}
}
