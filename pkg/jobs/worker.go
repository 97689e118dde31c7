package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/mantle/pkg/observability"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/store"
)

const (
	popTimeout      = 5 * time.Second
	defaultMinDelay = 2 * time.Second
	defaultMaxDelay = 2 * time.Minute
)

// Worker pops job IDs off the task queues and dispatches them. Each job gets
// a fresh DB handle, never shared across jobs.
type Worker struct {
	registry    *Registry
	rdb         *redis.Client
	openDB      func() (*store.DB, error)
	metrics     *observability.Metrics
	concurrency int
	minDelay    time.Duration
	maxDelay    time.Duration

	wg sync.WaitGroup
}

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithWorkerMetrics(m *observability.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func WithBackoff(min, max time.Duration) WorkerOption {
	return func(w *Worker) {
		w.minDelay = min
		w.maxDelay = max
	}
}

func NewWorker(registry *Registry, rdb *redis.Client, openDB func() (*store.DB, error), opts ...WorkerOption) *Worker {
	w := &Worker{
		registry:    registry,
		rdb:         rdb,
		openDB:      openDB,
		concurrency: 1,
		minDelay:    defaultMinDelay,
		maxDelay:    defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks, consuming jobs until the context ends. In-flight jobs and
// pending delayed re-enqueues are drained before returning.
func (w *Worker) Run(ctx context.Context) error {
	queues := make([]string, 0)
	for _, task := range w.registry.Tasks() {
		queues = append(queues, QueueName(task))
	}
	if len(queues) == 0 {
		return fmt.Errorf("no tasks registered")
	}

	slog.Info("worker started", "queues", queues, "concurrency", w.concurrency)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consume(ctx, queues)
		}()
	}

	<-ctx.Done()
	w.wg.Wait()
	slog.Info("worker stopped")
	return nil
}

func (w *Worker) consume(ctx context.Context, queues []string) {
	for {
		res, err := w.rdb.BRPop(ctx, popTimeout, queues...).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		// res is [queue, jobID]
		w.process(ctx, res[1])
	}
}

func (w *Worker) process(ctx context.Context, jobID string) {
	db, err := w.openDB()
	if err != nil {
		slog.Error("opening job db handle", "job_id", jobID, "error", err)
		return
	}
	defer db.Close()
	jobStore := store.NewJobStore(db)

	job, err := jobStore.GetInternal(ctx, jobID)
	if err != nil || job == nil {
		slog.Warn("job row missing", "job_id", jobID, "error", err)
		return
	}

	runnable, err := jobStore.MarkRunning(ctx, jobID)
	if err != nil {
		slog.Error("marking job running", "job_id", jobID, "error", err)
		return
	}
	if !runnable {
		// Cancelled or already picked up elsewhere.
		return
	}
	attempt := job.Attempts + 1

	tracer := observability.GetTracer("mantle.jobs")
	jobCtx, span := tracer.Start(ctx, observability.SpanJobExecution,
		trace.WithAttributes(attribute.String("job.task", job.TaskName), attribute.String("job.id", job.ID)))
	defer span.End()

	result, err := w.dispatch(jobCtx, job, attempt, db)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		if err := jobStore.MarkSucceeded(ctx, jobID, result); err != nil {
			slog.Error("marking job succeeded", "job_id", jobID, "error", err)
		}
		w.record(job.TaskName, "succeeded")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if protocol.IsRetryable(err) && attempt < job.MaxAttempts {
		if markErr := jobStore.MarkFailed(ctx, jobID, err.Error(), false); markErr != nil {
			slog.Error("requeueing job", "job_id", jobID, "error", markErr)
			return
		}
		delay := w.backoff(attempt)
		slog.Warn("job failed, retrying", "job_id", jobID, "task", job.TaskName,
			"attempt", attempt, "delay", delay, "error", err)
		w.requeueAfter(ctx, job.TaskName, jobID, delay)
		w.record(job.TaskName, "retried")
		return
	}

	slog.Error("job failed terminally", "job_id", jobID, "task", job.TaskName,
		"attempt", attempt, "error", err)
	if markErr := jobStore.MarkFailed(ctx, jobID, err.Error(), true); markErr != nil {
		slog.Error("marking job failed", "job_id", jobID, "error", markErr)
	}
	w.record(job.TaskName, "failed")
}

func (w *Worker) dispatch(ctx context.Context, job *store.Job, attempt int, db *store.DB) (map[string]any, error) {
	processor, ok := w.registry.Get(job.TaskName)
	if !ok {
		return nil, &protocol.UnknownTaskError{Task: job.TaskName}
	}

	jc := JobContext{
		JobID:       job.ID,
		TaskName:    job.TaskName,
		Attempt:     attempt,
		MaxAttempts: job.MaxAttempts,
		UserID:      job.UserID,
	}
	return processor(ctx, jc, db, job.Payload)
}

// backoff is minDelay doubled per attempt with ±20% jitter, capped.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.minDelay << (attempt - 1)
	if delay > w.maxDelay || delay <= 0 {
		delay = w.maxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (w *Worker) requeueAfter(ctx context.Context, task, jobID string, delay time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			// Push immediately so the job is not stranded queued.
		}
		pushCtx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()
		if err := w.rdb.LPush(pushCtx, QueueName(task), jobID).Err(); err != nil {
			slog.Error("re-enqueueing job", "job_id", jobID, "error", err)
		}
	}()
}

func (w *Worker) record(task, status string) {
	if w.metrics != nil {
		w.metrics.JobsProcessed.WithLabelValues(task, status).Inc()
	}
}
