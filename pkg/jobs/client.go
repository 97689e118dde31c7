package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/store"
)

const redisTimeout = 5 * time.Second

// Client enqueues jobs: one durable row, then the job ID onto the task's
// Redis list.
type Client struct {
	rdb  *redis.Client
	jobs *store.JobStore
}

func NewClient(rdb *redis.Client, jobs *store.JobStore) *Client {
	return &Client{rdb: rdb, jobs: jobs}
}

// Enqueue persists a queued job and pushes it. When the push fails the row
// is failed terminally so it never shows as perpetually queued.
func (c *Client) Enqueue(ctx context.Context, u *auth.CurrentUser, task string, payload map[string]any) (*store.Job, error) {
	job := &store.Job{
		ID:       uuid.NewString(),
		TaskName: task,
		Payload:  payload,
	}
	if u != nil {
		job.UserID = u.ID
	}

	if err := c.jobs.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := c.rdb.LPush(pushCtx, QueueName(task), job.ID).Err(); err != nil {
		if markErr := c.jobs.MarkFailed(ctx, job.ID, "enqueue failed: "+err.Error(), true); markErr != nil {
			slog.Error("failed to mark unqueued job", "job_id", job.ID, "error", markErr)
		}
		return nil, fmt.Errorf("pushing job to queue: %w", err)
	}
	return job, nil
}
