// Package jobs is the async execution layer: a durable job row per task, a
// Redis list per task name, and a worker that dispatches to registered
// processors with retry and backoff.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kadirpekel/mantle/pkg/store"
)

// Task names.
const (
	TaskChatResponse    = "chat_response"
	TaskIngestDocument  = "ingest_document"
	TaskSummarizeThread = "summarize_thread"
)

// QueueName is the Redis list a task's job IDs are pushed onto.
func QueueName(task string) string {
	return "jobs:" + task
}

// JobContext carries job identity into a processor.
type JobContext struct {
	JobID       string
	TaskName    string
	Attempt     int
	MaxAttempts int
	UserID      string
}

// Processor executes one job. It receives the worker's per-job DB handle;
// the returned map is stored as the job result.
type Processor func(ctx context.Context, jc JobContext, db *store.DB, payload map[string]any) (map[string]any, error)

// Registry maps task names to processors.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

func (r *Registry) Register(task string, p Processor) error {
	if task == "" || p == nil {
		return fmt.Errorf("task name and processor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[task]; exists {
		return fmt.Errorf("task %q already registered", task)
	}
	r.processors[task] = p
	return nil
}

func (r *Registry) Get(task string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[task]
	return p, ok
}

// Tasks returns registered task names, sorted.
func (r *Registry) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for task := range r.processors {
		out = append(out, task)
	}
	sort.Strings(out)
	return out
}
