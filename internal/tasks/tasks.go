// Package tasks enqueues jobs for background workers. Consumers live
// elsewhere; this side only produces.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/proxy-pool-manager/internal/store"
)

// Job is the envelope pushed onto a queue
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Dispatcher pushes jobs onto named queues in the shared store
type Dispatcher struct {
	store store.Store
	now   func() time.Time
}

func NewDispatcher(s store.Store) *Dispatcher {
	return &Dispatcher{store: s, now: time.Now}
}

// Enqueue serializes payload and pushes the job onto queue
func (d *Dispatcher) Enqueue(ctx context.Context, queue, jobType string, payload interface{}) (Job, error) {
	job := Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		CreatedAt: d.now().UTC(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("marshal %s payload: %w", jobType, err)
		}
		job.Payload = raw
	}

	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job: %w", err)
	}

	if err := d.store.LPush(ctx, queue, string(data)); err != nil {
		return Job{}, fmt.Errorf("enqueue %s on %s: %w", jobType, queue, err)
	}

	return job, nil
}
