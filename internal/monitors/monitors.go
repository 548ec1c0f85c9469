// Package monitors registers product monitors in the shared store and
// signals the monitor workers over pub/sub.
package monitors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/proxy-pool-manager/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultRetailer   = "shopify"
	DefaultIntervalMS = 200

	StatusActive  = "active"
	StatusStopped = "stopped"
)

var ErrNotFound = errors.New("monitor not found")

// Request starts a monitor. Zero Retailer and IntervalMS take defaults.
type Request struct {
	SKU        string `json:"sku"`
	Retailer   string `json:"retailer,omitempty"`
	IntervalMS int    `json:"interval_ms,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SKU, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Retailer, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.IntervalMS, validation.Required, validation.Min(50), validation.Max(60000)),
	)
}

type Monitor struct {
	ID         string    `json:"monitor_id"`
	SKU        string    `json:"sku"`
	Retailer   string    `json:"retailer"`
	IntervalMS int       `json:"interval_ms"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UserID     string    `json:"user_id,omitempty"`
}

func (m *Monitor) fields() map[string]string {
	return map[string]string{
		"monitor_id":  m.ID,
		"sku":         m.SKU,
		"retailer":    m.Retailer,
		"interval_ms": strconv.Itoa(m.IntervalMS),
		"status":      m.Status,
		"created_at":  m.CreatedAt.UTC().Format(time.RFC3339),
		"user_id":     m.UserID,
	}
}

func monitorFromFields(fields map[string]string) (*Monitor, error) {
	interval, err := strconv.Atoi(fields["interval_ms"])
	if err != nil {
		return nil, fmt.Errorf("parse interval_ms: %w", err)
	}
	created, err := time.Parse(time.RFC3339, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &Monitor{
		ID:         fields["monitor_id"],
		SKU:        fields["sku"],
		Retailer:   fields["retailer"],
		IntervalMS: interval,
		Status:     fields["status"],
		CreatedAt:  created,
		UserID:     fields["user_id"],
	}, nil
}

type command struct {
	Action    string   `json:"action"`
	Monitor   *Monitor `json:"monitor,omitempty"`
	MonitorID string   `json:"monitor_id,omitempty"`
}

type Registry struct {
	store store.Store
	now   func() time.Time
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// Create stores a new active monitor and tells the workers to start it
func (r *Registry) Create(ctx context.Context, req Request) (*Monitor, error) {
	if req.Retailer == "" {
		req.Retailer = DefaultRetailer
	}
	if req.IntervalMS == 0 {
		req.IntervalMS = DefaultIntervalMS
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		ID:         uuid.NewString(),
		SKU:        req.SKU,
		Retailer:   req.Retailer,
		IntervalMS: req.IntervalMS,
		Status:     StatusActive,
		CreatedAt:  r.now().UTC().Truncate(time.Second),
		UserID:     req.UserID,
	}

	if err := r.store.HSet(ctx, store.MonitorKey(m.ID), m.fields()); err != nil {
		return nil, fmt.Errorf("save monitor: %w", err)
	}
	if _, err := r.store.SAdd(ctx, store.KeyActiveMonitors, m.ID); err != nil {
		return nil, fmt.Errorf("activate monitor: %w", err)
	}
	if err := r.publish(ctx, command{Action: "start", Monitor: m}); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"monitor_id": m.ID, "sku": m.SKU, "retailer": m.Retailer}).Info("Monitor started")
	return m, nil
}

// Stop deactivates a monitor. Stopping a stopped monitor is a no-op.
func (r *Registry) Stop(ctx context.Context, id string) error {
	removed, err := r.store.SRem(ctx, store.KeyActiveMonitors, id)
	if err != nil {
		return fmt.Errorf("deactivate monitor: %w", err)
	}
	if removed == 0 {
		exists, err := r.store.Exists(ctx, store.MonitorKey(id))
		if err != nil {
			return fmt.Errorf("check monitor: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return nil
	}

	if err := r.store.HSetField(ctx, store.MonitorKey(id), "status", StatusStopped); err != nil {
		return fmt.Errorf("update monitor status: %w", err)
	}
	if err := r.publish(ctx, command{Action: "stop", MonitorID: id}); err != nil {
		return err
	}

	log.WithField("monitor_id", id).Info("Monitor stopped")
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Monitor, error) {
	fields, err := r.store.HGetAll(ctx, store.MonitorKey(id))
	if err != nil {
		return nil, fmt.Errorf("load monitor: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return monitorFromFields(fields)
}

// ActiveCount is the number of running monitors
func (r *Registry) ActiveCount(ctx context.Context) (int64, error) {
	n, err := r.store.SCard(ctx, store.KeyActiveMonitors)
	if err != nil {
		return 0, fmt.Errorf("count monitors: %w", err)
	}
	return n, nil
}

func (r *Registry) publish(ctx context.Context, cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal monitor command: %w", err)
	}
	if err := r.store.Publish(ctx, store.ChannelMonitorCmds, string(data)); err != nil {
		return fmt.Errorf("publish monitor command: %w", err)
	}
	return nil
}
