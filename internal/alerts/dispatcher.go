package alerts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/service"
)

// Handler receives dispatched alerts
type Handler interface {
	Name() string
	Handle(ctx context.Context, a *Alert) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, a *Alert) error
}

// Name implements Handler
func (h HandlerFunc) Name() string { return h.HandlerName }

// Handle implements Handler
func (h HandlerFunc) Handle(ctx context.Context, a *Alert) error { return h.Fn(ctx, a) }

// SnapshotArchiver stores an alert snapshot and returns where it can be fetched
type SnapshotArchiver interface {
	Archive(ctx context.Context, key string, jpeg []byte) (string, error)
}

// Stats counts dispatcher activity
type Stats struct {
	Queued    int   `json:"queued"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Dispatcher fans alerts out to handlers from a single goroutine. Publish
// never blocks the caller: when the queue is full the alert is dropped.
type Dispatcher struct {
	*service.ServiceBase

	queue          chan *Alert
	handlerTimeout time.Duration

	mu       sync.RWMutex
	handlers []Handler
	archiver SnapshotArchiver

	// Publish holds lifecycle for reading; Start and Stop for writing
	lifecycle sync.RWMutex
	running   atomic.Bool
	stopCh    chan struct{}
	done      chan struct{}
	published atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg config.AlertsConfig, log *logger.Logger) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		ServiceBase:    service.NewServiceBase("alert-dispatcher", log),
		queue:          make(chan *Alert, size),
		handlerTimeout: timeout,
	}
}

// AddHandler registers a handler. Handlers run in registration order.
func (d *Dispatcher) AddHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// SetArchiver sets the snapshot archive consulted before handlers run
func (d *Dispatcher) SetArchiver(a SnapshotArchiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.archiver = a
}

// Start launches the dispatch goroutine
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifecycle.Lock()
	if d.running.Load() {
		d.lifecycle.Unlock()
		return nil
	}
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	d.running.Store(true)
	go d.run(d.stopCh, d.done)
	d.lifecycle.Unlock()

	d.GetStatus().SetStatus(service.StatusRunning)
	d.LogInfo("Alert dispatcher started", "queue_size", cap(d.queue))
	return nil
}

// Stop delivers what is already queued and stops the dispatch goroutine
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.lifecycle.Lock()
	if !d.running.Load() {
		d.lifecycle.Unlock()
		return nil
	}
	d.running.Store(false)
	close(d.stopCh)
	done := d.done
	d.lifecycle.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("alert dispatcher stop: %w", ctx.Err())
	}

	d.GetStatus().SetStatus(service.StatusStopped)
	d.LogInfo("Alert dispatcher stopped", "delivered", d.delivered.Load(), "dropped", d.dropped.Load())
	return nil
}

// Publish queues a without blocking. It returns false when the alert was dropped.
func (d *Dispatcher) Publish(a *Alert) bool {
	d.lifecycle.RLock()
	defer d.lifecycle.RUnlock()

	if !d.running.Load() {
		d.drop(a, "dispatcher not running")
		return false
	}
	select {
	case d.queue <- a:
		d.published.Add(1)
		return true
	default:
		d.drop(a, "queue full")
		return false
	}
}

// Stats returns counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.queue),
		Published: d.published.Load(),
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) drop(a *Alert, reason string) {
	n := d.dropped.Add(1)
	if n == 1 || n%100 == 0 {
		d.LogWarn("Alert dropped", "reason", reason, "alert_id", a.ID, "source_id", a.SourceID, "dropped_total", n)
	}
	d.PublishEvent(service.EventTypeAlertsDropped, map[string]interface{}{
		"source_id": a.SourceID,
		"reason":    reason,
		"total":     n,
	})
}

func (d *Dispatcher) run(stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case a := <-d.queue:
			d.dispatch(a)
		case <-stopCh:
			for {
				select {
				case a := <-d.queue:
					d.dispatch(a)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(a *Alert) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	archiver := d.archiver
	d.mu.RUnlock()

	if archiver != nil && len(a.Snapshot) > 0 {
		err := d.call("archiver", func(ctx context.Context) error {
			url, err := archiver.Archive(ctx, a.SnapshotKey(), a.Snapshot)
			if err == nil {
				a.SnapshotURL = url
			}
			return err
		})
		if err != nil {
			d.LogError("Failed to archive alert snapshot", err, "alert_id", a.ID)
		}
	}

	failed := false
	for _, h := range handlers {
		if err := d.call(h.Name(), func(ctx context.Context) error { return h.Handle(ctx, a) }); err != nil {
			failed = true
			d.LogError("Alert handler failed", err, "handler", h.Name(), "alert_id", a.ID)
		}
	}
	if failed {
		d.failed.Add(1)
	}
	d.delivered.Add(1)

	d.PublishEvent(service.EventTypeAlertRaised, map[string]interface{}{
		"alert_id":    a.ID,
		"source_id":   a.SourceID,
		"source_type": string(a.SourceType),
		"action":      a.Action,
		"severity":    a.Severity,
	})
}

// call runs fn with the handler timeout and turns a panic into an error
func (d *Dispatcher) call(name string, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}
