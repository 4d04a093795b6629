package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/balancer/internal/config"
	obslogger "github.com/smallbiznis/balancer/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/balancer/internal/observability/metrics"
	"github.com/smallbiznis/balancer/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrDispatcherClosed = errors.New("dispatcher_closed")

type task struct {
	id        string
	eventType string
	meta      map[string]string
	run       func(ctx context.Context) error
}

// Dispatcher runs post-commit side effects on a bounded worker pool. Each
// task retries on its own schedule and never blocks the submitting request.
type Dispatcher struct {
	log     *zap.Logger
	metrics *obsmetrics.Metrics

	queue    chan task
	workers  int
	maxTries uint
	timeout  time.Duration

	initialInterval time.Duration
	maxInterval     time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type DispatcherParams struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	Config    config.Config
	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	d := newDispatcher(p.Config.Dispatch, p.Log, p.Metrics)
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				d.Start()
				return nil
			},
			OnStop: d.Stop,
		})
	}
	return d
}

func newDispatcher(cfg config.DispatchConfig, log *zap.Logger, metrics *obsmetrics.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		log:             log.Named("events.dispatcher"),
		metrics:         metrics,
		queue:           make(chan task, cfg.QueueSize),
		workers:         cfg.Workers,
		maxTries:        cfg.MaxTries,
		timeout:         30 * time.Second,
		initialInterval: 200 * time.Millisecond,
		maxInterval:     10 * time.Second,
	}
}

func (d *Dispatcher) Start() {
	for range d.workers {
		d.wg.Add(1)
		go d.work()
	}
}

// Stop rejects new tasks and waits for queued ones to drain.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues fn without waiting. The request's correlation and trace
// ids follow the task onto the worker.
func (d *Dispatcher) Submit(ctx context.Context, eventType string, fn func(ctx context.Context) error) error {
	if d == nil {
		return ErrDispatcherClosed
	}
	t := task{
		id:        ulid.Make().String(),
		eventType: eventType,
		meta:      correlation.Metadata(ctx),
		run:       fn,
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- t:
		return nil
	default:
		d.metrics.RecordDispatchFailure(ctx, eventType)
		obslogger.WithContext(ctx, d.log).Error("dispatch queue full, dropping task",
			zap.String("event_type", eventType),
			zap.String("task_id", t.id),
		)
		return errors.New("dispatch_queue_full")
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for t := range d.queue {
		d.execute(t)
	}
}

func (d *Dispatcher) execute(t task) {
	ctx := correlation.ContextFromMetadata(context.Background(), t.meta)
	ctx = obslogger.ContextWithTask(ctx, t.eventType)
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	log := obslogger.WithContext(ctx, d.log).With(zap.String("task_id", t.id))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval
	b.MaxInterval = d.maxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := t.run(ctx); err != nil {
			log.Warn("dispatch attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.maxTries))
	if err != nil {
		d.metrics.RecordDispatchFailure(ctx, t.eventType)
		log.Error("dispatch gave up", zap.Int("attempts", attempt), zap.Error(err))
	}
}
