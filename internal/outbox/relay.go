package outbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"exposehub/reservation-service/internal/metrics"
	"exposehub/reservation-service/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Publisher delivers one outbox event downstream. Publish returns only once
// the event is accepted. An event is retried on every publisher until all of
// them accept it, so delivery is at least once.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event store.OutboxEvent) error
}

type Config struct {
	BatchSize int
	Timeout   time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

type Relay struct {
	store      store.OutboxStore
	publishers []Publisher
	batchSize  int
	timeout    time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	cron       *cron.Cron
	running    int32
}

func NewRelay(st store.OutboxStore, cfg Config, publishers ...Publisher) *Relay {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:      st,
		publishers: publishers,
		batchSize:  batch,
		timeout:    timeout,
		clock:      clock,
		logger:     logger,
	}
}

// Run claims one batch of pending events, publishes it in creation order and
// marks the delivered ones. It stops at the first failed event so later
// events never overtake it.
func (r *Relay) Run(ctx context.Context) (int, error) {
	var runErr error
	count, err := r.store.ClaimOutbox(ctx, r.batchSize, func(ctx context.Context, events []store.OutboxEvent) ([]string, time.Time) {
		var delivered []string
		for _, event := range events {
			if err := r.publish(ctx, event); err != nil {
				runErr = err
				break
			}
			delivered = append(delivered, event.EventID)
		}
		return delivered, r.clock()
	})
	if err != nil {
		return 0, err
	}

	if pending, err := r.store.ListPendingOutbox(ctx, r.batchSize); err == nil {
		metrics.OutboxBacklog.Set(float64(len(pending)))
	}
	return count, runErr
}

func (r *Relay) publish(ctx context.Context, event store.OutboxEvent) error {
	for _, publisher := range r.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			metrics.OutboxPublishedTotal.WithLabelValues(publisher.Name(), "error").Inc()
			return fmt.Errorf("publish %s via %s: %w", event.EventID, publisher.Name(), err)
		}
		metrics.OutboxPublishedTotal.WithLabelValues(publisher.Name(), "ok").Inc()
	}
	return nil
}

// Start runs the relay on a cron schedule such as "@every 2s". Overlapping
// ticks are skipped.
func (r *Relay) Start(schedule string) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(schedule, r.tick)
	if err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("outbox relay started", zap.String("schedule", schedule), zap.Int("batch_size", r.batchSize))
	return nil
}

func (r *Relay) tick() {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.running, 0)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	count, err := r.Run(ctx)
	if err != nil {
		r.logger.Warn("outbox relay run failed", zap.Int("published", count), zap.Error(err))
		return
	}
	if count > 0 {
		r.logger.Debug("outbox relay published events", zap.Int("published", count))
	}
}

// Stop halts the schedule and waits for a running batch to finish.
func (r *Relay) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
	r.logger.Info("outbox relay stopped")
}
