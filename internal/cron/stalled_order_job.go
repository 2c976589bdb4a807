package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox/payloads"
)

const (
	defaultStalledAfter = 15 * time.Minute
	defaultStalledBatch = 50

	// ReasonStalled marks orders whose provisioning never finished, e.g.
	// after a crash between the debit and the supplier call.
	ReasonStalled = "provisioning_stalled"
)

// StalledOrderJobParams configure the stalled order job.
type StalledOrderJobParams struct {
	Logger       *logger.Logger
	DB           txRunner
	Orders       orders.Repository
	Outbox       outbox.Emitter
	StalledAfter time.Duration
	BatchSize    int
}

// NewStalledOrderJob parks pending orders left behind by an interrupted
// provisioning attempt so the retry sweep picks them up.
func NewStalledOrderJob(params StalledOrderJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	after := params.StalledAfter
	if after <= 0 {
		after = defaultStalledAfter
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultStalledBatch
	}
	return &stalledOrderJob{
		logg:   params.Logger,
		db:     params.DB,
		orders: params.Orders,
		outbox: params.Outbox,
		after:  after,
		batch:  batch,
		now:    time.Now,
	}, nil
}

type stalledOrderJob struct {
	logg   *logger.Logger
	db     txRunner
	orders orders.Repository
	outbox outbox.Emitter
	after  time.Duration
	batch  int
	now    func() time.Time
}

func (j *stalledOrderJob) Name() string { return "stalled-orders" }

func (j *stalledOrderJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.after)
	rows, err := j.orders.ListStalled(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query stalled orders: %w", err)
	}

	var errs error
	parked := 0
	for _, order := range rows {
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			ok, err := j.orders.WithTx(tx).ParkStalled(ctx, order.ID, cutoff)
			if err != nil || !ok {
				return err
			}
			parked++
			agentID := order.AgentID
			return j.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventOrderRetryScheduled,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Actor:         &outbox.Actor{AgentID: &agentID, Source: "cron"},
				Data: payloads.OrderRetryScheduledEvent{
					OrderID:    order.ID,
					AgentID:    order.AgentID,
					Supplier:   order.Supplier,
					Reason:     ReasonStalled,
					RetryCount: order.RetryCount,
				},
			})
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("park order %s: %w", order.ID, err))
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff": cutoff,
		"found":  len(rows),
		"parked": parked,
		"failed": len(multierr.Errors(errs)),
	}), "stalled order scan complete")
	return errs
}
