package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/esimhub-backend/internal/reconciliation"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

type statusSweeper interface {
	Sweep(ctx context.Context, supplier enums.Supplier, limit int) (*reconciliation.SweepResult, error)
}

type StatusSyncJobParams struct {
	Logger   *logger.Logger
	Sweeper  statusSweeper
	Supplier enums.Supplier
	Limit    int
}

// NewStatusSyncJob polls one supplier for the status of completed orders.
func NewStatusSyncJob(params StatusSyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("status sweeper required")
	}
	if !params.Supplier.IsValid() {
		return nil, fmt.Errorf("unknown supplier %q", params.Supplier)
	}
	return &statusSyncJob{
		logg:     params.Logger,
		sweeper:  params.Sweeper,
		supplier: params.Supplier,
		limit:    params.Limit,
	}, nil
}

type statusSyncJob struct {
	logg     *logger.Logger
	sweeper  statusSweeper
	supplier enums.Supplier
	limit    int
}

func (j *statusSyncJob) Name() string { return "status-sync-" + string(j.supplier) }

// Run reports per-order failures as the job error after the batch finished.
func (j *statusSyncJob) Run(ctx context.Context) error {
	result, err := j.sweeper.Sweep(ctx, j.supplier, j.limit)
	if result != nil {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"supplier": string(result.Supplier),
			"checked":  result.Checked,
			"changed":  result.Changed,
			"failed":   result.Failed,
		}), "status sync batch complete")
	}
	if err != nil {
		return fmt.Errorf("status sync %s: %w", j.supplier, err)
	}
	return nil
}
