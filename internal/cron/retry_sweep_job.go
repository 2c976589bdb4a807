package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/esimhub-backend/internal/fulfillment"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

type retrySweeper interface {
	RetrySweep(ctx context.Context) (*fulfillment.SweepResult, error)
}

// NewRetrySweepJob re-attempts orders parked after a busy supplier response.
func NewRetrySweepJob(logg *logger.Logger, sweeper retrySweeper) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if sweeper == nil {
		return nil, fmt.Errorf("retry sweeper required")
	}
	return &retrySweepJob{logg: logg, sweeper: sweeper}, nil
}

type retrySweepJob struct {
	logg    *logger.Logger
	sweeper retrySweeper
}

func (j *retrySweepJob) Name() string { return "provider-retry-sweep" }

func (j *retrySweepJob) Run(ctx context.Context) error {
	result, err := j.sweeper.RetrySweep(ctx)
	if result != nil {
		outcomes := map[string]int{}
		for _, item := range result.Results {
			outcomes[item.Outcome]++
		}
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"processed": result.Processed,
			"outcomes":  outcomes,
		}), "provider retry sweep complete")
	}
	return err
}
