package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/rotor/internal/engine"
	"github.com/wonny/rotor/pkg/logger"
)

// CycleJob runs one trading cycle on a fixed interval.
type CycleJob struct {
	orchestrator *engine.Orchestrator
	interval     time.Duration
	logger       *logger.Logger
}

// NewCycleJob wraps the orchestrator as a scheduled job.
func NewCycleJob(orch *engine.Orchestrator, interval time.Duration, log *logger.Logger) *CycleJob {
	return &CycleJob{
		orchestrator: orch,
		interval:     interval,
		logger:       log,
	}
}

func (j *CycleJob) Name() string {
	return "trading_cycle"
}

func (j *CycleJob) Schedule() string {
	return fmt.Sprintf("@every %s", j.interval)
}

func (j *CycleJob) Run(ctx context.Context) error {
	result, err := j.orchestrator.Cycle(ctx)
	if err != nil {
		return fmt.Errorf("trading cycle: %w", err)
	}

	j.logger.WithFields(map[string]interface{}{
		"opened":     len(result.Opened),
		"risk_exits": len(result.RiskExits),
		"weak_exits": len(result.WeakExits),
		"orders":     result.OrdersSubmitted,
	}).Info("Scheduled cycle finished")
	return nil
}
