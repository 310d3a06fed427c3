package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ClickAnonymizer strips personal data from old clicks.
type ClickAnonymizer interface {
	AnonymizeClicks(ctx context.Context, before time.Time, now time.Time) (int64, error)
}

// RetentionConfig controls the click retention job.
type RetentionConfig struct {
	Schedule       string
	AnonymizeAfter time.Duration
	Timeout        time.Duration
}

// CronManager manages scheduled jobs.
type CronManager struct {
	cron   *cron.Cron
	clicks ClickAnonymizer
	cfg    RetentionConfig
	log    *zap.Logger
	now    func() time.Time
}

func NewCronManager(clicks ClickAnonymizer, cfg RetentionConfig, log *zap.Logger) *CronManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &CronManager{
		cron:   cron.New(),
		clicks: clicks,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// SetupJobs registers the scheduled jobs. A zero AnonymizeAfter disables
// retention.
func (cm *CronManager) SetupJobs() error {
	if cm.cfg.AnonymizeAfter <= 0 {
		cm.log.Info("click retention disabled")
		return nil
	}

	if _, err := cm.cron.AddFunc(cm.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cm.cfg.Timeout)
		defer cancel()
		if _, err := cm.RunRetention(ctx); err != nil {
			cm.log.Error("click retention job failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", cm.cfg.Schedule, err)
	}

	cm.log.Info("scheduled click retention",
		zap.String("schedule", cm.cfg.Schedule),
		zap.Duration("anonymize_after", cm.cfg.AnonymizeAfter))
	return nil
}

// RunRetention anonymizes every click older than AnonymizeAfter.
func (cm *CronManager) RunRetention(ctx context.Context) (int64, error) {
	now := cm.now().UTC()
	before := now.Add(-cm.cfg.AnonymizeAfter)

	n, err := cm.clicks.AnonymizeClicks(ctx, before, now)
	if err != nil {
		return 0, err
	}
	cm.log.Info("click retention completed", zap.Time("before", before), zap.Int64("anonymized", n))
	return n, nil
}

func (cm *CronManager) Start() {
	cm.cron.Start()
}

// Stop waits for running jobs up to ctx's deadline.
func (cm *CronManager) Stop(ctx context.Context) {
	select {
	case <-cm.cron.Stop().Done():
	case <-ctx.Done():
		cm.log.Warn("cron jobs still running at shutdown")
	}
}
