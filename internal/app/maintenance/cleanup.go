package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/unlockd/internal/kv"
	"github.com/charlesng35/unlockd/internal/monitoring"
	"github.com/charlesng35/unlockd/pkg/logger"
	"github.com/charlesng35/unlockd/pkg/metrics"
)

const (
	// JobPurgeExpired is the job name reported to the tracker.
	JobPurgeExpired = "purge_expired"

	defaultCleanupSpec = "@every 15m"
	defaultRunTimeout  = 2 * time.Minute
)

// Target is one store whose expired entries the cleaner removes.
type Target struct {
	Name    string
	Backend string
	Purger  kv.Purger
}

// Cleaner periodically purges expired entries from stores that have no
// native expiry.
type Cleaner struct {
	targets  []Target
	tracker  *monitoring.JobTracker
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
	schedule string
	timeout  time.Duration
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron specification of the purge job.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec = strings.TrimSpace(spec); spec != "" {
			cleaner.schedule = spec
		}
	}
}

// WithTracker records every run for the maintenance health probe.
func WithTracker(tracker *monitoring.JobTracker) Option {
	return func(cleaner *Cleaner) {
		cleaner.tracker = tracker
	}
}

// WithRunTimeout bounds a single scheduled run.
func WithRunTimeout(timeout time.Duration) Option {
	return func(cleaner *Cleaner) {
		if timeout > 0 {
			cleaner.timeout = timeout
		}
	}
}

// NewCleaner constructs a Cleaner. Targets with a nil purger are ignored.
func NewCleaner(targets []Target, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		now:      time.Now,
		schedule: defaultCleanupSpec,
		timeout:  defaultRunTimeout,
		log:      logger.WithModule("maintenance"),
	}
	for _, target := range targets {
		if target.Purger != nil {
			cleaner.targets = append(cleaner.targets, target)
		}
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cleaner
}

// Enabled reports whether any target needs purging.
func (c *Cleaner) Enabled() bool {
	return len(c.targets) > 0
}

// Start registers the purge job and launches the scheduler when there is work to do.
func (c *Cleaner) Start() error {
	if !c.Enabled() {
		return nil
	}

	if c.tracker != nil {
		c.tracker.Register(JobPurgeExpired)
	}

	if _, err := c.cron.AddFunc(c.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.RunOnce(ctx); err != nil {
			c.log.Warn("expired entry purge failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("maintenance: schedule %q: %w", c.schedule, err)
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce purges every target. A failing target does not stop the others;
// all failures are returned together.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	now := c.now()

	var (
		errs  error
		total int64
	)
	for _, target := range c.targets {
		purged, err := target.Purger.PurgeExpired(ctx, now)
		if purged > 0 {
			metrics.ExpiredPurged.WithLabelValues(target.Backend).Add(float64(purged))
			total += purged
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("purge %s: %w", target.Name, err))
		}
	}

	result, message := "success", ""
	if errs != nil {
		result, message = "failure", errs.Error()
	}
	if c.tracker != nil {
		c.tracker.Record(JobPurgeExpired, result, message, time.Since(start))
	}

	if total > 0 {
		c.log.Info("expired entries purged", zap.Int64("count", total))
	}
	return errs
}
