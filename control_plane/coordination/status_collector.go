package coordination

import (
	"context"
	"log/slog"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
)

const collectPageSize = 500

// StatusCollector exports fleet gauges: targets per aggregate update status
// and targets that stopped polling. Run it on one replica only.
type StatusCollector struct {
	store        store.Store
	interval     time.Duration
	overdueAfter time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewStatusCollector builds a collector. overdueAfter <= 0 disables the
// overdue gauge.
func NewStatusCollector(s store.Store, interval, overdueAfter time.Duration, logger *slog.Logger) *StatusCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatusCollector{
		store:        s,
		interval:     interval,
		overdueAfter: overdueAfter,
		logger:       logger.With("component", "status_collector"),
		now:          time.Now,
	}
}

// Run collects immediately and then on every tick until ctx is done. The
// gauges are cleared on return so a follower does not export stale values.
func (c *StatusCollector) Run(ctx context.Context) error {
	c.logger.Info("starting", "interval", c.interval, "overdue_after", c.overdueAfter)
	defer func() {
		observability.TargetsByUpdateStatus.Reset()
		observability.TargetsOverdue.Reset()
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.Collect(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("collect failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Collect refreshes the gauges once.
func (c *StatusCollector) Collect(ctx context.Context) error {
	tenants, err := c.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		counts, err := c.store.CountTargetsByUpdateStatus(ctx, tenant)
		if err != nil {
			return err
		}
		for status, n := range counts {
			observability.TargetsByUpdateStatus.WithLabelValues(tenant, string(status)).Set(float64(n))
		}

		if c.overdueAfter <= 0 {
			continue
		}
		overdue, err := c.countOverdue(ctx, tenant)
		if err != nil {
			return err
		}
		observability.TargetsOverdue.WithLabelValues(tenant).Set(float64(overdue))
	}
	return nil
}

// countOverdue counts targets that polled at least once but not within
// overdueAfter.
func (c *StatusCollector) countOverdue(ctx context.Context, tenant string) (int, error) {
	cutoff := c.now().Add(-c.overdueAfter)
	overdue := 0
	for offset := 0; ; offset += collectPageSize {
		page, err := c.store.ListTargets(ctx, tenant, offset, collectPageSize)
		if err != nil {
			return 0, err
		}
		for _, t := range page {
			if t.LastSeenAt != nil && t.LastSeenAt.Before(cutoff) {
				overdue++
			}
		}
		if len(page) < collectPageSize {
			return overdue, nil
		}
	}
}
