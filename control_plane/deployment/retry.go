package deployment

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
)

// retryOnConflict runs fn until it stops failing with store.ErrConflict.
// fn must re-read everything it writes on each attempt.
func (m *Manager) retryOnConflict(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitialInterval
	b.MaxInterval = m.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.MaxConflictRetries)), ctx)
	err := backoff.Retry(func() error {
		err := fn()
		if errors.Is(err, store.ErrConflict) {
			observability.ConflictRetries.WithLabelValues(op).Inc()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
	if errors.Is(err, store.ErrConflict) {
		m.logger.Warn("conflict retries exhausted", "operation", op, "retries", m.cfg.MaxConflictRetries)
		return fmt.Errorf("%s: %w", op, ErrTransientConflict)
	}
	return err
}
