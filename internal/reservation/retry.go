package reservation

import (
	"context"
	"errors"
	"time"

	"exposehub/reservation-service/internal/metrics"
	"exposehub/reservation-service/internal/store"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// inProperty runs fn inside the property's atomic unit, retrying it from
// scratch when the store reports a concurrent modification. Any other error
// ends the attempt immediately.
func (s *Service) inProperty(ctx context.Context, operation, tenantID, propertyID string, fn func(ctx context.Context, tx store.PropertyTx) error) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			metrics.ConflictRetriesTotal.WithLabelValues(operation).Inc()
			s.logger.Debug("retrying property transaction",
				zap.String("operation", operation),
				zap.String("property_id", propertyID),
				zap.Int("attempt", attempt),
			)
		}
		err := s.store.WithinProperty(ctx, tenantID, propertyID, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, store.ErrConcurrentModification) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.maxRetries+1)),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
