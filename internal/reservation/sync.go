package reservation

import (
	"context"
	"fmt"
	"time"

	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/store"
)

type PropertyMutator interface {
	SetStatus(ctx context.Context, tx store.PropertyTx, propertyID string, status models.Status) error
}

// Synchronizer mirrors the active reservation's status onto the property row
// held by the transaction.
type Synchronizer struct {
	Clock func() time.Time
}

func (s Synchronizer) SetStatus(ctx context.Context, tx store.PropertyTx, propertyID string, status models.Status) error {
	property := tx.Property()
	if property.PropertyID != propertyID {
		return fmt.Errorf("property %s is not locked by this transaction", propertyID)
	}
	if property.Status == status {
		return nil
	}
	now := time.Now().UTC()
	if s.Clock != nil {
		now = s.Clock()
	}
	return tx.SetPropertyStatus(ctx, status, now)
}
