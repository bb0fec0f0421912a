package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const reaperLeaseID = 1

// AcquireLease takes or renews the single reaper lease. It returns true when
// the caller holds the lease afterwards. A live lease held by someone else
// leaves the row untouched and returns false.
func (s *Store) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		now, err := Now(tx)
		if err != nil {
			return err
		}

		lease := &ReaperLease{}
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(lease, "id = ?", reaperLeaseID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			acquired = true
			return tx.Create(&ReaperLease{
				ID:        reaperLeaseID,
				Holder:    holder,
				ExpiresAt: now.Add(ttl),
			}).Error
		case err != nil:
			return err
		}

		if lease.Holder != holder && lease.ExpiresAt.After(now) {
			return nil
		}

		acquired = true
		return tx.Model(lease).Updates(map[string]interface{}{
			"holder":     holder,
			"expires_at": now.Add(ttl),
		}).Error
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLease gives the lease up early so the next reaper does not have to
// wait out the TTL. Releasing a lease someone else holds is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, holder string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Where("id = ? AND holder = ?", reaperLeaseID, holder).
			Delete(&ReaperLease{}).Error
	})
}
