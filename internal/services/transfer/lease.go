package transfer

import (
	"context"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Lease is a named, expiring lock row in the framework database. Only the
// holder of a live lease runs scheduled work.
type Lease struct {
	db     *gorm.DB
	name   string
	holder string
	ttl    time.Duration
	now    func() time.Time
}

// NewLease creates a lease handle for holder
func NewLease(db *gorm.DB, name, holder string, ttl time.Duration) *Lease {
	return &Lease{
		db:     db,
		name:   name,
		holder: holder,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Acquire takes or renews the lease. It returns false while another holder's
// lease is still live.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	now := l.now()
	expires := now.Add(l.ttl)

	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.SchedulerLease{
		Name:      l.name,
		Holder:    l.holder,
		ExpiresAt: expires,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = l.db.WithContext(ctx).Model(&models.SchedulerLease{}).
		Where("name = ? AND (holder = ? OR expires_at < ?)", l.name, l.holder, now).
		Updates(map[string]interface{}{
			"holder":     l.holder,
			"expires_at": expires,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release expires the lease if this holder owns it
func (l *Lease) Release(ctx context.Context) error {
	return l.db.WithContext(ctx).Model(&models.SchedulerLease{}).
		Where("name = ? AND holder = ?", l.name, l.holder).
		Update("expires_at", l.now()).Error
}

// Holder identifies this process
func (l *Lease) Holder() string {
	return l.holder
}
