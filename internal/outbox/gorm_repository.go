// internal/outbox/gorm_repository.go
package outbox

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// GormRepository 是 Repository 的 GORM 实现。
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository 创建 outbox 仓储。
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Add(ctx context.Context, rec *Record) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *GormRepository) DueForRetry(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	var records []Record
	err := r.db.WithContext(ctx).
		Where("status IN ? AND next_retry_at <= ?", []Status{StatusPending, StatusFailed}, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *GormRepository) MarkPublished(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": StatusPublished, "last_error": ""}).Error
}

func (r *GormRepository) MarkFailed(ctx context.Context, id uint64, attempts int, nextRetryAt time.Time, lastError string) error {
	return r.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"attempts":      attempts,
			"next_retry_at": nextRetryAt,
			"last_error":    lastError,
		}).Error
}

func (r *GormRepository) MarkExhausted(ctx context.Context, id uint64, lastError string) error {
	return r.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": StatusExhausted, "last_error": lastError}).Error
}
