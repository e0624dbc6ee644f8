// internal/outbox/outbox.go
package outbox

import (
	"context"
	"time"
)

// Status 是 outbox 记录的生命周期状态。
type Status string

const (
	StatusPending   Status = "PENDING"   // 已落库，等待首次投递
	StatusFailed    Status = "FAILED"    // 投递或处理失败，等待重试
	StatusPublished Status = "PUBLISHED" // 已成功投递
	StatusExhausted Status = "EXHAUSTED" // 重试次数用尽，留待人工处理
)

// Record 是一条待投递/投递失败的事件的持久化记录。
// 同一张表同时承担 outbox（发布侧）和死信（消费侧）两个职责，
// 两者的重试语义完全一致：把事件重新发回它的主题。
type Record struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Topic       string `gorm:"size:128;not null"`
	OrderID     string `gorm:"size:64;index;not null"`
	Payload     []byte `gorm:"type:longblob;not null"`
	Status      Status `gorm:"size:16;not null;index:idx_outbox_due,priority:1"`
	Attempts    int    `gorm:"not null;default:0"`
	NextRetryAt time.Time `gorm:"index:idx_outbox_due,priority:2"`
	LastError   string    `gorm:"size:1024"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName 指定表名。
func (Record) TableName() string { return "event_outbox" }

// Repository 是 outbox 表的持久化契约。
type Repository interface {
	Add(ctx context.Context, rec *Record) error
	// DueForRetry 返回 next_retry_at 已到的 PENDING/FAILED 记录，按创建时间排序。
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, id uint64) error
	MarkFailed(ctx context.Context, id uint64, attempts int, nextRetryAt time.Time, lastError string) error
	MarkExhausted(ctx context.Context, id uint64, lastError string) error
}

// Backoff 计算第 attempt 次失败后的下一次重试时刻：
// base * multiplier^attempt，调用方用 maxAttempts 封顶。
func Backoff(base time.Duration, multiplier float64, attempt int) time.Duration {
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= multiplier
	}
	return time.Duration(d)
}
