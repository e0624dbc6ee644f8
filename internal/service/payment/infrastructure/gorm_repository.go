// internal/service/payment/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/gormtx"
	"minimall/internal/service/payment/domain"
)

const mysqlDuplicateEntry = 1062

// PointModel 是积分账户表的数据库模型。
type PointModel struct {
	UserID    string `gorm:"primaryKey;size:64"`
	Balance   int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PointModel) TableName() string { return "points" }

// PointTransactionModel 是积分流水表。只插入，没有更新路径。
// (order_id, kind) 唯一索引是支付幂等性的最后一道闸；
// 充值流水不关联订单，order_id 存 NULL 以避开唯一索引。
type PointTransactionModel struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement"`
	UserID    string  `gorm:"size:64;not null;index"`
	OrderID   *string `gorm:"size:64;uniqueIndex:uk_order_kind,priority:1"`
	Kind      string  `gorm:"size:16;not null;uniqueIndex:uk_order_kind,priority:2"`
	Amount    int64   `gorm:"not null"`
	CreatedAt time.Time
}

func (PointTransactionModel) TableName() string { return "point_transactions" }

// GormPointRepository 是 PointRepository 的 GORM 实现。
type GormPointRepository struct {
	db *gorm.DB
}

func NewGormPointRepository(db *gorm.DB) *GormPointRepository {
	return &GormPointRepository{db: db}
}

func (r *GormPointRepository) FindByUser(ctx context.Context, userID string) (*domain.Point, error) {
	var model PointModel
	if err := gormtx.DB(ctx, r.db).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "point account for user %s not found", userID)
		}
		return nil, err
	}
	return &domain.Point{
		UserID: model.UserID, Balance: model.Balance,
		CreatedAt: model.CreatedAt, UpdatedAt: model.UpdatedAt,
	}, nil
}

func (r *GormPointRepository) Save(ctx context.Context, point *domain.Point) error {
	return gormtx.DB(ctx, r.db).Save(&PointModel{
		UserID: point.UserID, Balance: point.Balance,
		CreatedAt: point.CreatedAt, UpdatedAt: point.UpdatedAt,
	}).Error
}

// GormLedgerRepository 是 LedgerRepository 的 GORM 实现。
type GormLedgerRepository struct {
	db *gorm.DB
}

func NewGormLedgerRepository(db *gorm.DB) *GormLedgerRepository {
	return &GormLedgerRepository{db: db}
}

func (r *GormLedgerRepository) Append(ctx context.Context, txn *domain.PointTransaction) error {
	model := &PointTransactionModel{
		UserID: txn.UserID,
		Kind:   string(txn.Kind),
		Amount: txn.Amount,
	}
	if txn.OrderID != "" {
		model.OrderID = &txn.OrderID
	}
	if err := gormtx.DB(ctx, r.db).Create(model).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return apperr.Wrap(err, apperr.CodeConflict, "%s transaction for order %s already recorded",
				txn.Kind, txn.OrderID)
		}
		return err
	}
	txn.ID = model.ID
	txn.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormLedgerRepository) FindByOrderAndKind(ctx context.Context, orderID string, kind domain.TransactionKind) (*domain.PointTransaction, error) {
	var model PointTransactionModel
	err := gormtx.DB(ctx, r.db).Where("order_id = ? AND kind = ?", orderID, string(kind)).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "no %s transaction for order %s", kind, orderID)
		}
		return nil, err
	}
	return toDomainTransaction(&model), nil
}

func (r *GormLedgerRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.PointTransaction, error) {
	var models []PointTransactionModel
	err := gormtx.DB(ctx, r.db).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	txns := make([]*domain.PointTransaction, 0, len(models))
	for i := range models {
		txns = append(txns, toDomainTransaction(&models[i]))
	}
	return txns, nil
}

func toDomainTransaction(m *PointTransactionModel) *domain.PointTransaction {
	txn := &domain.PointTransaction{
		ID:        m.ID,
		UserID:    m.UserID,
		Kind:      domain.TransactionKind(m.Kind),
		Amount:    m.Amount,
		CreatedAt: m.CreatedAt,
	}
	if m.OrderID != nil {
		txn.OrderID = *m.OrderID
	}
	return txn
}
