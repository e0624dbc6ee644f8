// internal/service/promotion/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/gormtx"
	"minimall/internal/service/promotion/domain"
)

const mysqlDuplicateEntry = 1062

// CouponModel 是优惠券模板表的数据库模型。
type CouponModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	Name           string `gorm:"size:255;not null"`
	TotalQuantity  int64  `gorm:"not null"`
	IssuedQuantity int64  `gorm:"not null;default:0"`
	DiscountAmount int64  `gorm:"not null"`
	ValidFrom      time.Time
	ValidUntil     time.Time
	Rule           string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (CouponModel) TableName() string { return "coupons" }

// UserCouponModel 是用户券表的数据库模型。
// (user_id, coupon_id) 唯一索引保证一人一券。
type UserCouponModel struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	UserID         string `gorm:"size:64;not null;uniqueIndex:uk_user_coupon,priority:1"`
	CouponID       string `gorm:"size:64;not null;uniqueIndex:uk_user_coupon,priority:2"`
	DiscountAmount int64  `gorm:"not null"`
	Status         string `gorm:"size:16;not null"`
	OrderID        string `gorm:"size:64;index"`
	IssuedAt       time.Time
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}

func (UserCouponModel) TableName() string { return "user_coupons" }

// IssueFailureModel 是发放失败记录表，留作人工巡检。
type IssueFailureModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	CouponID  string `gorm:"size:64;not null;index"`
	UserID    string `gorm:"size:64;not null"`
	Reason    string `gorm:"size:64;not null"`
	CreatedAt time.Time
}

func (IssueFailureModel) TableName() string { return "coupon_issue_failures" }

// GormCouponRepository 是 CouponRepository 的 GORM 实现。
type GormCouponRepository struct {
	db *gorm.DB
}

func NewGormCouponRepository(db *gorm.DB) *GormCouponRepository {
	return &GormCouponRepository{db: db}
}

func (r *GormCouponRepository) FindByID(ctx context.Context, id string) (*domain.Coupon, error) {
	var model CouponModel
	if err := gormtx.DB(ctx, r.db).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "coupon %s not found", id)
		}
		return nil, err
	}
	return toDomainCoupon(&model), nil
}

func (r *GormCouponRepository) Save(ctx context.Context, coupon *domain.Coupon) error {
	return gormtx.DB(ctx, r.db).Save(toCouponModel(coupon)).Error
}

func (r *GormCouponRepository) ListActive(ctx context.Context) ([]*domain.Coupon, error) {
	now := time.Now()
	var models []CouponModel
	err := gormtx.DB(ctx, r.db).
		Where("valid_from <= ? AND valid_until >= ?", now, now).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	coupons := make([]*domain.Coupon, 0, len(models))
	for i := range models {
		coupons = append(coupons, toDomainCoupon(&models[i]))
	}
	return coupons, nil
}

// GormUserCouponRepository 是 UserCouponRepository 的 GORM 实现。
type GormUserCouponRepository struct {
	db *gorm.DB
}

func NewGormUserCouponRepository(db *gorm.DB) *GormUserCouponRepository {
	return &GormUserCouponRepository{db: db}
}

func (r *GormUserCouponRepository) FindByUserAndCoupon(ctx context.Context, userID, couponID string) (*domain.UserCoupon, error) {
	var model UserCouponModel
	err := gormtx.DB(ctx, r.db).Where("user_id = ? AND coupon_id = ?", userID, couponID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "user %s holds no coupon %s", userID, couponID)
		}
		return nil, err
	}
	return toDomainUserCoupon(&model), nil
}

func (r *GormUserCouponRepository) FindByID(ctx context.Context, id uint64) (*domain.UserCoupon, error) {
	var model UserCouponModel
	if err := gormtx.DB(ctx, r.db).First(&model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "user coupon %d not found", id)
		}
		return nil, err
	}
	return toDomainUserCoupon(&model), nil
}

func (r *GormUserCouponRepository) FindByOrder(ctx context.Context, orderID string) (*domain.UserCoupon, error) {
	var model UserCouponModel
	if err := gormtx.DB(ctx, r.db).Where("order_id = ?", orderID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "no user coupon attached to order %s", orderID)
		}
		return nil, err
	}
	return toDomainUserCoupon(&model), nil
}

func (r *GormUserCouponRepository) Create(ctx context.Context, userCoupon *domain.UserCoupon) error {
	model := toUserCouponModel(userCoupon)
	if err := gormtx.DB(ctx, r.db).Create(model).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return apperr.Wrap(err, apperr.CodeConflict, "user %s already holds coupon %s",
				userCoupon.UserID, userCoupon.CouponID)
		}
		return err
	}
	userCoupon.ID = model.ID
	return nil
}

func (r *GormUserCouponRepository) Save(ctx context.Context, userCoupon *domain.UserCoupon) error {
	return gormtx.DB(ctx, r.db).Save(toUserCouponModel(userCoupon)).Error
}

func (r *GormUserCouponRepository) ListByUser(ctx context.Context, userID string) ([]*domain.UserCoupon, error) {
	var models []UserCouponModel
	err := gormtx.DB(ctx, r.db).Where("user_id = ?", userID).Order("issued_at DESC").Find(&models).Error
	if err != nil {
		return nil, err
	}
	coupons := make([]*domain.UserCoupon, 0, len(models))
	for i := range models {
		coupons = append(coupons, toDomainUserCoupon(&models[i]))
	}
	return coupons, nil
}

// GormFailureLog 把发放失败记录落到 MySQL。
type GormFailureLog struct {
	db *gorm.DB
}

func NewGormFailureLog(db *gorm.DB) *GormFailureLog {
	return &GormFailureLog{db: db}
}

func (l *GormFailureLog) Record(ctx context.Context, failure domain.IssueFailure) error {
	return gormtx.DB(ctx, l.db).Create(&IssueFailureModel{
		CouponID: failure.CouponID,
		UserID:   failure.UserID,
		Reason:   failure.Reason,
	}).Error
}

func toDomainCoupon(m *CouponModel) *domain.Coupon {
	return &domain.Coupon{
		ID: m.ID, Name: m.Name,
		TotalQuantity: m.TotalQuantity, IssuedQuantity: m.IssuedQuantity,
		DiscountAmount: m.DiscountAmount,
		ValidFrom:      m.ValidFrom, ValidUntil: m.ValidUntil,
		Rule:      m.Rule,
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

func toCouponModel(c *domain.Coupon) *CouponModel {
	return &CouponModel{
		ID: c.ID, Name: c.Name,
		TotalQuantity: c.TotalQuantity, IssuedQuantity: c.IssuedQuantity,
		DiscountAmount: c.DiscountAmount,
		ValidFrom:      c.ValidFrom, ValidUntil: c.ValidUntil,
		Rule:      c.Rule,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func toDomainUserCoupon(m *UserCouponModel) *domain.UserCoupon {
	return &domain.UserCoupon{
		ID: m.ID, UserID: m.UserID, CouponID: m.CouponID,
		DiscountAmount: m.DiscountAmount,
		Status:         domain.UserCouponStatus(m.Status),
		OrderID:        m.OrderID,
		IssuedAt:       m.IssuedAt, ExpiresAt: m.ExpiresAt, UpdatedAt: m.UpdatedAt,
	}
}

func toUserCouponModel(uc *domain.UserCoupon) *UserCouponModel {
	return &UserCouponModel{
		ID: uc.ID, UserID: uc.UserID, CouponID: uc.CouponID,
		DiscountAmount: uc.DiscountAmount,
		Status:         string(uc.Status),
		OrderID:        uc.OrderID,
		IssuedAt:       uc.IssuedAt, ExpiresAt: uc.ExpiresAt, UpdatedAt: uc.UpdatedAt,
	}
}
