// internal/service/order/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"minimall/internal/pkg/apperr"
	"minimall/internal/service/order/domain"
)

const mysqlDuplicateEntry = 1062

// OrderModel 是订单表的数据库模型。订单行以 JSON 内嵌，
// 订单创建后行项不再变化，没有单独建表的必要。
type OrderModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	UserID         string `gorm:"size:64;not null;index"`
	Items          string `gorm:"type:json;not null"`
	UserCouponID   string `gorm:"size:64"`
	TotalAmount    int64  `gorm:"not null"`
	DiscountAmount int64  `gorm:"not null"`
	FinalAmount    int64  `gorm:"not null"`
	Status         string `gorm:"size:16;not null;index"`
	FailureReason  string `gorm:"size:512"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (OrderModel) TableName() string { return "orders" }

type itemRecord struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// GormOrderRepository 是 OrderRepository 的 GORM 实现。
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "order %s not found", id)
		}
		return nil, err
	}
	return toDomainOrder(&model)
}

func (r *GormOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	model, err := toOrderModel(order)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return apperr.Wrap(err, apperr.CodeConflict, "order %s already exists", order.ID)
		}
		return err
	}
	return nil
}

func (r *GormOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	model, err := toOrderModel(order)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(model).Error
}

func toOrderModel(o *domain.Order) (*OrderModel, error) {
	records := make([]itemRecord, 0, len(o.Items))
	for _, item := range o.Items {
		records = append(records, itemRecord{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	encoded, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	return &OrderModel{
		ID:             o.ID,
		UserID:         o.UserID,
		Items:          string(encoded),
		UserCouponID:   o.UserCouponID,
		TotalAmount:    o.TotalAmount,
		DiscountAmount: o.DiscountAmount,
		FinalAmount:    o.FinalAmount,
		Status:         string(o.Status),
		FailureReason:  o.FailureReason,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}, nil
}

func toDomainOrder(m *OrderModel) (*domain.Order, error) {
	var records []itemRecord
	if err := json.Unmarshal([]byte(m.Items), &records); err != nil {
		return nil, err
	}
	items := make([]domain.OrderItem, 0, len(records))
	for _, rec := range records {
		items = append(items, domain.OrderItem{ProductID: rec.ProductID, Quantity: rec.Quantity, UnitPrice: rec.UnitPrice})
	}
	return &domain.Order{
		ID:             m.ID,
		UserID:         m.UserID,
		Items:          items,
		UserCouponID:   m.UserCouponID,
		TotalAmount:    m.TotalAmount,
		DiscountAmount: m.DiscountAmount,
		FinalAmount:    m.FinalAmount,
		Status:         domain.OrderStatus(m.Status),
		FailureReason:  m.FailureReason,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}
