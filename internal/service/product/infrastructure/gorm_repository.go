// internal/service/product/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/gormtx"
	"minimall/internal/service/product/domain"
)

const mysqlDuplicateEntry = 1062

// ProductModel 是商品表的数据库模型。
type ProductModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255;not null"`
	UnitPrice int64  `gorm:"not null"`
	Stock     int64  `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProductModel) TableName() string { return "products" }

// ReservationModel 是库存预占表的数据库模型。
// (order_id, product_id) 唯一索引是幂等性的最后一道闸。
type ReservationModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	OrderID   string `gorm:"size:64;not null;uniqueIndex:uk_order_product,priority:1"`
	ProductID string `gorm:"size:64;not null;uniqueIndex:uk_order_product,priority:2"`
	Quantity  int64  `gorm:"not null"`
	Status    string `gorm:"size:16;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ReservationModel) TableName() string { return "stock_reservations" }

// GormProductRepository 是 ProductRepository 的 GORM 实现。
type GormProductRepository struct {
	db *gorm.DB
}

func NewGormProductRepository(db *gorm.DB) *GormProductRepository {
	return &GormProductRepository{db: db}
}

func (r *GormProductRepository) FindByID(ctx context.Context, id string) (*domain.Product, error) {
	var model ProductModel
	if err := gormtx.DB(ctx, r.db).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "product %s not found", id)
		}
		return nil, err
	}
	return toDomainProduct(&model), nil
}

func (r *GormProductRepository) Save(ctx context.Context, product *domain.Product) error {
	return gormtx.DB(ctx, r.db).Save(toProductModel(product)).Error
}

// GormReservationRepository 是 ReservationRepository 的 GORM 实现。
type GormReservationRepository struct {
	db *gorm.DB
}

func NewGormReservationRepository(db *gorm.DB) *GormReservationRepository {
	return &GormReservationRepository{db: db}
}

func (r *GormReservationRepository) FindByOrder(ctx context.Context, orderID string) ([]*domain.StockReservation, error) {
	var models []ReservationModel
	if err := gormtx.DB(ctx, r.db).Where("order_id = ?", orderID).Find(&models).Error; err != nil {
		return nil, err
	}
	reservations := make([]*domain.StockReservation, 0, len(models))
	for i := range models {
		reservations = append(reservations, toDomainReservation(&models[i]))
	}
	return reservations, nil
}

func (r *GormReservationRepository) Create(ctx context.Context, reservation *domain.StockReservation) error {
	model := toReservationModel(reservation)
	if err := gormtx.DB(ctx, r.db).Create(model).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return apperr.Wrap(err, apperr.CodeConflict, "reservation already exists for order %s product %s",
				reservation.OrderID, reservation.ProductID)
		}
		return err
	}
	reservation.ID = model.ID
	return nil
}

func (r *GormReservationRepository) Save(ctx context.Context, reservation *domain.StockReservation) error {
	return gormtx.DB(ctx, r.db).Save(toReservationModel(reservation)).Error
}

// GormSalesSource 从预占记录表聚合排行榜数据。
type GormSalesSource struct {
	db *gorm.DB
}

func NewGormSalesSource(db *gorm.DB) *GormSalesSource {
	return &GormSalesSource{db: db}
}

func (s *GormSalesSource) TopReserved(ctx context.Context, since time.Time, limit int) ([]domain.ProductSales, error) {
	var sales []domain.ProductSales
	err := s.db.WithContext(ctx).Model(&ReservationModel{}).
		Select("product_id, SUM(quantity) AS quantity").
		Where("created_at >= ? AND status = ?", since, string(domain.ReservationReserved)).
		Group("product_id").
		Order("quantity DESC").
		Limit(limit).
		Scan(&sales).Error
	return sales, err
}

func toDomainProduct(m *ProductModel) *domain.Product {
	return &domain.Product{
		ID: m.ID, Name: m.Name, UnitPrice: m.UnitPrice, Stock: m.Stock,
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

func toProductModel(p *domain.Product) *ProductModel {
	return &ProductModel{
		ID: p.ID, Name: p.Name, UnitPrice: p.UnitPrice, Stock: p.Stock,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

func toDomainReservation(m *ReservationModel) *domain.StockReservation {
	return &domain.StockReservation{
		ID: m.ID, OrderID: m.OrderID, ProductID: m.ProductID,
		Quantity: m.Quantity, Status: domain.ReservationStatus(m.Status),
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

func toReservationModel(r *domain.StockReservation) *ReservationModel {
	return &ReservationModel{
		ID: r.ID, OrderID: r.OrderID, ProductID: r.ProductID,
		Quantity: r.Quantity, Status: string(r.Status),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}
