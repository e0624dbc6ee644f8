// internal/service/product/domain/reservation.go
package domain

import "time"

// ReservationStatus 是库存预占记录的状态。
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED" // 已预占
	ReservationReleased ReservationStatus = "RELEASED" // 已归还（补偿完成）
)

// StockReservation 记录一笔订单对一个商品的库存预占。
// (orderID, productID) 唯一，它就是库存步骤的幂等标记：
// 重复投递的 OrderCreated 撞到已存在的记录时直接短路重发上次结果。
type StockReservation struct {
	ID        uint64
	OrderID   string
	ProductID string
	Quantity  int64
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewStockReservation 创建一条预占记录。
func NewStockReservation(orderID, productID string, quantity int64) *StockReservation {
	now := time.Now()
	return &StockReservation{
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		Status:    ReservationReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Release 归还预占。已归还的记录保持不变（补偿可重复执行）。
func (r *StockReservation) Release() bool {
	if r.Status == ReservationReleased {
		return false
	}
	r.Status = ReservationReleased
	r.UpdatedAt = time.Now()
	return true
}
