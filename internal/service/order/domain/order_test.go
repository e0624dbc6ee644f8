package domain

import (
	"testing"

	"minimall/internal/pkg/apperr"
)

func TestNewOrderClampsDiscountAtTotal(t *testing.T) {
	// 总价 50000，折扣 60000：折扣封顶，实付 0
	order, err := NewOrder("o1", "u1", []OrderItem{{ProductID: "p1", Quantity: 1, UnitPrice: 50000}}, "1", 60000)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if order.DiscountAmount != 50000 {
		t.Fatalf("discountAmount = %d, want 50000", order.DiscountAmount)
	}
	if order.FinalAmount != 0 {
		t.Fatalf("finalAmount = %d, want 0", order.FinalAmount)
	}
}

func TestNewOrderComputesFinalAmount(t *testing.T) {
	order, err := NewOrder("o1", "u1", []OrderItem{{ProductID: "p1", Quantity: 2, UnitPrice: 50000}}, "1", 15000)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if order.TotalAmount != 100000 {
		t.Fatalf("totalAmount = %d, want 100000", order.TotalAmount)
	}
	if order.FinalAmount != 85000 {
		t.Fatalf("finalAmount = %d, want 85000", order.FinalAmount)
	}
	if order.Status != StatusPending {
		t.Fatalf("status = %s, want PENDING", order.Status)
	}
}

func TestNewOrderRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name     string
		id       string
		items    []OrderItem
		discount int64
	}{
		{"missing id", "", []OrderItem{{ProductID: "p1", Quantity: 1, UnitPrice: 100}}, 0},
		{"no items", "o1", nil, 0},
		{"zero quantity", "o1", []OrderItem{{ProductID: "p1", Quantity: 0, UnitPrice: 100}}, 0},
		{"negative discount", "o1", []OrderItem{{ProductID: "p1", Quantity: 1, UnitPrice: 100}}, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewOrder(tc.id, "u1", tc.items, "", tc.discount); apperr.CodeOf(err) != apperr.CodeInvalidArgument {
				t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
			}
		})
	}
}

func TestTerminalStatusesDoNotFlip(t *testing.T) {
	order, err := NewOrder("o1", "u1", []OrderItem{{ProductID: "p1", Quantity: 1, UnitPrice: 100}}, "", 0)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}

	if err := order.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := order.Complete(); err != nil {
		t.Fatalf("repeated Complete must be a no-op: %v", err)
	}
	if err := order.Fail("late failure"); apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("Fail on completed order err = %v, want CONFLICT", err)
	}

	failed, err := NewOrder("o2", "u1", []OrderItem{{ProductID: "p1", Quantity: 1, UnitPrice: 100}}, "", 0)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := failed.Fail("insufficient stock"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := failed.Fail("again"); err != nil {
		t.Fatalf("repeated Fail must be a no-op: %v", err)
	}
	if failed.FailureReason != "insufficient stock" {
		t.Fatalf("failureReason = %q, want the first reason kept", failed.FailureReason)
	}
	if err := failed.Complete(); apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("Complete on failed order err = %v, want CONFLICT", err)
	}
}
