package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"minimall/internal/event"
	"minimall/internal/lock"
	"minimall/internal/pkg/apperr"
	orderdomain "minimall/internal/service/order/domain"
	paymentapp "minimall/internal/service/payment/application"
	paymentdomain "minimall/internal/service/payment/domain"
	productapp "minimall/internal/service/product/application"
	productdomain "minimall/internal/service/product/domain"
	promotionapp "minimall/internal/service/promotion/application"
	promotiondomain "minimall/internal/service/promotion/domain"
)

// sagaWorld 把四个服务的处理器接在一条内存总线上，
// 复现生产拓扑：每个处理器只订阅它直接上游的事件。
type sagaWorld struct {
	bus          *event.MemBus
	products     *fakeProducts
	reservations *fakeReservations
	userCoupons  *fakeUserCoupons
	points       *fakePoints
	ledger       *fakeLedger
	orders       *fakeOrders
}

func newSagaWorld() *sagaWorld {
	w := &sagaWorld{
		bus:          event.NewMemBus(),
		products:     &fakeProducts{items: make(map[string]*productdomain.Product)},
		reservations: &fakeReservations{byID: make(map[uint64]*productdomain.StockReservation)},
		userCoupons:  &fakeUserCoupons{byID: make(map[uint64]*promotiondomain.UserCoupon)},
		points:       &fakePoints{accounts: make(map[string]*paymentdomain.Point)},
		ledger:       &fakeLedger{},
		orders:       &fakeOrders{byID: make(map[string]*orderdomain.Order)},
	}

	tracer := noop.NewTracerProvider().Tracer("test")
	wait, lease := time.Second, time.Second

	stock := productapp.NewStockSagaHandler(w.products, w.reservations, fakeTx{}, lock.NewLocalManager(), w.bus, tracer, wait, lease)
	coupon := promotionapp.NewCouponSagaHandler(w.userCoupons, lock.NewLocalManager(), w.bus, tracer, wait, lease)
	payment := paymentapp.NewPaymentSagaHandler(w.points, w.ledger, fakeTx{}, lock.NewLocalManager(), w.bus, tracer, wait, lease)
	order := NewOrderSagaHandler(w.orders, w.bus, tracer)

	w.bus.Subscribe(event.TopicOrderCreated, stock.HandleOrderCreated)
	w.bus.Subscribe(event.TopicStockReserved, coupon.HandleStockReserved)
	w.bus.Subscribe(event.TopicStockReservationFailed, order.HandleStockReservationFailed)
	w.bus.Subscribe(event.TopicCouponReserved, payment.HandleCouponReserved)
	w.bus.Subscribe(event.TopicPaymentCompleted, order.HandlePaymentCompleted)
	w.bus.Subscribe(event.TopicPaymentCompleted, coupon.HandlePaymentCompleted)
	w.bus.Subscribe(event.TopicCouponCompensationRequired, coupon.HandleCouponCompensationRequired)
	w.bus.Subscribe(event.TopicStockCompensationRequired, stock.HandleStockCompensationRequired)
	w.bus.Subscribe(event.TopicOrderFailed, order.HandleOrderFailed)
	w.bus.Subscribe(event.TopicPaymentCompensationRequired, payment.HandlePaymentCompensationRequired)

	return w
}

func (w *sagaWorld) seedProduct(t *testing.T, id string, price, stock int64) {
	t.Helper()
	if err := w.products.Save(context.Background(), &productdomain.Product{ID: id, UnitPrice: price, Stock: stock}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
}

func (w *sagaWorld) seedPoints(t *testing.T, userID string, balance int64) {
	t.Helper()
	point := paymentdomain.NewPoint(userID, time.Now())
	if err := point.Charge(balance, time.Now()); err != nil {
		t.Fatalf("seed points: %v", err)
	}
	if err := w.points.Save(context.Background(), point); err != nil {
		t.Fatalf("seed points save: %v", err)
	}
}

func (w *sagaWorld) seedUserCoupon(t *testing.T, userID, couponID string, discount int64) uint64 {
	t.Helper()
	uc := &promotiondomain.UserCoupon{
		UserID:         userID,
		CouponID:       couponID,
		DiscountAmount: discount,
		Status:         promotiondomain.StatusUnused,
		IssuedAt:       time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	if err := w.userCoupons.Create(context.Background(), uc); err != nil {
		t.Fatalf("seed user coupon: %v", err)
	}
	return uc.ID
}

// startSaga 落一笔 PENDING 订单并发布 order.created，驱动整条链跑完。
func (w *sagaWorld) startSaga(t *testing.T, order *orderdomain.Order) error {
	t.Helper()
	if err := w.orders.Create(context.Background(), order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	items := make([]event.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, event.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	evt, err := event.New(event.TopicOrderCreated, order.ID, event.OrderCreated{
		OrderID:      order.ID,
		UserID:       order.UserID,
		Items:        items,
		UserCouponID: order.UserCouponID,
		TotalAmount:  order.TotalAmount,
		Timestamp:    time.Now(),
	})
	if err != nil {
		t.Fatalf("build order.created: %v", err)
	}
	return w.bus.Publish(context.Background(), evt)
}

func assertTopicChain(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event chain = %v, want %v", got, want)
		}
	}
}

func TestSagaCompletesOrderWithCouponAndPoints(t *testing.T) {
	w := newSagaWorld()
	w.seedProduct(t, "p1", 30000, 10)
	w.seedPoints(t, "u1", 100000)
	couponID := w.seedUserCoupon(t, "u1", "c1", 15000)

	order, err := orderdomain.NewOrder("o1", "u1",
		[]orderdomain.OrderItem{{ProductID: "p1", Quantity: 2, UnitPrice: 30000}}, "1", 15000)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := w.startSaga(t, order); err != nil {
		t.Fatalf("saga run: %v", err)
	}

	assertTopicChain(t, w.bus.TopicsSeen(), []string{
		event.TopicOrderCreated,
		event.TopicStockReserved,
		event.TopicCouponReserved,
		event.TopicPaymentCompleted,
		event.TopicOrderCompleted,
	})

	final, _ := w.orders.FindByID(context.Background(), "o1")
	if final.Status != orderdomain.StatusCompleted {
		t.Fatalf("order status = %s, want COMPLETED", final.Status)
	}
	if got := w.products.stock("p1"); got != 8 {
		t.Fatalf("stock = %d, want 8", got)
	}
	// 实付 60000 - 15000 = 45000
	if got := w.points.balance("u1"); got != 55000 {
		t.Fatalf("balance = %d, want 55000", got)
	}
	uc, _ := w.userCoupons.FindByID(context.Background(), couponID)
	if uc.Status != promotiondomain.StatusUsed {
		t.Fatalf("user coupon status = %s, want USED", uc.Status)
	}
}

func TestSagaCompensatesWhenPointsInsufficient(t *testing.T) {
	w := newSagaWorld()
	w.seedProduct(t, "p1", 30000, 10)
	w.seedPoints(t, "u1", 1000)
	couponID := w.seedUserCoupon(t, "u1", "c1", 5000)

	order, err := orderdomain.NewOrder("o2", "u1",
		[]orderdomain.OrderItem{{ProductID: "p1", Quantity: 3, UnitPrice: 30000}}, "1", 5000)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := w.startSaga(t, order); err != nil {
		t.Fatalf("saga run: %v", err)
	}

	// 补偿是严格的反向链：支付失败 → 退券 → 退库存 → 订单失败
	assertTopicChain(t, w.bus.TopicsSeen(), []string{
		event.TopicOrderCreated,
		event.TopicStockReserved,
		event.TopicCouponReserved,
		event.TopicPaymentFailed,
		event.TopicCouponCompensationRequired,
		event.TopicStockCompensationRequired,
		event.TopicOrderFailed,
	})

	final, _ := w.orders.FindByID(context.Background(), "o2")
	if final.Status != orderdomain.StatusFailed {
		t.Fatalf("order status = %s, want FAILED", final.Status)
	}
	if got := w.products.stock("p1"); got != 10 {
		t.Fatalf("stock after compensation = %d, want 10 (restored)", got)
	}
	if got := w.points.balance("u1"); got != 1000 {
		t.Fatalf("balance = %d, want untouched 1000", got)
	}
	uc, _ := w.userCoupons.FindByID(context.Background(), couponID)
	if uc.Status != promotiondomain.StatusUnused || uc.OrderID != "" {
		t.Fatalf("user coupon = %+v, want UNUSED and detached", uc)
	}
}

func TestSagaFailsTerminallyWhenStockInsufficient(t *testing.T) {
	w := newSagaWorld()
	w.seedProduct(t, "p1", 30000, 1)
	w.seedPoints(t, "u1", 100000)

	order, err := orderdomain.NewOrder("o3", "u1",
		[]orderdomain.OrderItem{{ProductID: "p1", Quantity: 5, UnitPrice: 30000}}, "", 0)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := w.startSaga(t, order); err != nil {
		t.Fatalf("saga run: %v", err)
	}

	// 第一步失败是终态：没有补偿链，直接 order.failed
	assertTopicChain(t, w.bus.TopicsSeen(), []string{
		event.TopicOrderCreated,
		event.TopicStockReservationFailed,
		event.TopicOrderFailed,
	})

	final, _ := w.orders.FindByID(context.Background(), "o3")
	if final.Status != orderdomain.StatusFailed {
		t.Fatalf("order status = %s, want FAILED", final.Status)
	}
	if got := w.products.stock("p1"); got != 1 {
		t.Fatalf("stock = %d, want untouched 1", got)
	}
}

func TestSagaDuplicateDeliveryDoesNotDoubleReserve(t *testing.T) {
	w := newSagaWorld()
	w.seedProduct(t, "p1", 30000, 10)
	w.seedPoints(t, "u1", 100000)
	couponID := w.seedUserCoupon(t, "u1", "c1", 5000)

	order, err := orderdomain.NewOrder("o4", "u1",
		[]orderdomain.OrderItem{{ProductID: "p1", Quantity: 1, UnitPrice: 30000}}, "1", 5000)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := w.startSaga(t, order); err != nil {
		t.Fatalf("saga run: %v", err)
	}

	// 重放 stock.reserved：整条下游链重跑一遍，所有步骤都要幂等
	evt, err := event.New(event.TopicStockReserved, "o4", event.StockReserved{
		OrderID: "o4", UserID: "u1", UserCouponID: "1", TotalAmount: 30000, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := w.bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	if got := w.products.stock("p1"); got != 9 {
		t.Fatalf("stock = %d, want single reservation to 9", got)
	}
	if got := w.ledger.deductions("o4"); got != 1 {
		t.Fatalf("deduct transactions = %d, want exactly 1", got)
	}
	uc, _ := w.userCoupons.FindByID(context.Background(), couponID)
	if uc.Status != promotiondomain.StatusUsed || uc.OrderID != "o4" {
		t.Fatalf("user coupon = %+v, want USED by o4", uc)
	}
	final, _ := w.orders.FindByID(context.Background(), "o4")
	if final.Status != orderdomain.StatusCompleted {
		t.Fatalf("order status = %s, want COMPLETED", final.Status)
	}
}

// ---- 内存仓储 ----

// fakeTx 直通执行。链路用例的失败都发生在第一笔写之前，
// 事务回滚行为由各服务自己的单测覆盖。
type fakeTx struct{}

func (fakeTx) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeProducts struct {
	mu    sync.Mutex
	items map[string]*productdomain.Product
}

func (f *fakeProducts) FindByID(_ context.Context, id string) (*productdomain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.items[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "product %s not found", id)
	}
	copied := *p
	return &copied, nil
}

func (f *fakeProducts) Save(_ context.Context, product *productdomain.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *product
	f.items[product.ID] = &copied
	return nil
}

func (f *fakeProducts) stock(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id].Stock
}

type fakeReservations struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*productdomain.StockReservation
}

func (f *fakeReservations) FindByOrder(_ context.Context, orderID string) ([]*productdomain.StockReservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*productdomain.StockReservation
	for _, r := range f.byID {
		if r.OrderID == orderID {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeReservations) Create(_ context.Context, reservation *productdomain.StockReservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.byID {
		if r.OrderID == reservation.OrderID && r.ProductID == reservation.ProductID {
			return apperr.New(apperr.CodeConflict, "reservation exists")
		}
	}
	f.nextID++
	reservation.ID = f.nextID
	copied := *reservation
	f.byID[reservation.ID] = &copied
	return nil
}

func (f *fakeReservations) Save(_ context.Context, reservation *productdomain.StockReservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *reservation
	f.byID[reservation.ID] = &copied
	return nil
}

type fakeUserCoupons struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*promotiondomain.UserCoupon
}

func (f *fakeUserCoupons) FindByUserAndCoupon(_ context.Context, userID, couponID string) (*promotiondomain.UserCoupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uc := range f.byID {
		if uc.UserID == userID && uc.CouponID == couponID {
			copied := *uc
			return &copied, nil
		}
	}
	return nil, apperr.New(apperr.CodeNotFound, "user %s holds no coupon %s", userID, couponID)
}

func (f *fakeUserCoupons) FindByID(_ context.Context, id uint64) (*promotiondomain.UserCoupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.byID[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "user coupon %d not found", id)
	}
	copied := *uc
	return &copied, nil
}

func (f *fakeUserCoupons) FindByOrder(_ context.Context, orderID string) (*promotiondomain.UserCoupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uc := range f.byID {
		if uc.OrderID == orderID {
			copied := *uc
			return &copied, nil
		}
	}
	return nil, apperr.New(apperr.CodeNotFound, "no user coupon attached to order %s", orderID)
}

func (f *fakeUserCoupons) Create(_ context.Context, userCoupon *promotiondomain.UserCoupon) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	userCoupon.ID = f.nextID
	copied := *userCoupon
	f.byID[userCoupon.ID] = &copied
	return nil
}

func (f *fakeUserCoupons) Save(_ context.Context, userCoupon *promotiondomain.UserCoupon) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *userCoupon
	f.byID[userCoupon.ID] = &copied
	return nil
}

func (f *fakeUserCoupons) ListByUser(_ context.Context, userID string) ([]*promotiondomain.UserCoupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*promotiondomain.UserCoupon
	for _, uc := range f.byID {
		if uc.UserID == userID {
			copied := *uc
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakePoints struct {
	mu       sync.Mutex
	accounts map[string]*paymentdomain.Point
}

func (f *fakePoints) FindByUser(_ context.Context, userID string) (*paymentdomain.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.accounts[userID]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "point account for user %s not found", userID)
	}
	copied := *p
	return &copied, nil
}

func (f *fakePoints) Save(_ context.Context, point *paymentdomain.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *point
	f.accounts[point.UserID] = &copied
	return nil
}

func (f *fakePoints) balance(userID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.accounts[userID]; ok {
		return p.Balance
	}
	return 0
}

type fakeLedger struct {
	mu     sync.Mutex
	nextID uint64
	txns   []*paymentdomain.PointTransaction
}

func (f *fakeLedger) Append(_ context.Context, txn *paymentdomain.PointTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if txn.OrderID != "" {
		for _, existing := range f.txns {
			if existing.OrderID == txn.OrderID && existing.Kind == txn.Kind {
				return apperr.New(apperr.CodeConflict, "duplicate transaction")
			}
		}
	}
	f.nextID++
	txn.ID = f.nextID
	txn.CreatedAt = time.Now()
	copied := *txn
	f.txns = append(f.txns, &copied)
	return nil
}

func (f *fakeLedger) FindByOrderAndKind(_ context.Context, orderID string, kind paymentdomain.TransactionKind) (*paymentdomain.PointTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.txns {
		if txn.OrderID == orderID && txn.Kind == kind {
			copied := *txn
			return &copied, nil
		}
	}
	return nil, apperr.New(apperr.CodeNotFound, "no %s transaction for order %s", kind, orderID)
}

func (f *fakeLedger) ListByUser(_ context.Context, userID string, limit int) ([]*paymentdomain.PointTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*paymentdomain.PointTransaction
	for _, txn := range f.txns {
		if txn.UserID == userID && len(out) < limit {
			copied := *txn
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeLedger) deductions(orderID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, txn := range f.txns {
		if txn.OrderID == orderID && txn.Kind == paymentdomain.KindDeduct {
			n++
		}
	}
	return n
}

type fakeOrders struct {
	mu   sync.Mutex
	byID map[string]*orderdomain.Order
}

func (f *fakeOrders) FindByID(_ context.Context, id string) (*orderdomain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byID[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "order %s not found", id)
	}
	copied := *o
	return &copied, nil
}

func (f *fakeOrders) Create(_ context.Context, order *orderdomain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[order.ID]; ok {
		return apperr.New(apperr.CodeConflict, "order %s already exists", order.ID)
	}
	copied := *order
	f.byID[order.ID] = &copied
	return nil
}

func (f *fakeOrders) Save(_ context.Context, order *orderdomain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *order
	f.byID[order.ID] = &copied
	return nil
}
