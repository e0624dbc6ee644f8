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
	"minimall/internal/service/product/domain"
)

type memProductRepo struct {
	mu       sync.Mutex
	products map[string]*domain.Product
}

func newMemProductRepo(products ...*domain.Product) *memProductRepo {
	repo := &memProductRepo{products: make(map[string]*domain.Product)}
	for _, p := range products {
		copied := *p
		repo.products[p.ID] = &copied
	}
	return repo
}

func (r *memProductRepo) FindByID(_ context.Context, id string) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "product %s not found", id)
	}
	copied := *p
	return &copied, nil
}

func (r *memProductRepo) Save(_ context.Context, product *domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *product
	r.products[product.ID] = &copied
	return nil
}

func (r *memProductRepo) stock(id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.products[id].Stock
}

func (r *memProductRepo) snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := make(map[string]*domain.Product, len(r.products))
	for id, p := range r.products {
		copied := *p
		saved[id] = &copied
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.products = saved
	}
}

type memReservationRepo struct {
	mu      sync.Mutex
	nextID  uint64
	byID    map[uint64]*domain.StockReservation
	byOrder map[string][]uint64
}

func newMemReservationRepo() *memReservationRepo {
	return &memReservationRepo{byID: make(map[uint64]*domain.StockReservation), byOrder: make(map[string][]uint64)}
}

func (r *memReservationRepo) FindByOrder(_ context.Context, orderID string) ([]*domain.StockReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.StockReservation
	for _, id := range r.byOrder[orderID] {
		copied := *r.byID[id]
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memReservationRepo) Create(_ context.Context, reservation *domain.StockReservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byOrder[reservation.OrderID] {
		if r.byID[id].ProductID == reservation.ProductID {
			return apperr.New(apperr.CodeConflict, "reservation already exists")
		}
	}
	r.nextID++
	reservation.ID = r.nextID
	copied := *reservation
	r.byID[reservation.ID] = &copied
	r.byOrder[reservation.OrderID] = append(r.byOrder[reservation.OrderID], reservation.ID)
	return nil
}

func (r *memReservationRepo) Save(_ context.Context, reservation *domain.StockReservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *reservation
	r.byID[reservation.ID] = &copied
	return nil
}

func (r *memReservationRepo) snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	savedID := r.nextID
	savedByID := make(map[uint64]*domain.StockReservation, len(r.byID))
	for id, res := range r.byID {
		copied := *res
		savedByID[id] = &copied
	}
	savedByOrder := make(map[string][]uint64, len(r.byOrder))
	for order, ids := range r.byOrder {
		savedByOrder[order] = append([]uint64(nil), ids...)
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.nextID = savedID
		r.byID = savedByID
		r.byOrder = savedByOrder
	}
}

// snapshotter 是内存仓储为 memUnitOfWork 提供的回滚钩子。
type snapshotter interface {
	snapshot() func()
}

// memUnitOfWork 以快照-恢复模拟事务：fn 报错时把所有仓储恢复原样。
type memUnitOfWork struct {
	repos []snapshotter
}

func (u *memUnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	restores := make([]func(), 0, len(u.repos))
	for _, repo := range u.repos {
		restores = append(restores, repo.snapshot())
	}
	if err := fn(ctx); err != nil {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		return err
	}
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Topic)
	}
	return out
}

func newTestHandler(products *memProductRepo, reservations *memReservationRepo, pub *capturePublisher) *StockSagaHandler {
	tracer := noop.NewTracerProvider().Tracer("test")
	uow := &memUnitOfWork{repos: []snapshotter{products, reservations}}
	return NewStockSagaHandler(products, reservations, uow, lock.NewLocalManager(), pub, tracer,
		time.Second, time.Second)
}

func orderCreatedEvent(t *testing.T, orderID string, items []event.OrderItem) event.Event {
	t.Helper()
	evt, err := event.New(event.TopicOrderCreated, orderID, event.OrderCreated{
		OrderID:     orderID,
		UserID:      "u1",
		Items:       items,
		TotalAmount: 10000,
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return evt
}

func TestHandleOrderCreatedReservesStock(t *testing.T) {
	products := newMemProductRepo(&domain.Product{ID: "p1", Name: "widget", UnitPrice: 5000, Stock: 10})
	reservations := newMemReservationRepo()
	pub := &capturePublisher{}
	handler := newTestHandler(products, reservations, pub)

	evt := orderCreatedEvent(t, "o1", []event.OrderItem{{ProductID: "p1", Quantity: 3}})
	if err := handler.HandleOrderCreated(context.Background(), evt); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	if got := products.stock("p1"); got != 7 {
		t.Fatalf("stock after reservation = %d, want 7", got)
	}
	topics := pub.topics()
	if len(topics) != 1 || topics[0] != event.TopicStockReserved {
		t.Fatalf("published topics = %v, want [stock.reserved]", topics)
	}
}

func TestHandleOrderCreatedIsIdempotent(t *testing.T) {
	products := newMemProductRepo(&domain.Product{ID: "p1", Stock: 10})
	reservations := newMemReservationRepo()
	pub := &capturePublisher{}
	handler := newTestHandler(products, reservations, pub)

	evt := orderCreatedEvent(t, "o1", []event.OrderItem{{ProductID: "p1", Quantity: 3}})
	for i := 0; i < 3; i++ {
		if err := handler.HandleOrderCreated(context.Background(), evt); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if got := products.stock("p1"); got != 7 {
		t.Fatalf("stock after duplicate deliveries = %d, want 7", got)
	}
	// 每次投递都重发结果事件，但库存只扣一次
	for _, topic := range pub.topics() {
		if topic != event.TopicStockReserved {
			t.Fatalf("unexpected topic %s", topic)
		}
	}
}

func TestHandleOrderCreatedInsufficientStockRollsBack(t *testing.T) {
	products := newMemProductRepo(
		&domain.Product{ID: "p1", Stock: 10},
		&domain.Product{ID: "p2", Stock: 1},
	)
	reservations := newMemReservationRepo()
	pub := &capturePublisher{}
	handler := newTestHandler(products, reservations, pub)

	evt := orderCreatedEvent(t, "o1", []event.OrderItem{
		{ProductID: "p1", Quantity: 3},
		{ProductID: "p2", Quantity: 5},
	})
	if err := handler.HandleOrderCreated(context.Background(), evt); err != nil {
		t.Fatalf("business failure must not bubble as handler error: %v", err)
	}

	// p1 先扣成功，p2 不足触发回滚：两个商品的库存都要复原
	if got := products.stock("p1"); got != 10 {
		t.Fatalf("p1 stock = %d, want 10 after rollback", got)
	}
	if got := products.stock("p2"); got != 1 {
		t.Fatalf("p2 stock = %d, want 1", got)
	}
	topics := pub.topics()
	if len(topics) != 1 || topics[0] != event.TopicStockReservationFailed {
		t.Fatalf("published topics = %v, want [stock.reservation.failed]", topics)
	}
}

// flakyReservationRepo 前 failures 次 Create 报瞬态错误，之后正常。
type flakyReservationRepo struct {
	*memReservationRepo
	failures int
}

func (r *flakyReservationRepo) Create(ctx context.Context, reservation *domain.StockReservation) error {
	if r.failures > 0 {
		r.failures--
		return apperr.New(apperr.CodeInternal, "reservation store temporarily unavailable")
	}
	return r.memReservationRepo.Create(ctx, reservation)
}

func TestHandleOrderCreatedRecoversAfterTransientFailure(t *testing.T) {
	products := newMemProductRepo(
		&domain.Product{ID: "p1", Stock: 10},
		&domain.Product{ID: "p2", Stock: 5},
	)
	inner := newMemReservationRepo()
	reservations := &flakyReservationRepo{memReservationRepo: inner, failures: 1}
	pub := &capturePublisher{}
	uow := &memUnitOfWork{repos: []snapshotter{products, inner}}
	handler := NewStockSagaHandler(products, reservations, uow, lock.NewLocalManager(), pub,
		noop.NewTracerProvider().Tracer("test"), time.Second, time.Second)

	evt := orderCreatedEvent(t, "o1", []event.OrderItem{
		{ProductID: "p1", Quantity: 3},
		{ProductID: "p2", Quantity: 2},
	})

	// 第一次投递中途报瞬态错误：整单回滚，库存复原，不发任何事件
	if err := handler.HandleOrderCreated(context.Background(), evt); err == nil {
		t.Fatal("transient failure must bubble as handler error for redelivery")
	}
	if got := products.stock("p1"); got != 10 {
		t.Fatalf("p1 stock after transient failure = %d, want 10", got)
	}
	if rows, _ := inner.FindByOrder(context.Background(), "o1"); len(rows) != 0 {
		t.Fatalf("reservations after rollback = %d rows, want 0", len(rows))
	}
	if topics := pub.topics(); len(topics) != 0 {
		t.Fatalf("published topics = %v, want none", topics)
	}

	// 重投必须能重新预占并发成功事件，订单不能卡死在 PENDING
	if err := handler.HandleOrderCreated(context.Background(), evt); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := products.stock("p1"); got != 7 {
		t.Fatalf("p1 stock after redelivery = %d, want 7", got)
	}
	if got := products.stock("p2"); got != 3 {
		t.Fatalf("p2 stock after redelivery = %d, want 3", got)
	}
	topics := pub.topics()
	if len(topics) != 1 || topics[0] != event.TopicStockReserved {
		t.Fatalf("published topics = %v, want [stock.reserved]", topics)
	}
}

// racingReservationRepo 前 misses 次 FindByOrder 返回空，
// 模拟读发生在并发投递提交之前。
type racingReservationRepo struct {
	*memReservationRepo
	misses int
}

func (r *racingReservationRepo) FindByOrder(ctx context.Context, orderID string) ([]*domain.StockReservation, error) {
	if r.misses > 0 {
		r.misses--
		return nil, nil
	}
	return r.memReservationRepo.FindByOrder(ctx, orderID)
}

func TestHandleOrderCreatedYieldsToConcurrentWinner(t *testing.T) {
	// 另一次投递已经扣过库存并落了预占记录
	products := newMemProductRepo(&domain.Product{ID: "p1", Stock: 7})
	inner := newMemReservationRepo()
	winner := domain.NewStockReservation("o1", "p1", 3)
	if err := inner.Create(context.Background(), winner); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reservations := &racingReservationRepo{memReservationRepo: inner, misses: 1}
	pub := &capturePublisher{}
	uow := &memUnitOfWork{repos: []snapshotter{products, inner}}
	handler := NewStockSagaHandler(products, reservations, uow, lock.NewLocalManager(), pub,
		noop.NewTracerProvider().Tracer("test"), time.Second, time.Second)

	evt := orderCreatedEvent(t, "o1", []event.OrderItem{{ProductID: "p1", Quantity: 3}})
	if err := handler.HandleOrderCreated(context.Background(), evt); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	// 撞上唯一键后以对方的结果为准：库存不再扣，记录不再加
	if got := products.stock("p1"); got != 7 {
		t.Fatalf("stock = %d, want 7 (no double deduction)", got)
	}
	rows, _ := inner.FindByOrder(context.Background(), "o1")
	if len(rows) != 1 {
		t.Fatalf("reservations = %d rows, want the winner's single row", len(rows))
	}
	topics := pub.topics()
	if len(topics) != 1 || topics[0] != event.TopicStockReserved {
		t.Fatalf("published topics = %v, want [stock.reserved]", topics)
	}
}

func TestHandleStockCompensationReleasesAndFailsOrder(t *testing.T) {
	products := newMemProductRepo(&domain.Product{ID: "p1", Stock: 10})
	reservations := newMemReservationRepo()
	pub := &capturePublisher{}
	handler := newTestHandler(products, reservations, pub)

	created := orderCreatedEvent(t, "o1", []event.OrderItem{{ProductID: "p1", Quantity: 4}})
	if err := handler.HandleOrderCreated(context.Background(), created); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	comp, err := event.New(event.TopicStockCompensationRequired, "o1", event.StockCompensationRequired{
		OrderID: "o1", UserID: "u1", Reason: "insufficient points", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	// 补偿投递两次，库存只归还一次
	for i := 0; i < 2; i++ {
		if err := handler.HandleStockCompensationRequired(context.Background(), comp); err != nil {
			t.Fatalf("compensation delivery %d: %v", i, err)
		}
	}

	if got := products.stock("p1"); got != 10 {
		t.Fatalf("stock after compensation = %d, want 10", got)
	}
	topics := pub.topics()
	want := []string{event.TopicStockReserved, event.TopicOrderFailed, event.TopicOrderFailed}
	if len(topics) != len(want) {
		t.Fatalf("published topics = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("published topics = %v, want %v", topics, want)
		}
	}
}

func TestRankingSyncerReplacesBoard(t *testing.T) {
	source := &stubSalesSource{sales: []domain.ProductSales{
		{ProductID: "p2", Quantity: 9},
		{ProductID: "p1", Quantity: 4},
	}}
	board := &stubBoard{}
	syncer := NewRankingSyncer(source, board, lock.NewLocalManager(), time.Second, time.Second)

	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(board.replaced) != 2 || board.replaced[0].ProductID != "p2" {
		t.Fatalf("board = %+v, want top product p2", board.replaced)
	}
}

type stubSalesSource struct {
	sales []domain.ProductSales
}

func (s *stubSalesSource) TopReserved(context.Context, time.Time, int) ([]domain.ProductSales, error) {
	return s.sales, nil
}

type stubBoard struct {
	replaced []domain.ProductSales
}

func (b *stubBoard) Replace(_ context.Context, sales []domain.ProductSales) error {
	b.replaced = sales
	return nil
}

func (b *stubBoard) Top(_ context.Context, limit int) ([]domain.ProductSales, error) {
	if limit > len(b.replaced) {
		limit = len(b.replaced)
	}
	return b.replaced[:limit], nil
}
