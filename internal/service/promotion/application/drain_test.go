package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"minimall/internal/event"
	"minimall/internal/lock"
	"minimall/internal/pkg/apperr"
	"minimall/internal/queue"
	"minimall/internal/service/promotion/domain"
)

type memCouponRepo struct {
	mu      sync.Mutex
	coupons map[string]*domain.Coupon
}

func newMemCouponRepo(coupons ...*domain.Coupon) *memCouponRepo {
	repo := &memCouponRepo{coupons: make(map[string]*domain.Coupon)}
	for _, c := range coupons {
		copied := *c
		repo.coupons[c.ID] = &copied
	}
	return repo
}

func (r *memCouponRepo) FindByID(_ context.Context, id string) (*domain.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coupons[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "coupon %s not found", id)
	}
	copied := *c
	return &copied, nil
}

func (r *memCouponRepo) Save(_ context.Context, coupon *domain.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *coupon
	r.coupons[coupon.ID] = &copied
	return nil
}

func (r *memCouponRepo) ListActive(_ context.Context) ([]*domain.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Coupon
	for _, c := range r.coupons {
		copied := *c
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memCouponRepo) issued(id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coupons[id].IssuedQuantity
}

func (r *memCouponRepo) snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := make(map[string]*domain.Coupon, len(r.coupons))
	for id, c := range r.coupons {
		copied := *c
		saved[id] = &copied
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.coupons = saved
	}
}

type memUserCouponRepo struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*domain.UserCoupon
}

func newMemUserCouponRepo() *memUserCouponRepo {
	return &memUserCouponRepo{byID: make(map[uint64]*domain.UserCoupon)}
}

func (r *memUserCouponRepo) FindByUserAndCoupon(_ context.Context, userID, couponID string) (*domain.UserCoupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uc := range r.byID {
		if uc.UserID == userID && uc.CouponID == couponID {
			copied := *uc
			return &copied, nil
		}
	}
	return nil, apperr.New(apperr.CodeNotFound, "user %s holds no coupon %s", userID, couponID)
}

func (r *memUserCouponRepo) FindByID(_ context.Context, id uint64) (*domain.UserCoupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc, ok := r.byID[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "user coupon %d not found", id)
	}
	copied := *uc
	return &copied, nil
}

func (r *memUserCouponRepo) FindByOrder(_ context.Context, orderID string) (*domain.UserCoupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uc := range r.byID {
		if uc.OrderID == orderID {
			copied := *uc
			return &copied, nil
		}
	}
	return nil, apperr.New(apperr.CodeNotFound, "no user coupon attached to order %s", orderID)
}

func (r *memUserCouponRepo) Create(_ context.Context, userCoupon *domain.UserCoupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uc := range r.byID {
		if uc.UserID == userCoupon.UserID && uc.CouponID == userCoupon.CouponID {
			return apperr.New(apperr.CodeConflict, "user %s already holds coupon %s", userCoupon.UserID, userCoupon.CouponID)
		}
	}
	r.nextID++
	userCoupon.ID = r.nextID
	copied := *userCoupon
	r.byID[userCoupon.ID] = &copied
	return nil
}

func (r *memUserCouponRepo) Save(_ context.Context, userCoupon *domain.UserCoupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *userCoupon
	r.byID[userCoupon.ID] = &copied
	return nil
}

func (r *memUserCouponRepo) ListByUser(_ context.Context, userID string) ([]*domain.UserCoupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.UserCoupon
	for _, uc := range r.byID {
		if uc.UserID == userID {
			copied := *uc
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memUserCouponRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *memUserCouponRepo) snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	savedID := r.nextID
	saved := make(map[uint64]*domain.UserCoupon, len(r.byID))
	for id, uc := range r.byID {
		copied := *uc
		saved[id] = &copied
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.nextID = savedID
		r.byID = saved
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

type memFailureLog struct {
	mu       sync.Mutex
	failures []domain.IssueFailure
}

func (l *memFailureLog) Record(_ context.Context, failure domain.IssueFailure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, failure)
	return nil
}

func (l *memFailureLog) byReason(reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, f := range l.failures {
		if f.Reason == reason {
			n++
		}
	}
	return n
}

func activeCoupon(id string, total, issued int64) *domain.Coupon {
	now := time.Now()
	return &domain.Coupon{
		ID:             id,
		Name:           "test coupon",
		TotalQuantity:  total,
		IssuedQuantity: issued,
		DiscountAmount: 1500,
		ValidFrom:      now.Add(-time.Hour),
		ValidUntil:     now.Add(time.Hour),
	}
}

func newDrainWorker(coupons *memCouponRepo, userCoupons *memUserCouponRepo,
	admission queue.Admission, failures *memFailureLog) *DrainWorker {
	uow := &memUnitOfWork{repos: []snapshotter{coupons, userCoupons}}
	return NewDrainWorker(coupons, userCoupons, admission, failures, uow,
		lock.NewLocalManager(), time.Second, time.Second)
}

func TestDrainIssuesInEnqueueOrder(t *testing.T) {
	coupons := newMemCouponRepo(activeCoupon("c1", 2, 0))
	userCoupons := newMemUserCouponRepo()
	admission := queue.NewMemoryAdmission()
	failures := &memFailureLog{}
	worker := newDrainWorker(coupons, userCoupons, admission, failures)

	ctx := context.Background()
	for _, user := range []string{"u1", "u2", "u3"} {
		if _, err := admission.Enqueue(ctx, "c1", user); err != nil {
			t.Fatalf("enqueue %s: %v", user, err)
		}
	}

	if err := worker.DrainCoupon(ctx, "c1"); err != nil {
		t.Fatalf("DrainCoupon: %v", err)
	}

	// 限量 2 张：u1、u2 拿到，u3 被售罄清掉
	if got := coupons.issued("c1"); got != 2 {
		t.Fatalf("issuedQuantity = %d, want 2", got)
	}
	for _, user := range []string{"u1", "u2"} {
		if _, err := userCoupons.FindByUserAndCoupon(ctx, user, "c1"); err != nil {
			t.Fatalf("user %s should hold the coupon: %v", user, err)
		}
	}
	if _, err := userCoupons.FindByUserAndCoupon(ctx, "u3", "c1"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("u3 must not hold the coupon, got err %v", err)
	}
	if got := failures.byReason("coupon_sold_out"); got != 1 {
		t.Fatalf("sold-out failures = %d, want 1", got)
	}
	size, _ := admission.Size(ctx, "c1")
	if size != 0 {
		t.Fatalf("queue size after drain = %d, want 0", size)
	}
}

func TestDrainNeverExceedsTotalQuantityUnderConcurrency(t *testing.T) {
	coupons := newMemCouponRepo(activeCoupon("c1", 1, 0))
	userCoupons := newMemUserCouponRepo()
	admission := queue.NewMemoryAdmission()
	failures := &memFailureLog{}
	worker := newDrainWorker(coupons, userCoupons, admission, failures)

	ctx := context.Background()
	const competitors = 20
	for i := 0; i < competitors; i++ {
		if _, err := admission.Enqueue(ctx, "c1", fmt.Sprintf("u%d", i)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = worker.DrainCoupon(ctx, "c1")
		}()
	}
	wg.Wait()

	// 剩余 1 张 + N 个并发排空：恰好发出一张
	if got := coupons.issued("c1"); got != 1 {
		t.Fatalf("issuedQuantity = %d, want exactly 1", got)
	}
	if got := userCoupons.count(); got != 1 {
		t.Fatalf("user coupons = %d, want exactly 1", got)
	}
}

func TestDrainSkipsDuplicateHolder(t *testing.T) {
	coupons := newMemCouponRepo(activeCoupon("c1", 5, 0))
	userCoupons := newMemUserCouponRepo()
	admission := queue.NewMemoryAdmission()
	failures := &memFailureLog{}
	worker := newDrainWorker(coupons, userCoupons, admission, failures)

	ctx := context.Background()
	pre := domain.NewUserCoupon(activeCoupon("c1", 5, 0), "u1", time.Now())
	if err := userCoupons.Create(ctx, pre); err != nil {
		t.Fatalf("seed user coupon: %v", err)
	}
	if _, err := admission.Enqueue(ctx, "c1", "u1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := admission.Enqueue(ctx, "c1", "u2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := worker.DrainCoupon(ctx, "c1"); err != nil {
		t.Fatalf("DrainCoupon: %v", err)
	}

	// u1 重复持有被跳过且记失败，u2 正常拿到
	if got := failures.byReason("already_issued"); got != 1 {
		t.Fatalf("already-issued failures = %d, want 1", got)
	}
	if _, err := userCoupons.FindByUserAndCoupon(ctx, "u2", "c1"); err != nil {
		t.Fatalf("u2 should hold the coupon: %v", err)
	}
	if got := userCoupons.count(); got != 2 {
		t.Fatalf("user coupons = %d, want 2", got)
	}
}

// flakyCouponRepo 前 failures 次 Save 报瞬态错误，之后正常。
type flakyCouponRepo struct {
	*memCouponRepo
	failures int
}

func (r *flakyCouponRepo) Save(ctx context.Context, coupon *domain.Coupon) error {
	if r.failures > 0 {
		r.failures--
		return apperr.New(apperr.CodeInternal, "coupon store temporarily unavailable")
	}
	return r.memCouponRepo.Save(ctx, coupon)
}

func TestDrainKeepsQueueOrderAcrossTransientFailure(t *testing.T) {
	inner := newMemCouponRepo(activeCoupon("c1", 1, 0))
	coupons := &flakyCouponRepo{memCouponRepo: inner, failures: 1}
	userCoupons := newMemUserCouponRepo()
	admission := queue.NewMemoryAdmission()
	failures := &memFailureLog{}
	uow := &memUnitOfWork{repos: []snapshotter{inner, userCoupons}}
	worker := NewDrainWorker(coupons, userCoupons, admission, failures, uow,
		lock.NewLocalManager(), time.Second, time.Second)

	ctx := context.Background()
	for _, user := range []string{"u1", "u2"} {
		if _, err := admission.Enqueue(ctx, "c1", user); err != nil {
			t.Fatalf("enqueue %s: %v", user, err)
		}
	}

	// 第一轮：u1 出队后落库报瞬态错误，条目被塞回队列
	if err := worker.DrainCoupon(ctx, "c1"); err == nil {
		t.Fatal("transient failure must bubble out of the drain round")
	}
	if got := userCoupons.count(); got != 0 {
		t.Fatalf("user coupons after failed round = %d, want 0", got)
	}

	// 第二轮：先到的 u1 必须先处理，最后一张券不能被 u2 抢走
	if err := worker.DrainCoupon(ctx, "c1"); err != nil {
		t.Fatalf("second round: %v", err)
	}
	if _, err := userCoupons.FindByUserAndCoupon(ctx, "u1", "c1"); err != nil {
		t.Fatalf("u1 enqueued first and must get the last coupon: %v", err)
	}
	if _, err := userCoupons.FindByUserAndCoupon(ctx, "u2", "c1"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("u2 must not hold the coupon, got err %v", err)
	}
	if got := inner.issued("c1"); got != 1 {
		t.Fatalf("issuedQuantity = %d, want 1", got)
	}
}

type stubRules struct {
	eligible bool
}

func (r *stubRules) Evaluate(context.Context, string, domain.Fact) (bool, error) {
	return r.eligible, nil
}

func TestRequestIssuanceRemovesGhostEntryOnRuleFailure(t *testing.T) {
	coupon := activeCoupon("c1", 5, 0)
	coupon.Rule = `userId.endsWith("-vip")`
	coupons := newMemCouponRepo(coupon)
	admission := queue.NewMemoryAdmission()
	svc := NewIssuanceService(coupons, newMemUserCouponRepo(), admission, &stubRules{eligible: false})

	ctx := context.Background()
	if _, err := svc.RequestIssuance(ctx, "c1", "u1"); apperr.CodeOf(err) != apperr.CodeCouponNotUsable {
		t.Fatalf("err = %v, want COUPON_NOT_USABLE", err)
	}

	size, _ := admission.Size(ctx, "c1")
	if size != 0 {
		t.Fatalf("queue size after rejected request = %d, want 0 (no ghost entry)", size)
	}
}

func TestRequestIssuanceRejectsDuplicateQueueing(t *testing.T) {
	coupons := newMemCouponRepo(activeCoupon("c1", 5, 0))
	admission := queue.NewMemoryAdmission()
	svc := NewIssuanceService(coupons, newMemUserCouponRepo(), admission, &stubRules{eligible: true})

	ctx := context.Background()
	ticket, err := svc.RequestIssuance(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if ticket.Position != 1 {
		t.Fatalf("position = %d, want 1", ticket.Position)
	}

	if _, err := svc.RequestIssuance(ctx, "c1", "u1"); apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("duplicate request err = %v, want CONFLICT", err)
	}
}

func TestHandleStockReservedFreezesOnce(t *testing.T) {
	userCoupons := newMemUserCouponRepo()
	ctx := context.Background()
	uc := domain.NewUserCoupon(activeCoupon("c1", 5, 0), "u1", time.Now())
	if err := userCoupons.Create(ctx, uc); err != nil {
		t.Fatalf("seed: %v", err)
	}

	pub := &capturePublisher{}
	handler := NewCouponSagaHandler(userCoupons, lock.NewLocalManager(), pub,
		noop.NewTracerProvider().Tracer("test"), time.Second, time.Second)

	evt, err := event.New(event.TopicStockReserved, "o1", event.StockReserved{
		OrderID: "o1", UserID: "u1", UserCouponID: "1", TotalAmount: 10000, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}

	// 同一事件投递两次：恰好一次冻结，两次都重发 coupon.reserved
	for i := 0; i < 2; i++ {
		if err := handler.HandleStockReserved(ctx, evt); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	frozen, err := userCoupons.FindByID(ctx, 1)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if frozen.Status != domain.StatusFrozen || frozen.OrderID != "o1" {
		t.Fatalf("user coupon = %+v, want FROZEN by o1", frozen)
	}
	for _, e := range pub.events {
		if e.Topic != event.TopicCouponReserved {
			t.Fatalf("unexpected topic %s", e.Topic)
		}
		var payload event.CouponReserved
		if err := e.Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.DiscountAmount != 1500 {
			t.Fatalf("discount = %d, want 1500", payload.DiscountAmount)
		}
	}
	if len(pub.events) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.events))
	}
}

func TestCompensationUnfreezesAndChainsToStock(t *testing.T) {
	userCoupons := newMemUserCouponRepo()
	ctx := context.Background()
	uc := domain.NewUserCoupon(activeCoupon("c1", 5, 0), "u1", time.Now())
	if err := userCoupons.Create(ctx, uc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	stored, _ := userCoupons.FindByID(ctx, 1)
	if err := stored.Freeze("o1", time.Now()); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := userCoupons.Save(ctx, stored); err != nil {
		t.Fatalf("save: %v", err)
	}

	pub := &capturePublisher{}
	handler := NewCouponSagaHandler(userCoupons, lock.NewLocalManager(), pub,
		noop.NewTracerProvider().Tracer("test"), time.Second, time.Second)

	evt, err := event.New(event.TopicCouponCompensationRequired, "o1", event.CouponCompensationRequired{
		OrderID: "o1", UserID: "u1", Reason: "insufficient points", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := handler.HandleCouponCompensationRequired(ctx, evt); err != nil {
		t.Fatalf("HandleCouponCompensationRequired: %v", err)
	}

	restored, _ := userCoupons.FindByID(ctx, 1)
	if restored.Status != domain.StatusUnused || restored.OrderID != "" {
		t.Fatalf("user coupon = %+v, want UNUSED with no order", restored)
	}
	if len(pub.events) != 1 || pub.events[0].Topic != event.TopicStockCompensationRequired {
		t.Fatalf("published = %+v, want one stock.compensation.required", pub.events)
	}
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
