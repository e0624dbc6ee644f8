// internal/service/promotion/application/drain.go
package application

import (
	"context"
	"time"

	"minimall/internal/lock"
	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/logger"
	"minimall/internal/queue"
	"minimall/internal/service/promotion/domain"
)

const (
	reasonSoldOut       = "coupon_sold_out"
	reasonAlreadyIssued = "already_issued"
)

// DrainWorker 周期性排空各券的准入队列，按先到先得发放。
// 每个券的一轮排空整体持有 coupon:<id> 锁：锁同时挡住其它实例的
// 排空和任何其它改 issuedQuantity 的路径，发放决策因此是串行的。
type DrainWorker struct {
	coupons     domain.CouponRepository
	userCoupons domain.UserCouponRepository
	admission   queue.Admission
	failures    domain.FailureLog
	uow         domain.UnitOfWork
	locker      lock.Manager
	lockWait    time.Duration
	lockLease   time.Duration
}

func NewDrainWorker(coupons domain.CouponRepository, userCoupons domain.UserCouponRepository,
	admission queue.Admission, failures domain.FailureLog, uow domain.UnitOfWork,
	locker lock.Manager, lockWait, lockLease time.Duration) *DrainWorker {
	return &DrainWorker{
		coupons: coupons, userCoupons: userCoupons,
		admission: admission, failures: failures, uow: uow,
		locker: locker, lockWait: lockWait, lockLease: lockLease,
	}
}

// Run 执行一轮排空，作为 scheduler.Task 周期调用。
// 单个券的失败不中断其它券的排空。
func (w *DrainWorker) Run(ctx context.Context) error {
	coupons, err := w.coupons.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, coupon := range coupons {
		size, err := w.admission.Size(ctx, coupon.ID)
		if err != nil {
			return err
		}
		if size == 0 {
			continue
		}
		if err := w.DrainCoupon(ctx, coupon.ID); err != nil {
			// 没抢到锁说明别的实例正在排空这个券，跳过即可
			if apperr.CodeOf(err) == apperr.CodeLockTimeout {
				continue
			}
			logger.Ctx(ctx).Error().Err(err).Str("couponId", coupon.ID).Msg("coupon queue drain failed")
		}
	}
	return nil
}

// DrainCoupon 在券锁内排空一个券的队列。
// 售罄时清掉剩余条目并逐条落失败记录——留着它们只会让队列无限增长，
// 用户也永远等不到结果。
func (w *DrainWorker) DrainCoupon(ctx context.Context, couponID string) error {
	return lock.Do(ctx, w.locker, lock.KeyCoupon(couponID), w.lockWait, w.lockLease, func(ctx context.Context) error {
		coupon, err := w.coupons.FindByID(ctx, couponID)
		if err != nil {
			return err
		}

		for {
			entry, err := w.admission.PopOldest(ctx, couponID)
			if err != nil {
				return err
			}
			if entry == nil {
				return nil
			}

			issueErr := w.issueOne(ctx, coupon, entry.UserID)
			switch {
			case issueErr == nil:
				couponsIssued.WithLabelValues(couponID).Inc()
			case apperr.CodeOf(issueErr) == apperr.CodeCouponAlreadyIssued:
				// 重复持有：这条出局，队列继续往下走
				w.recordFailure(ctx, couponID, entry.UserID, reasonAlreadyIssued)
			case apperr.CodeOf(issueErr) == apperr.CodeCouponSoldOut:
				// 售罄：本条和剩余所有排队者都不可能拿到券了
				w.recordFailure(ctx, couponID, entry.UserID, reasonSoldOut)
				return w.purgeRemaining(ctx, couponID)
			default:
				// 瞬态失败：带原始入队时间塞回去，下一轮仍从它继续（保持先到先得）
				if reqErr := w.admission.Requeue(ctx, *entry); reqErr != nil {
					logger.Ctx(ctx).Error().Err(reqErr).
						Str("couponId", couponID).Str("userId", entry.UserID).
						Msg("failed to re-enqueue entry after transient drain failure")
				}
				return issueErr
			}
		}
	})
}

// issueOne 完成一次发放决策：判额度 → 发放 → 落库。
// 用户券插入和额度更新在同一个事务里落库，中途失败一起回滚。
// 用户券的唯一键是并发重复请求的最后一道闸，冲突回滚已加的额度。
func (w *DrainWorker) issueOne(ctx context.Context, coupon *domain.Coupon, userID string) error {
	now := time.Now()
	if err := coupon.Issue(now); err != nil {
		return err
	}

	err := w.uow.Execute(ctx, func(ctx context.Context) error {
		if err := w.userCoupons.Create(ctx, domain.NewUserCoupon(coupon, userID, now)); err != nil {
			return err
		}
		return w.coupons.Save(ctx, coupon)
	})
	if err != nil {
		coupon.IssuedQuantity--
		if apperr.CodeOf(err) == apperr.CodeConflict {
			return apperr.Wrap(err, apperr.CodeCouponAlreadyIssued, "user %s already holds coupon %s", userID, coupon.ID)
		}
		return err
	}

	logger.Ctx(ctx).Info().
		Str("couponId", coupon.ID).Str("userId", userID).
		Int64("issued", coupon.IssuedQuantity).Int64("total", coupon.TotalQuantity).
		Msg("coupon issued")
	return nil
}

func (w *DrainWorker) purgeRemaining(ctx context.Context, couponID string) error {
	purged, err := w.admission.PurgeAll(ctx, couponID)
	if err != nil {
		return err
	}
	for _, entry := range purged {
		w.recordFailure(ctx, couponID, entry.UserID, reasonSoldOut)
	}
	logger.Ctx(ctx).Info().Str("couponId", couponID).Int("purged", len(purged)).
		Msg("coupon sold out, remaining queue entries purged")
	return nil
}

// recordFailure 尽力落一条失败记录，失败只记日志不影响排空。
func (w *DrainWorker) recordFailure(ctx context.Context, couponID, userID, reason string) {
	queueEntriesPurged.WithLabelValues(couponID, reason).Inc()
	err := w.failures.Record(ctx, domain.IssueFailure{CouponID: couponID, UserID: userID, Reason: reason})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("couponId", couponID).Str("userId", userID).Str("reason", reason).
			Msg("failed to record issuance failure")
	}
}
