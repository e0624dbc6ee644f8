// internal/service/payment/application/account.go
package application

import (
	"context"
	"time"

	"minimall/internal/lock"
	"minimall/internal/pkg/apperr"
	"minimall/internal/service/payment/domain"
)

// PointService 提供积分账户的充值与查询。
// 充值同样是读—改—写，必须和扣减走同一把用户锁。
type PointService struct {
	points    domain.PointRepository
	ledger    domain.LedgerRepository
	uow       domain.UnitOfWork
	locker    lock.Manager
	lockWait  time.Duration
	lockLease time.Duration
}

func NewPointService(points domain.PointRepository, ledger domain.LedgerRepository,
	uow domain.UnitOfWork, locker lock.Manager, lockWait, lockLease time.Duration) *PointService {
	return &PointService{points: points, ledger: ledger, uow: uow, locker: locker, lockWait: lockWait, lockLease: lockLease}
}

// Charge 给用户充值积分，账户不存在时自动开户。
func (s *PointService) Charge(ctx context.Context, userID string, amount int64) (*domain.Point, error) {
	if userID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "userId is required")
	}

	var charged *domain.Point
	err := lock.Do(ctx, s.locker, lock.KeyPointUser(userID), s.lockWait, s.lockLease, func(ctx context.Context) error {
		now := time.Now()
		point, err := s.points.FindByUser(ctx, userID)
		if err != nil {
			if apperr.CodeOf(err) != apperr.CodeNotFound {
				return err
			}
			point = domain.NewPoint(userID, now)
		}
		if err := point.Charge(amount, now); err != nil {
			return err
		}
		// 余额和流水同一事务落库
		if err := s.uow.Execute(ctx, func(ctx context.Context) error {
			if err := s.points.Save(ctx, point); err != nil {
				return err
			}
			return s.ledger.Append(ctx, &domain.PointTransaction{
				UserID: userID,
				Kind:   domain.KindCharge,
				Amount: amount,
			})
		}); err != nil {
			return err
		}
		charged = point
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charged, nil
}

// Balance 查询余额。未开户视为零余额。
func (s *PointService) Balance(ctx context.Context, userID string) (int64, error) {
	point, err := s.points.FindByUser(ctx, userID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return 0, nil
		}
		return 0, err
	}
	return point.Balance, nil
}

// Ledger 返回用户最近的积分流水。
func (s *PointService) Ledger(ctx context.Context, userID string, limit int) ([]*domain.PointTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.ledger.ListByUser(ctx, userID, limit)
}
