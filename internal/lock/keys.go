// internal/lock/keys.go
package lock

import "fmt"

// Keys 是锁键与队列键的唯一生成入口。
// 所有服务对同一个竞争资源必须得出同一个字符串，键格式集中在这里，避免漂移。

// KeyProduct 是单个商品库存的锁键。
func KeyProduct(productID string) string {
	return fmt.Sprintf("product:%s", productID)
}

// KeyPointUser 是单个用户积分余额的锁键。
func KeyPointUser(userID string) string {
	return fmt.Sprintf("point:user:%s", userID)
}

// KeyCoupon 是单个优惠券发放量的锁键。
func KeyCoupon(couponID string) string {
	return fmt.Sprintf("coupon:%s", couponID)
}

// KeyRankingUpdate 是排行榜重算任务的锁键。
func KeyRankingUpdate() string {
	return "ranking:update"
}

// KeyDlqRetry 是死信重试扫描任务的锁键。
func KeyDlqRetry() string {
	return "dlq:retry"
}
