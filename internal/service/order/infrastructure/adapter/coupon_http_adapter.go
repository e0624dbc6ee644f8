// internal/service/order/infrastructure/adapter/coupon_http_adapter.go
package adapter

import (
	"context"
	"fmt"
	"net/url"

	"minimall/internal/pkg/apperr"
	"minimall/internal/pkg/httpclient"
	"minimall/internal/pkg/nacos"
	"minimall/internal/service/order/domain/port"
)

const promotionServiceName = "promotion-service"

// CouponHTTPAdapter 经 Nacos 发现促销服务并查询用户券，实现 port.CouponReader。
type CouponHTTPAdapter struct {
	client *httpclient.Client
	nacos  *nacos.Client
}

func NewCouponHTTPAdapter(client *httpclient.Client, nacosClient *nacos.Client) *CouponHTTPAdapter {
	return &CouponHTTPAdapter{client: client, nacos: nacosClient}
}

type userCouponEnvelope struct {
	Status int `json:"status"`
	Data   struct {
		ID             uint64 `json:"id"`
		UserID         string `json:"userId"`
		DiscountAmount int64  `json:"discountAmount"`
		Status         string `json:"status"`
	} `json:"data"`
}

func (a *CouponHTTPAdapter) GetUserCoupon(ctx context.Context, userCouponID string) (*port.CouponInfo, error) {
	ip, servicePort, err := a.nacos.DiscoverServiceInstance(promotionServiceName)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "discover %s", promotionServiceName)
	}

	serviceURL := fmt.Sprintf("http://%s:%d/api/v1/user-coupons/%s", ip, servicePort, url.PathEscape(userCouponID))
	var envelope userCouponEnvelope
	if err := a.client.GetJSON(ctx, serviceURL, &envelope); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeNotFound, "user coupon %s not found", userCouponID)
	}

	return &port.CouponInfo{
		UserCouponID:   fmt.Sprintf("%d", envelope.Data.ID),
		UserID:         envelope.Data.UserID,
		DiscountAmount: envelope.Data.DiscountAmount,
		Usable:         envelope.Data.Status == "UNUSED",
	}, nil
}
