// internal/service/order/infrastructure/adapter/catalog_http_adapter.go
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

const productServiceName = "product-service"

// CatalogHTTPAdapter 经 Nacos 发现商品服务并查询定价，实现 port.Catalog。
type CatalogHTTPAdapter struct {
	client *httpclient.Client
	nacos  *nacos.Client
}

func NewCatalogHTTPAdapter(client *httpclient.Client, nacosClient *nacos.Client) *CatalogHTTPAdapter {
	return &CatalogHTTPAdapter{client: client, nacos: nacosClient}
}

type productEnvelope struct {
	Status int `json:"status"`
	Data   struct {
		ID        string `json:"id"`
		UnitPrice int64  `json:"unitPrice"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *CatalogHTTPAdapter) GetProduct(ctx context.Context, productID string) (*port.ProductInfo, error) {
	ip, servicePort, err := a.nacos.DiscoverServiceInstance(productServiceName)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "discover %s", productServiceName)
	}

	serviceURL := fmt.Sprintf("http://%s:%d/api/v1/products/%s", ip, servicePort, url.PathEscape(productID))
	var envelope productEnvelope
	if err := a.client.GetJSON(ctx, serviceURL, &envelope); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeNotFound, "product %s not found", productID)
	}
	return &port.ProductInfo{ProductID: envelope.Data.ID, UnitPrice: envelope.Data.UnitPrice}, nil
}
