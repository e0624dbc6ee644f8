// internal/service/product/infrastructure/ranking_redis.go
package infrastructure

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"minimall/internal/pkg/redis"
	"minimall/internal/service/product/domain"
)

const rankingKey = "ranking:products"

// RedisRankingBoard 把人气排行榜放在一个 ZSET 里，score 即销量。
// Replace 用临时 key + RENAME 换榜，读方永远看到完整的一版。
type RedisRankingBoard struct {
	client *redis.Client
}

func NewRedisRankingBoard(client *redis.Client) *RedisRankingBoard {
	return &RedisRankingBoard{client: client}
}

func (b *RedisRankingBoard) Replace(ctx context.Context, sales []domain.ProductSales) error {
	rdb := b.client.GetClient()
	if len(sales) == 0 {
		return rdb.Del(ctx, rankingKey).Err()
	}

	members := make([]goredis.Z, 0, len(sales))
	for _, s := range sales {
		members = append(members, goredis.Z{Score: float64(s.Quantity), Member: s.ProductID})
	}

	tmpKey := rankingKey + ":next"
	pipe := rdb.TxPipeline()
	pipe.Del(ctx, tmpKey)
	pipe.ZAdd(ctx, tmpKey, members...)
	pipe.Rename(ctx, tmpKey, rankingKey)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisRankingBoard) Top(ctx context.Context, limit int) ([]domain.ProductSales, error) {
	entries, err := b.client.GetClient().ZRevRangeWithScores(ctx, rankingKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	sales := make([]domain.ProductSales, 0, len(entries))
	for _, e := range entries {
		id, ok := e.Member.(string)
		if !ok {
			continue
		}
		sales = append(sales, domain.ProductSales{ProductID: id, Quantity: int64(e.Score)})
	}
	return sales, nil
}
