// Package session 维护已吊销会话令牌的 Redis 黑名单。
//
// 注销时把令牌的 jti 写入黑名单，TTL 取令牌剩余有效期；
// 之后认证中间件在校验签名之余还会查一次黑名单。
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "trullo:session:revoked:"

// Revoker 基于 Redis 的会话吊销存储。
type Revoker struct {
	rdb *redis.Client
}

// NewRevoker 创建 Revoker。
func NewRevoker(rdb *redis.Client) *Revoker {
	return &Revoker{rdb: rdb}
}

// Revoke 吊销指定 jti，ttl 应为令牌的剩余有效期。
func (r *Revoker) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if r == nil || r.rdb == nil || jti == "" {
		return nil
	}
	if ttl <= 0 {
		// 已过期的令牌无需入黑名单
		return nil
	}
	if err := r.rdb.Set(ctx, keyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("session revoke: %w", err)
	}
	return nil
}

// IsRevoked 查询 jti 是否已被吊销。
func (r *Revoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if r == nil || r.rdb == nil || jti == "" {
		return false, nil
	}
	n, err := r.rdb.Exists(ctx, keyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("session lookup: %w", err)
	}
	return n > 0, nil
}
