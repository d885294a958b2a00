package redis

import (
	"context"
	"time"
)

// reservePlaceholder 占位值，表示请求已被受理但响应尚未写入
const reservePlaceholder = "__pending__"

// DedupStore 基于 SETNX 的发送幂等存储：
// 同一幂等键的重复请求要么拿到缓存的首次响应，要么被拒绝
type DedupStore struct {
	ttl time.Duration
}

func NewDedupStore(ttl time.Duration) *DedupStore {
	return &DedupStore{ttl: ttl}
}

// Reserve 尝试占位，返回 false 表示该键已被占用
func (s *DedupStore) Reserve(ctx context.Context, key string) (bool, error) {
	return SetNX(ctx, key, reservePlaceholder, s.ttl)
}

// Cached 返回已缓存的首次响应；占位中或不存在时返回空串
func (s *DedupStore) Cached(ctx context.Context, key string) (string, error) {
	value, err := GetValue(ctx, key)
	if err != nil {
		return "", err
	}
	if value == reservePlaceholder {
		return "", nil
	}
	return value, nil
}

// Store 写入首次响应，供后续重放直接返回
func (s *DedupStore) Store(ctx context.Context, key, value string) error {
	return SetWithExpiration(ctx, key, value, s.ttl)
}

// Release 发送失败时释放占位，允许客户端原样重试
func (s *DedupStore) Release(ctx context.Context, key string) error {
	return DeleteKey(ctx, key)
}
