package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Presence 记录每个文档当前订阅的客户端实例，心跳续期
type Presence interface {
	Join(ctx context.Context, docID, clientID string, ttl time.Duration) error
	Leave(ctx context.Context, docID, clientID string) error
	Members(ctx context.Context, docID string) ([]string, error)
	Documents(ctx context.Context) ([]string, error)
}

// 具体实现：基于 redis 的 Presence
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) Presence {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) Join(ctx context.Context, docID, clientID string, ttl time.Duration) error {
	// 刷新TTL也直接调用 Join 即可
	// 两个 key 不在同一个 slot，集群模式下不能用 TxPipeline
	tx := p.rdb.Pipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: clientID})
	tx.SAdd(ctx, docsKey(), docID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Leave(ctx context.Context, docID, clientID string) error {
	return p.rdb.ZRem(ctx, roomKey(docID), clientID).Err()
}

func (p *redisPresence) Documents(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return docs, nil
}

// 清理过期成员，返回剩余成员数
const sweepScript = `
-- KEYS[1] = roomKey(docID)
-- ARGV[1] = now (unix seconds)
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`

var sweep = redis.NewScript(sweepScript)

func (p *redisPresence) Members(ctx context.Context, docID string) ([]string, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	left, err := sweep.Run(ctx, p.rdb, []string{roomKey(docID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if left == 0 {
		// 房间空了，从文档索引中摘掉
		return nil, p.rdb.SRem(ctx, docsKey(), docID).Err()
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return alive, nil
}
