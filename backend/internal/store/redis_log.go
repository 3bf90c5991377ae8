package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// 键语义：
// - revlogKey(docID):   修订日志（ZSet<payload>，score=revisionId）
// - snapshotKey(docID): 压缩快照（Hash{rev, payload}）
// {docID:...} 作为 hash tag，保证同一文档的键落在同一个集群槽位
const (
	keyRevlogFmt   = "revlog:{docID:%s}"
	keySnapshotFmt = "revlog:snapshot:{docID:%s}"
)

func revlogKey(docID string) string   { return fmt.Sprintf(keyRevlogFmt, docID) }
func snapshotKey(docID string) string { return fmt.Sprintf(keySnapshotFmt, docID) }

// RedisLog 把修订日志放在 Redis，单节点和集群客户端都可用
type RedisLog struct {
	rdb redis.UniversalClient
}

func NewRedisLog(rdb redis.UniversalClient) *RedisLog {
	return &RedisLog{rdb: rdb}
}

func (l *RedisLog) Put(ctx context.Context, docID string, revID int64, data []byte) error {
	score := strconv.FormatInt(revID, 10)
	tx := l.rdb.TxPipeline()
	// payload 是 member，同一个 revisionId 先删后加，实现覆盖
	tx.ZRemRangeByScore(ctx, revlogKey(docID), score, score)
	tx.ZAdd(ctx, revlogKey(docID), redis.Z{Score: float64(revID), Member: data})
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("put doc %s rev %d: %w", docID, revID, err)
	}
	return nil
}

func (l *RedisLog) GetRange(ctx context.Context, docID string, lo, hi int64) ([]Entry, error) {
	zs, err := l.rdb.ZRangeByScoreWithScores(ctx, revlogKey(docID), &redis.ZRangeBy{
		Min: strconv.FormatInt(lo, 10),
		Max: strconv.FormatInt(hi, 10),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get range doc %s [%d,%d]: %w", docID, lo, hi, err)
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("doc %s: unexpected member type %T", docID, z.Member)
		}
		out = append(out, Entry{RevisionID: int64(z.Score), Data: []byte(member)})
	}
	return out, nil
}

func (l *RedisLog) DeleteRange(ctx context.Context, docID string, lo, hi int64) error {
	err := l.rdb.ZRemRangeByScore(ctx, revlogKey(docID),
		strconv.FormatInt(lo, 10), strconv.FormatInt(hi, 10)).Err()
	if err != nil {
		return fmt.Errorf("delete range doc %s [%d,%d]: %w", docID, lo, hi, err)
	}
	return nil
}

func (l *RedisLog) PutSnapshot(ctx context.Context, docID string, revID int64, data []byte) error {
	err := l.rdb.HSet(ctx, snapshotKey(docID), "rev", revID, "payload", data).Err()
	if err != nil {
		return fmt.Errorf("put snapshot doc %s rev %d: %w", docID, revID, err)
	}
	return nil
}

func (l *RedisLog) GetSnapshot(ctx context.Context, docID string) (int64, []byte, error) {
	vals, err := l.rdb.HMGet(ctx, snapshotKey(docID), "rev", "payload").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, nil, fmt.Errorf("get snapshot doc %s: %w", docID, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, nil, ErrNotFound
	}
	revStr, _ := vals[0].(string)
	payload, _ := vals[1].(string)
	revID, err := strconv.ParseInt(revStr, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("get snapshot doc %s: bad rev %q: %w", docID, revStr, err)
	}
	return revID, []byte(payload), nil
}
