package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 具体实现：基于 redis 的 ClientRegistry
type redisRegistry struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisRegistry 同时支持单机与集群客户端；ttl<=0 表示不过期
func NewRedisRegistry(rdb redis.UniversalClient, ttl time.Duration) ClientRegistry {
	return &redisRegistry{rdb: rdb, ttl: ttl}
}

// refSeq 只升不降；TTL 每次都刷新
var touchScript = redis.NewScript(`
-- KEYS[1] = refSeqKey(docID)
-- KEYS[2] = expireKey(docID)
-- ARGV[1] = clientId
-- ARGV[2] = refSeq
-- ARGV[3] = expireAt (unix seconds, or +inf)

local cur = redis.call("ZSCORE", KEYS[1], ARGV[1])
if (not cur) or tonumber(cur) < tonumber(ARGV[2]) then
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
var purgeScript = redis.NewScript(`
-- KEYS[1] = refSeqKey(docID)
-- KEYS[2] = expireKey(docID)
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
	redis.call("ZREM", KEYS[1], unpack(expired))
end
return #expired
`)

func (r *redisRegistry) Touch(ctx context.Context, docID, clientID string, refSeq int64) error {
	expireAt := "+inf"
	if r.ttl > 0 {
		expireAt = strconv.FormatInt(time.Now().Add(r.ttl).Unix(), 10)
	}
	keys := []string{refSeqKey(docID), expireKey(docID)}
	if err := touchScript.Run(ctx, r.rdb, keys, clientID, refSeq, expireAt).Err(); err != nil {
		return err
	}
	// docsKey 与文档键不在同一个 slot，单独写
	return r.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (r *redisRegistry) Remove(ctx context.Context, docID, clientID string) error {
	// 两个键共用 hash tag，可以放进同一个事务
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, refSeqKey(docID), clientID)
	tx.ZRem(ctx, expireKey(docID), clientID)
	_, err := tx.Exec(ctx)
	return err
}

func (r *redisRegistry) purge(ctx context.Context, docID string) error {
	now := time.Now().Unix()
	_, err := purgeScript.Run(ctx, r.rdb, []string{refSeqKey(docID), expireKey(docID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (r *redisRegistry) MinRefSeq(ctx context.Context, docID string) (int64, bool, error) {
	if err := r.purge(ctx, docID); err != nil {
		return 0, false, err
	}
	first, err := r.rdb.ZRangeWithScores(ctx, refSeqKey(docID), 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, err
	}
	if len(first) == 0 {
		return 0, false, nil
	}
	return int64(first[0].Score), true, nil
}

func (r *redisRegistry) Members(ctx context.Context, docID string) ([]ClientRef, error) {
	if err := r.purge(ctx, docID); err != nil {
		return nil, err
	}
	zs, err := r.rdb.ZRangeWithScores(ctx, refSeqKey(docID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]ClientRef, 0, len(zs))
	for _, z := range zs {
		// ZRange 返回的 member 是字符串
		id, _ := z.Member.(string)
		out = append(out, ClientRef{ClientID: id, RefSeq: int64(z.Score)})
	}
	return out, nil
}

func (r *redisRegistry) Documents(ctx context.Context) ([]string, error) {
	return r.rdb.SMembers(ctx, docsKey()).Result()
}
