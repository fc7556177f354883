package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisLease 用 SET NX PX 实现文档写权限租约。
// 续租和释放都先比对持有者，避免误删别的节点刚拿到的租约。
type RedisLease struct {
	rdb redis.UniversalClient
}

func NewRedisLease(rdb redis.UniversalClient) *RedisLease {
	return &RedisLease{rdb: rdb}
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLease) Acquire(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, leaseKey(docID), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// 自己已经持有（例如重启前没来得及释放）时视为成功并续期
	return l.Renew(ctx, docID, owner, ttl)
}

func (l *RedisLease) Renew(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{leaseKey(docID)}, owner, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, docID, owner string) error {
	err := releaseScript.Run(ctx, l.rdb, []string{leaseKey(docID)}, owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Owner 返回当前持有者，没有时返回 ""
func (l *RedisLease) Owner(ctx context.Context, docID string) (string, error) {
	owner, err := l.rdb.Get(ctx, leaseKey(docID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// LocalLease 是单节点部署时的进程内租约
type LocalLease struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]localLease
}

type localLease struct {
	owner    string
	expireAt time.Time
}

func NewLocalLease() *LocalLease {
	return &LocalLease{now: time.Now, leases: make(map[string]localLease)}
}

func (l *LocalLease) Acquire(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[docID]; ok && cur.owner != owner && now.Before(cur.expireAt) {
		return false, nil
	}
	l.leases[docID] = localLease{owner: owner, expireAt: now.Add(ttl)}
	return true, nil
}

func (l *LocalLease) Renew(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[docID]
	if !ok || cur.owner != owner || !now.Before(cur.expireAt) {
		return false, nil
	}
	l.leases[docID] = localLease{owner: owner, expireAt: now.Add(ttl)}
	return true, nil
}

func (l *LocalLease) Release(ctx context.Context, docID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[docID]; ok && cur.owner == owner {
		delete(l.leases, docID)
	}
	return nil
}
