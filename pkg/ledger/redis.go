package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript increments a window hash only when the result stays within limits.
// KEYS[1] window; ARGV: max requests, max cost, cost, expire-at (unix ms).
var reserveScript = redis.NewScript(`
local req = tonumber(redis.call('HGET', KEYS[1], 'req') or '0')
local cost = tonumber(redis.call('HGET', KEYS[1], 'cost') or '0')
local add = tonumber(ARGV[3])
if req + 1 > tonumber(ARGV[1]) then
	return {0, tostring(req), tostring(cost)}
end
if cost + add > tonumber(ARGV[2]) then
	return {0, tostring(req), tostring(cost)}
end
redis.call('HINCRBY', KEYS[1], 'req', 1)
local total = redis.call('HINCRBYFLOAT', KEYS[1], 'cost', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return {1, tostring(req + 1), total}
`)

// settleScript applies clamped adjustments once per settlement key.
// KEYS[1] settlement marker, KEYS[2..] windows; ARGV: marker ttl ms, then
// request and cost deltas per window.
var settleScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
	return 0
end
for i = 2, #KEYS do
	if redis.call('EXISTS', KEYS[i]) == 1 then
		local base = (i - 2) * 2 + 2
		local req = tonumber(redis.call('HGET', KEYS[i], 'req') or '0') + tonumber(ARGV[base])
		if req < 0 then req = 0 end
		local cost = tonumber(redis.call('HGET', KEYS[i], 'cost') or '0') + tonumber(ARGV[base + 1])
		if cost < 0 then cost = 0 end
		redis.call('HSET', KEYS[i], 'req', tostring(req), 'cost', tostring(cost))
	end
end
return 1
`)

// RedisStore keeps windows as Redis hashes that expire after the grace period.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	grace  time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(addr, password string, db int, grace time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("ledger redis connected", "addr", addr, "db", db)
	return NewRedisWithClient(rdb, "aigw:", grace), nil
}

// NewRedisWithClient wraps an existing client. Keys are namespaced by prefix.
func NewRedisWithClient(rdb *redis.Client, prefix string, grace time.Duration) *RedisStore {
	if grace <= 0 {
		grace = time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: prefix, grace: grace}
}

func (s *RedisStore) windowKey(k Key) string {
	return fmt.Sprintf("%swin:%s:%s:%d", s.prefix, k.Scope, k.Kind, k.Start)
}

// CheckAndReserve implements Store.
func (s *RedisStore) CheckAndReserve(ctx context.Context, key Key, limit Limit, cost float64) (Decision, error) {
	expireAt := key.EndTime().Add(s.grace)
	if floor := time.Now().Add(s.grace); expireAt.Before(floor) {
		expireAt = floor
	}
	raw, err := reserveScript.Run(ctx, s.rdb, []string{s.windowKey(key)},
		strconv.FormatInt(limit.maxRequests(), 10),
		strconv.FormatFloat(limit.maxCost(), 'g', -1, 64),
		strconv.FormatFloat(cost, 'g', -1, 64),
		strconv.FormatInt(expireAt.UnixMilli(), 10),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reserve: %w", err)
	}
	if len(raw) != 3 {
		return Decision{}, fmt.Errorf("reserve: unexpected reply %v", raw)
	}

	c, err := parseCounter(raw[1], raw[2])
	if err != nil {
		return Decision{}, err
	}
	if ok, _ := raw[0].(int64); ok == 1 {
		return Decision{Admitted: true, Counter: c}, nil
	}
	reason := limit.check(c, cost)
	if reason == DenyNone {
		reason = DenyRequests
	}
	return Decision{Reason: reason, Counter: c}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key) (Counter, error) {
	vals, err := s.rdb.HMGet(ctx, s.windowKey(key), "req", "cost").Result()
	if err != nil {
		return Counter{}, fmt.Errorf("read window: %w", err)
	}
	return parseCounter(vals[0], vals[1])
}

// Settle implements Store.
func (s *RedisStore) Settle(ctx context.Context, id string, _ time.Time, adjustments []Adjustment) (bool, error) {
	keys := make([]string, 0, len(adjustments)+1)
	keys = append(keys, s.prefix+"settled:"+id)
	args := make([]interface{}, 0, len(adjustments)*2+1)
	// Markers outlive any window they could touch.
	args = append(args, (24*time.Hour + s.grace).Milliseconds())
	for _, a := range adjustments {
		keys = append(keys, s.windowKey(a.Key))
		args = append(args, a.Requests, strconv.FormatFloat(a.Cost, 'g', -1, 64))
	}

	n, err := settleScript.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("settle: %w", err)
	}
	return n == 1, nil
}

// Prune implements Store. Windows and markers expire on their own.
func (s *RedisStore) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func parseCounter(req, cost interface{}) (Counter, error) {
	var c Counter
	if str, ok := req.(string); ok && str != "" {
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return Counter{}, fmt.Errorf("parse request count %q: %w", str, err)
		}
		c.Requests = int64(f)
	}
	if str, ok := cost.(string); ok && str != "" {
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return Counter{}, fmt.Errorf("parse cost %q: %w", str, err)
		}
		c.Cost = f
	}
	return c, nil
}
