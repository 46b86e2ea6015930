package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string // host:port
	Password  string
	DB        int
	KeyPrefix string // defaults to "agentdispatch:"
}

// RedisStore is a Store shared by every runner pointed at the same Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
}

// claimScript applies the claim rules atomically. It mirrors decideClaim.
var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'completed' then
	return {'done', redis.call('HGET', KEYS[1], 'run_id'), '0'}
end
if status == 'running' then
	local owner = redis.call('HGET', KEYS[1], 'run_id')
	local lease = redis.call('HGET', KEYS[1], 'lease_until') or '0'
	if owner ~= ARGV[2] and tonumber(lease) > tonumber(ARGV[3]) then
		return {'inflight', owner, lease}
	end
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0') + 1
redis.call('HSET', KEYS[1],
	'key', ARGV[5], 'agent', ARGV[1], 'status', 'running', 'run_id', ARGV[2],
	'attempts', attempts, 'claimed_at', ARGV[3], 'lease_until', ARGV[4],
	'finished_at', '0', 'error', '')
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
return {'ok', ARGV[2], tostring(attempts)}
`)

// finishScript sets a terminal status if runID still owns the running claim.
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'running' or redis.call('HGET', KEYS[1], 'run_id') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'finished_at', ARGV[3], 'error', ARGV[4],
	'cost_usd', ARGV[5], 'findings', ARGV[6], 'issues_filed', ARGV[7])
return 1
`)

// reopenScript drops a record only while it is completed.
var reopenScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'completed' then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentdispatch:"
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts}, nil
}

func (s *RedisStore) jobKey(key string) string   { return s.prefix + "job:" + key }
func (s *RedisStore) indexKey() string           { return s.prefix + "jobs" }
func (s *RedisStore) spendKey(day string) string { return s.prefix + "spend:" + day }

func (s *RedisStore) Claim(ctx context.Context, key, agent, runID string, lease time.Duration) (Record, error) {
	now := s.opts.now()
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.jobKey(key), s.indexKey()},
		agent, runID, now.UnixNano(), now.Add(lease).UnixNano(), key,
	).StringSlice()
	if err != nil {
		return Record{}, fmt.Errorf("redis: claiming %s: %w", key, err)
	}
	if len(res) != 3 {
		return Record{}, fmt.Errorf("redis: claiming %s: unexpected reply %v", key, res)
	}

	switch res[0] {
	case "done":
		r, _ := s.Get(ctx, key)
		return r, ErrAlreadyDone
	case "inflight":
		leaseNanos, _ := strconv.ParseInt(res[2], 10, 64)
		r, _ := s.Get(ctx, key)
		return r, fmt.Errorf("%w: run %s until %s", ErrInFlight, res[1], fromNanos(leaseNanos).Format(time.RFC3339))
	}

	attempts, _ := strconv.Atoi(res[2])
	return Record{
		Key:        key,
		Agent:      agent,
		Status:     StatusRunning,
		RunID:      runID,
		Attempts:   attempts,
		ClaimedAt:  now,
		LeaseUntil: now.Add(lease),
	}, nil
}

func (s *RedisStore) finish(ctx context.Context, key, runID string, status Status, msg string, out Outcome) error {
	ok, err := finishScript.Run(ctx, s.client, []string{s.jobKey(key)},
		runID, string(status), s.opts.now().UnixNano(), msg,
		strconv.FormatFloat(out.CostUSD, 'f', -1, 64), out.Findings, out.IssuesFiled,
	).Int()
	if err != nil {
		return fmt.Errorf("redis: finishing %s: %w", key, err)
	}
	if ok != 1 {
		return fmt.Errorf("finishing %s: %w", key, ErrNotOwner)
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, key, runID string, out Outcome) error {
	return s.finish(ctx, key, runID, StatusCompleted, "", out)
}

func (s *RedisStore) Fail(ctx context.Context, key, runID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, key, runID, StatusFailed, msg, Outcome{})
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.jobKey(key))
	pipe.ZRem(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: resetting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Reopen(ctx context.Context, key string) (bool, error) {
	n, err := reopenScript.Run(ctx, s.client, []string{s.jobKey(key), s.indexKey()}, key).Int()
	if err != nil {
		return false, fmt.Errorf("redis: reopening %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis: reading %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromHash(fields), nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	keys, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: listing records: %w", err)
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		r, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortRecent(out)
	return out, nil
}

func (s *RedisStore) Prune(ctx context.Context, before time.Time) (int, error) {
	// A record cannot finish before it was claimed, so only keys claimed
	// before the cutoff are candidates.
	keys, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UTC().UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: pruning: %w", err)
	}
	n := 0
	for _, key := range keys {
		r, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			s.client.ZRem(ctx, s.indexKey(), key)
			continue
		}
		if err != nil {
			return n, err
		}
		if r.Status == StatusRunning || !r.FinishedAt.Before(before) {
			continue
		}
		if err := s.Reset(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *RedisStore) AddSpend(ctx context.Context, day, scope string, usd float64, tokens int64) error {
	pipe := s.client.TxPipeline()
	pipe.HIncrByFloat(ctx, s.spendKey(day), scope+":usd", usd)
	pipe.HIncrBy(ctx, s.spendKey(day), scope+":tokens", tokens)
	pipe.Expire(ctx, s.spendKey(day), 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: recording spend: %w", err)
	}
	return nil
}

func (s *RedisStore) Spend(ctx context.Context, day, scope string) (Spend, error) {
	vals, err := s.client.HMGet(ctx, s.spendKey(day), scope+":usd", scope+":tokens").Result()
	if err != nil {
		return Spend{}, fmt.Errorf("redis: reading spend: %w", err)
	}
	var sp Spend
	if v, ok := vals[0].(string); ok {
		sp.USD, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := vals[1].(string); ok {
		sp.Tokens, _ = strconv.ParseInt(v, 10, 64)
	}
	return sp, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func recordFromHash(h map[string]string) Record {
	atoi := func(k string) int { n, _ := strconv.Atoi(h[k]); return n }
	nanos := func(k string) time.Time { n, _ := strconv.ParseInt(h[k], 10, 64); return fromNanos(n) }
	cost, _ := strconv.ParseFloat(h["cost_usd"], 64)
	return Record{
		Key:         h["key"],
		Agent:       h["agent"],
		Status:      Status(h["status"]),
		RunID:       h["run_id"],
		Attempts:    atoi("attempts"),
		ClaimedAt:   nanos("claimed_at"),
		LeaseUntil:  nanos("lease_until"),
		FinishedAt:  nanos("finished_at"),
		Error:       h["error"],
		CostUSD:     cost,
		Findings:    atoi("findings"),
		IssuesFiled: atoi("issues_filed"),
	}
}
