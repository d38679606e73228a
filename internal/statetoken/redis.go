// ABOUTME: Shared state-token registry on Redis for multi-instance deployments
// ABOUTME: A Lua script makes check-and-consume atomic; key expiry does the sweeping

package statetoken

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces state tokens in Redis.
const KeyPrefix = "oauth_state:"

// Script results
const (
	consumeMissing  = 0
	consumeExpired  = 1
	consumeReplayed = 2
	consumeOK       = 3
)

// consumeScript returns {status, user_id, tool_name}. Times are unix milliseconds.
var consumeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'user_id', 'tool_name', 'expires_at', 'consumed')
if not v[1] then
	return {0}
end
if tonumber(ARGV[1]) >= tonumber(v[3]) then
	return {1, v[1], v[2]}
end
if v[4] == '1' then
	return {2, v[1], v[2]}
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return {3, v[1], v[2]}
`)

// RedisRegistry stores tokens as hashes under KeyPrefix.
type RedisRegistry struct {
	client *redis.Client
	opts   Options
}

// NewRedisRegistry connects to url and verifies the connection.
func NewRedisRegistry(ctx context.Context, url string, opts Options) (*RedisRegistry, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRegistry{client: client, opts: opts.withDefaults()}, nil
}

func (r *RedisRegistry) key(token string) string {
	return KeyPrefix + hashToken(token)
}

// Issue stores a token hash with a key expiry of TTL plus retention.
func (r *RedisRegistry) Issue(ctx context.Context, userID, toolName string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	now := r.opts.Now()
	key := r.key(token)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user_id", userID,
			"tool_name", toolName,
			"issued_at", strconv.FormatInt(now.UnixMilli(), 10),
			"expires_at", strconv.FormatInt(now.Add(r.opts.TTL).UnixMilli(), 10),
			"consumed", "0",
		)
		pipe.PExpire(ctx, key, r.opts.TTL+r.opts.Retention)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("storing state token: %w", err)
	}
	return token, nil
}

// Consume runs the consume script against the token's key.
func (r *RedisRegistry) Consume(ctx context.Context, token string) (*Claims, error) {
	now := r.opts.Now()
	res, err := consumeScript.Run(ctx, r.client, []string{r.key(token)}, now.UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("consuming state token: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("consuming state token: empty script result")
	}

	status, _ := res[0].(int64)
	switch status {
	case consumeMissing:
		return nil, ErrNotFound
	case consumeExpired:
		return nil, ErrExpired
	case consumeReplayed:
		return nil, ErrAlreadyConsumed
	case consumeOK:
	default:
		return nil, fmt.Errorf("consuming state token: unexpected status %d", status)
	}

	if len(res) < 3 {
		return nil, fmt.Errorf("consuming state token: short script result")
	}
	userID, _ := res[1].(string)
	toolName, _ := res[2].(string)
	return &Claims{UserID: userID, ToolName: toolName}, nil
}

// Sweep is a no-op: Redis expires keys on its own.
func (r *RedisRegistry) Sweep(ctx context.Context) (int64, error) {
	return 0, nil
}

// Close closes the Redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

var _ Registry = (*RedisRegistry)(nil)
