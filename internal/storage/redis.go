package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/flowguard/internal/models"
)

const (
	keyFlows        = "flows"
	keyAlerts       = "alerts"
	keyBlockPrefix  = "blocks:active:"
	keyBlockIndex   = "blocks:index"
	keyBlockHistory = "blocks:history"
	keyWhitelist    = "whitelist"
	keyPolicy       = "config:detection_policy"

	// AlertsChannel is the pub/sub channel alerts are published on
	AlertsChannel = "alerts"
)

// insertBlockScript sets the block key and its index member together, so an
// active block is never left out of the index
var insertBlockScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
	return 1
end
return 0
`)

// RedisStore keeps flows and alerts in time-ordered sorted sets trimmed to the
// retention, active blocks as keys carrying a native TTL equal to unblock_at,
// and block history in a sorted set that is never trimmed.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	clock     clockwork.Clock
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, addr, password string, db int, retention time.Duration, clock clockwork.Clock) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, retention, clock), nil
}

// NewRedisStoreFromClient wraps an existing client. Retention cutoffs are
// taken from clock.
func NewRedisStoreFromClient(client *redis.Client, retention time.Duration, clock clockwork.Clock) *RedisStore {
	return &RedisStore{client: client, retention: retention, clock: clock}
}

// trim drops members of key scored before the retention window
func (r *RedisStore) trim(ctx context.Context, key string) {
	if r.retention <= 0 {
		return
	}
	cutoff := r.clock.Now().Add(-r.retention).UnixMilli()
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		log.Warnf("Error trimming %s: %v", key, err)
	}
}

// SaveFlow stores a feature submission and drops flows older than the retention
func (r *RedisStore) SaveFlow(ctx context.Context, flow models.FlowRecord) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return err
	}

	if err := r.client.ZAdd(ctx, keyFlows, redis.Z{
		Score:  float64(flow.ReceivedAt.UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("store flow: %w", err)
	}

	r.trim(ctx, keyFlows)
	return nil
}

// CountFlowsSince counts flows received at or after since
func (r *RedisStore) CountFlowsSince(ctx context.Context, since time.Time) (int64, error) {
	return r.client.ZCount(ctx, keyFlows, strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
}

// SaveAlert stores an alert, publishes it to subscribers and drops alerts
// older than the retention
func (r *RedisStore) SaveAlert(ctx context.Context, alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, keyAlerts, redis.Z{
		Score:  float64(alert.DetectedAt.UnixMilli()),
		Member: string(data),
	})
	pipe.Publish(ctx, AlertsChannel, string(data))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store alert: %w", err)
	}

	r.trim(ctx, keyAlerts)
	return nil
}

// RecentAlerts returns the newest alerts first
func (r *RedisStore) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	results, err := r.client.ZRevRange(ctx, keyAlerts, 0, stop(limit)).Result()
	if err != nil {
		return nil, err
	}

	alerts := make([]models.Alert, 0, len(results))
	for _, result := range results {
		var alert models.Alert
		if err := json.Unmarshal([]byte(result), &alert); err != nil {
			continue
		}
		alerts = append(alerts, alert)
	}

	return alerts, nil
}

// InsertBlock sets the active block key only if absent, with a TTL ending at
// unblock_at, and indexes it in the same script
func (r *RedisStore) InsertBlock(ctx context.Context, block models.BlockEntry) (bool, error) {
	data, err := json.Marshal(block)
	if err != nil {
		return false, err
	}

	ttl := block.Duration()
	if ttl <= 0 {
		ttl = time.Second
	}

	n, err := insertBlockScript.Run(ctx, r.client,
		[]string{keyBlockPrefix + block.IP, keyBlockIndex},
		string(data), ttl.Milliseconds(), block.UnblockAt.Unix(), block.IP,
	).Int()
	if err != nil {
		return false, fmt.Errorf("insert block: %w", err)
	}

	return n == 1, nil
}

// GetBlock returns the active block for ip or ErrNotFound
func (r *RedisStore) GetBlock(ctx context.Context, ip string) (models.BlockEntry, error) {
	var block models.BlockEntry

	data, err := r.client.Get(ctx, keyBlockPrefix+ip).Bytes()
	if errors.Is(err, redis.Nil) {
		return block, ErrNotFound
	}
	if err != nil {
		return block, err
	}

	if err := json.Unmarshal(data, &block); err != nil {
		return block, fmt.Errorf("decode block %s: %w", ip, err)
	}

	return block, nil
}

// DeleteBlock removes the active block for ip
func (r *RedisStore) DeleteBlock(ctx context.Context, ip string) (bool, error) {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, keyBlockPrefix+ip)
	pipe.ZRem(ctx, keyBlockIndex, ip)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete block: %w", err)
	}

	return del.Val() > 0, nil
}

// ListBlocks returns active blocks, newest first. Index members whose key
// already expired are dropped from the index.
func (r *RedisStore) ListBlocks(ctx context.Context, limit int) ([]models.BlockEntry, error) {
	ips, err := r.client.ZRange(ctx, keyBlockIndex, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return []models.BlockEntry{}, nil
	}

	keys := make([]string, len(ips))
	for i, ip := range ips {
		keys[i] = keyBlockPrefix + ip
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	blocks := make([]models.BlockEntry, 0, len(values))
	stale := make([]interface{}, 0)

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ips[i])
			continue
		}
		var block models.BlockEntry
		if err := json.Unmarshal([]byte(s), &block); err != nil {
			continue
		}
		blocks = append(blocks, block)
	}

	if len(stale) > 0 {
		r.client.ZRem(ctx, keyBlockIndex, stale...)
	}

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].BlockedAt.After(blocks[j].BlockedAt)
	})

	return blocks[:clampLimit(limit, len(blocks))], nil
}

// AppendBlockHistory records an immutable audit entry
func (r *RedisStore) AppendBlockHistory(ctx context.Context, entry models.BlockHistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := r.client.ZAdd(ctx, keyBlockHistory, redis.Z{
		Score:  float64(entry.BlockedAt.UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("append block history: %w", err)
	}

	return nil
}

// BlockHistory returns audit entries, newest first
func (r *RedisStore) BlockHistory(ctx context.Context, limit int) ([]models.BlockHistoryEntry, error) {
	results, err := r.client.ZRevRange(ctx, keyBlockHistory, 0, stop(limit)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]models.BlockHistoryEntry, 0, len(results))
	for _, result := range results {
		var entry models.BlockHistoryEntry
		if err := json.Unmarshal([]byte(result), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// AddWhitelist upserts a whitelist entry keyed by IP
func (r *RedisStore) AddWhitelist(ctx context.Context, entry models.WhitelistEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return r.client.HSet(ctx, keyWhitelist, entry.IP, string(data)).Err()
}

func (r *RedisStore) RemoveWhitelist(ctx context.Context, ip string) (bool, error) {
	n, err := r.client.HDel(ctx, keyWhitelist, ip).Result()
	return n > 0, err
}

func (r *RedisStore) IsWhitelisted(ctx context.Context, ip string) (bool, error) {
	return r.client.HExists(ctx, keyWhitelist, ip).Result()
}

// ListWhitelist returns entries, newest first
func (r *RedisStore) ListWhitelist(ctx context.Context, limit int) ([]models.WhitelistEntry, error) {
	data, err := r.client.HGetAll(ctx, keyWhitelist).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]models.WhitelistEntry, 0, len(data))
	for _, raw := range data {
		var entry models.WhitelistEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	return entries[:clampLimit(limit, len(entries))], nil
}

// LoadPolicy returns the policy document or ErrNotFound
func (r *RedisStore) LoadPolicy(ctx context.Context) (models.PolicyConfig, error) {
	var policy models.PolicyConfig

	data, err := r.client.Get(ctx, keyPolicy).Bytes()
	if errors.Is(err, redis.Nil) {
		return policy, ErrNotFound
	}
	if err != nil {
		return policy, err
	}

	if err := json.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("decode policy: %w", err)
	}

	return policy, nil
}

func (r *RedisStore) SavePolicy(ctx context.Context, policy models.PolicyConfig) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, keyPolicy, string(data), 0).Err()
}

// SubscribeAlerts delivers alerts published by any process sharing this
// Redis until ctx is cancelled. The returned channel is closed on exit.
func (r *RedisStore) SubscribeAlerts(ctx context.Context) <-chan models.Alert {
	out := make(chan models.Alert, 64)
	sub := r.client.Subscribe(ctx, AlertsChannel)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var alert models.Alert
				if err := json.Unmarshal([]byte(msg.Payload), &alert); err != nil {
					log.Debugf("skipping malformed alert message: %v", err)
					continue
				}
				select {
				case out <- alert:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func stop(limit int) int64 {
	if limit <= 0 {
		return -1
	}
	return int64(limit - 1)
}
