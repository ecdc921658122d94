package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/crypto"
	"github.com/eldtechnologies/ridewire/internal/dispatch"
	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/relay"
)

const (
	availableKey = "pool:available"
	presenceTTL  = 24 * time.Hour
)

// RedisStore handles Redis operations for shared ephemeral state: the
// availability pool, the presence directory and offline queues.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying client, shared with the rate limiter and
// the fan-out broker.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func observeRedis(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// presenceKey returns the key for an identity's per-instance presence hash.
func presenceKey(identityID string) string {
	return fmt.Sprintf("presence:%s", identityID)
}

// queueKey returns the key for an identity's offline queue sorted set.
func queueKey(identityID string) string {
	return fmt.Sprintf("queue:%s", identityID)
}

// queueSeqKey returns the key of the counter ordering an identity's queue
// members.
func queueSeqKey(identityID string) string {
	return fmt.Sprintf("queue-seq:%s", identityID)
}

const (
	seqWidth     = 20
	seqSeparator = '|'
)

var errMalformedMember = errors.New("malformed queue member")

// SetAvailable adds or removes a fulfiller from the availability pool.
func (s *RedisStore) SetAvailable(ctx context.Context, fulfillerID string, available bool) error {
	defer observeRedis(time.Now())
	if available {
		return s.client.SAdd(ctx, availableKey, fulfillerID).Err()
	}
	return s.client.SRem(ctx, availableKey, fulfillerID).Err()
}

// IsAvailable reports pool membership.
func (s *RedisStore) IsAvailable(ctx context.Context, fulfillerID string) (bool, error) {
	defer observeRedis(time.Now())
	return s.client.SIsMember(ctx, availableKey, fulfillerID).Result()
}

// AvailableFulfillers returns the pool sorted by ID. Order carries no
// ranking.
func (s *RedisStore) AvailableFulfillers(ctx context.Context) ([]string, error) {
	defer observeRedis(time.Now())
	ids, err := s.client.SMembers(ctx, availableKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Connect records that instance holds a connection of identityID.
func (s *RedisStore) Connect(ctx context.Context, identityID, instance string) error {
	defer observeRedis(time.Now())
	key := presenceKey(identityID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, instance, time.Now().Unix())
	pipe.Expire(ctx, key, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Disconnect records that instance no longer holds any connection of
// identityID.
func (s *RedisStore) Disconnect(ctx context.Context, identityID, instance string) error {
	defer observeRedis(time.Now())
	return s.client.HDel(ctx, presenceKey(identityID), instance).Err()
}

// IsOnline reports whether any instance holds a connection of identityID.
func (s *RedisStore) IsOnline(ctx context.Context, identityID string) (bool, error) {
	defer observeRedis(time.Now())
	n, err := s.client.HLen(ctx, presenceKey(identityID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RedisQueue is a relay.Queue backed by one sorted set per identity,
// scored by enqueue time in milliseconds. Each member starts with a
// zero-padded per-identity sequence number, so members sharing a score
// sort in enqueue order. With a sealer, the rest of the member is
// encrypted and bound to the identity it is queued for.
type RedisQueue struct {
	client *redis.Client
	clock  clock.Clock
	opts   relay.QueueOptions
	sealer *crypto.Sealer
}

// Queue returns the offline queue view of this store. sealer may be nil.
func (s *RedisStore) Queue(clk clock.Clock, opts relay.QueueOptions, sealer *crypto.Sealer) *RedisQueue {
	return &RedisQueue{client: s.client, clock: clk, opts: opts, sealer: sealer}
}

func (q *RedisQueue) encode(identityID string, seq int64, msg models.QueuedMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if q.sealer != nil {
		if data, err = q.sealer.Seal(data, []byte(identityID)); err != nil {
			return "", fmt.Errorf("seal: %w", err)
		}
	}
	return fmt.Sprintf("%020d%c%s", seq, seqSeparator, data), nil
}

func (q *RedisQueue) decode(identityID, member string) (models.QueuedMessage, error) {
	var m models.QueuedMessage
	i := strings.IndexByte(member, seqSeparator)
	if i != seqWidth {
		return m, errMalformedMember
	}
	data := []byte(member[i+1:])
	if q.sealer != nil {
		var err error
		if data, err = q.sealer.Open(data, []byte(identityID)); err != nil {
			return m, err
		}
	}
	err := json.Unmarshal(data, &m)
	return m, err
}

func (q *RedisQueue) cutoff() string {
	if q.opts.Retention <= 0 {
		return "-inf"
	}
	return "(" + strconv.FormatInt(q.clock.Now().Add(-q.opts.Retention).UnixMilli(), 10)
}

// Enqueue appends msg and trims the queue by age and count.
func (q *RedisQueue) Enqueue(ctx context.Context, identityID string, msg models.QueuedMessage) error {
	defer observeRedis(time.Now())

	seqKey := queueSeqKey(identityID)
	seq, err := q.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	member, err := q.encode(identityID, seq, msg)
	if err != nil {
		return err
	}

	key := queueKey(identityID)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.EnqueuedAt.UnixMilli()), Member: member})
	if q.opts.Retention > 0 {
		pipe.ZRemRangeByScore(ctx, key, "-inf", q.cutoff())
		pipe.Expire(ctx, key, q.opts.Retention)
		pipe.Expire(ctx, seqKey, q.opts.Retention)
	}
	var trimmed *redis.IntCmd
	if q.opts.MaxMessages > 0 {
		trimmed = pipe.ZRemRangeByRank(ctx, key, 0, -int64(q.opts.MaxMessages)-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if trimmed != nil && trimmed.Val() > 0 {
		metrics.MessagesRelayed.WithLabelValues("evicted").Add(float64(trimmed.Val()))
	}
	return nil
}

// Drain atomically reads and deletes the unexpired messages of identityID.
func (q *RedisQueue) Drain(ctx context.Context, identityID string) ([]models.QueuedMessage, error) {
	defer observeRedis(time.Now())
	key := queueKey(identityID)

	var members *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if q.opts.Retention > 0 {
			pipe.ZRemRangeByScore(ctx, key, "-inf", q.cutoff())
		}
		members = pipe.ZRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}

	out := make([]models.QueuedMessage, 0, len(members.Val()))
	for _, member := range members.Val() {
		m, err := q.decode(identityID, member)
		if err != nil {
			metrics.MessagesRelayed.WithLabelValues("unreadable").Inc()
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Len returns how many unexpired messages wait for identityID.
func (q *RedisQueue) Len(ctx context.Context, identityID string) (int, error) {
	defer observeRedis(time.Now())
	lo := "-inf"
	if q.opts.Retention > 0 {
		lo = strconv.FormatInt(q.clock.Now().Add(-q.opts.Retention).UnixMilli(), 10)
	}
	n, err := q.client.ZCount(ctx, queueKey(identityID), lo, "+inf").Result()
	return int(n), err
}

var (
	_ relay.Queue       = (*RedisQueue)(nil)
	_ relay.Presence    = (*RedisStore)(nil)
	_ dispatch.Pool     = (*RedisStore)(nil)
	_ dispatch.Presence = (*RedisStore)(nil)
)
