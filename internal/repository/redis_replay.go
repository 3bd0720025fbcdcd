package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/paygate-labs/paygate/internal/replay"
	"github.com/redis/go-redis/v9"
)

// RedisReplayStore shares the replay cache across gate processes. Reserve
// is a single SET NX; the value holds the serialized entry so observers see
// the cached outcome without a second round trip.
type RedisReplayStore struct {
	client     *RedisClient
	prefix     string
	pendingTTL time.Duration
}

func NewRedisReplayStore(client *RedisClient) *RedisReplayStore {
	return &RedisReplayStore{
		client:     client,
		prefix:     "replay:",
		pendingTTL: 2 * time.Minute,
	}
}

func (s *RedisReplayStore) Reserve(ctx context.Context, nonce string, expiresAt time.Time) (*replay.Entry, bool, error) {
	entry := replay.Entry{
		Nonce:       nonce,
		Pending:     true,
		FirstSeenAt: time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	payload, err := json.Marshal(&entry)
	if err != nil {
		return nil, false, err
	}

	// Pending reservations get a short TTL so a crashed holder never locks
	// the nonce permanently; Finalize extends to the real expiry.
	ok, err := s.client.Client.SetNX(ctx, s.prefix+nonce, payload, s.pendingTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}

	raw, err := s.client.Client.Get(ctx, s.prefix+nonce).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Entry vanished between SetNX and Get; treat as in progress.
			existing := entry
			return &existing, false, nil
		}
		return nil, false, err
	}
	var existing replay.Entry
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (s *RedisReplayStore) Finalize(ctx context.Context, nonce string, verified bool, reason, ref string) error {
	raw, err := s.client.Client.Get(ctx, s.prefix+nonce).Bytes()
	if err != nil {
		return err
	}
	var entry replay.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return err
	}
	if !entry.Pending {
		return nil
	}
	entry.Pending = false
	entry.Verified = verified
	entry.Reason = reason
	entry.SettlementRef = ref

	payload, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.Client.Set(ctx, s.prefix+nonce, payload, ttl).Err()
}

func (s *RedisReplayStore) Release(ctx context.Context, nonce string) error {
	return s.client.Client.Del(ctx, s.prefix+nonce).Err()
}
