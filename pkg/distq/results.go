package distq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultResultTTL = time.Hour

// ResultStore persists task results under TTL-bound keys and notifies the
// fixed result channels. Keys survive their notification so a consumer that
// reconnects within the TTL can still pick the result up; a key nobody reads
// simply expires.
type ResultStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// ResultStoreOption configures a ResultStore.
type ResultStoreOption func(*ResultStore)

// WithResultTTL overrides the default one hour result retention.
func WithResultTTL(ttl time.Duration) ResultStoreOption {
	return func(s *ResultStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewResultStore creates a new ResultStore.
func NewResultStore(client redis.UniversalClient, opts ...ResultStoreOption) (*ResultStore, error) {
	if client == nil {
		return nil, ErrClientNil
	}

	s := &ResultStore{
		client: client,
		ttl:    defaultResultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Publish stores the result envelope under its correlation key and announces
// the key name on the given channel.
func (s *ResultStore) Publish(ctx context.Context, channel string, env Envelope) error {
	raw, err := env.encode()
	if err != nil {
		return errors.Join(ErrPayloadMarshal, err)
	}

	key := resultKey(env.BID, env.Index)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, raw, s.ttl)
	pipe.Publish(ctx, channel, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish result %q: %w", key, err)
	}
	return nil
}

// Consume reads and deletes the result stored under key. Results are
// consume-once: a second read of the same key reports ErrResultExpired, as
// does a read after the TTL evicted the key.
func (s *ResultStore) Consume(ctx context.Context, key string) (Envelope, error) {
	raw, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, fmt.Errorf("%w: %q", ErrResultExpired, key)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to consume result %q: %w", key, err)
	}
	return decodeEnvelope(raw)
}
