package persistence

import (
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis position store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// MaxRetries bounds optimistic retries after a concurrent write.
	MaxRetries int
	// KeyPrefix is prepended to the account id; default "lend:position:".
	KeyPrefix string
}

// NewRedisClient opens a client and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisStore keeps each position as a 17-byte string value and serializes
// writers per account with WATCH/MULTI/EXEC, retrying when the key changed.
// The last ledger.AppliedWindow request ids per account live in a list
// written in the same MULTI as the position.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
	metrics    *observability.Metrics
}

func NewRedisStore(client redis.UniversalClient, opts RedisOptions, metrics *observability.Metrics) *RedisStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "lend:position:"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 16
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		maxRetries: maxRetries,
		metrics:    metrics,
	}
}

func (s *RedisStore) key(id uuid.UUID) string {
	return s.prefix + id.String()
}

func (s *RedisStore) appliedKey(id uuid.UUID) string {
	return s.prefix + id.String() + ":applied"
}

func (s *RedisStore) WithPosition(ctx context.Context, id uuid.UUID, fn func(tx ledger.PositionTx) error) error {
	key := s.key(id)
	appliedKey := s.appliedKey(id)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var fnErr error

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readPosition(ctx, tx, key)
			if err != nil {
				return err
			}

			ptx := &redisTx{stagedTx: stagedTx{current: current}, ctx: ctx, tx: tx, appliedKey: appliedKey}
			if err := fn(ptx); err != nil {
				fnErr = err
				return err
			}
			if ptx.staged == nil {
				return nil
			}

			rec, err := ptx.staged.MarshalBinary()
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, rec, 0)
				if ptx.journal != nil {
					pipe.LPush(ctx, appliedKey, ptx.journal.RequestID.String())
					pipe.LTrim(ctx, appliedKey, 0, ledger.AppliedWindow-1)
				}
				return nil
			})
			return err
		}, key, appliedKey)

		switch {
		case fnErr != nil:
			return fnErr
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			if s.metrics != nil {
				s.metrics.StoreConflicts.Inc()
			}
			continue
		case errors.Is(err, ledger.ErrStorageFailure):
			return err
		default:
			return storageErr("redis transaction", err)
		}
	}

	return fmt.Errorf("%w: %d concurrent write conflicts on %s", ledger.ErrStorageFailure, s.maxRetries, key)
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (ledger.Position, error) {
	p, err := readPosition(ctx, s.client, s.key(id))
	if err != nil && !errors.Is(err, ledger.ErrStorageFailure) {
		return ledger.Position{}, storageErr("redis get", err)
	}
	return p, err
}

// Ping checks the connection for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type redisTx struct {
	stagedTx
	ctx        context.Context
	tx         *redis.Tx
	appliedKey string
}

func (t *redisTx) Applied(requestID uuid.UUID) (bool, error) {
	_, err := t.tx.LPos(t.ctx, t.appliedKey, requestID.String(), redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("check request id", err)
	}
	return true, nil
}

// getter is satisfied by both *redis.Tx and redis.UniversalClient.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readPosition(ctx context.Context, c getter, key string) (ledger.Position, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Position{}, nil
	}
	if err != nil {
		return ledger.Position{}, err
	}

	var p ledger.Position
	if err := p.UnmarshalBinary(data); err != nil {
		return ledger.Position{}, err
	}
	return p, nil
}
