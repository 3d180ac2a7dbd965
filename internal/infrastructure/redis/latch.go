// Package redis backs the settlement latch with a shared Redis instance so
// multiple rebalancer processes can settle legs of the same plan. Every
// mutation is a single Redis primitive (DECR, INCRBY, or a CAS script), so
// the exactly-one-zero-observer and single-winner-CAS guarantees hold
// across processes.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "rebalancer/pkg/errors"

	"rebalancer/internal/core"
)

// phaseCAS swaps the phase only when it still holds the expected value.
var phaseCAS = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
  return 1
end
return 0
`)

// Store implements core.ISettlementStore on go-redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger core.ILogger
}

func NewStore(url string, ttl time.Duration, logger core.ILogger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Store{
		client: redis.NewClient(opts),
		ttl:    ttl,
		logger: logger.WithField("component", "redis_settlement_store"),
	}, nil
}

// Ping verifies connectivity; called from the health monitor.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(planID, field string) string {
	return "rebalancer:plan:" + planID + ":" + field
}

func (s *Store) InitPlan(ctx context.Context, planID string, outstandingSells int64) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(planID, "outstanding"), outstandingSells, s.ttl)
	pipe.Set(ctx, s.key(planID, "filled_cents"), 0, s.ttl)
	pipe.Set(ctx, s.key(planID, "failed_cents"), 0, s.ttl)
	pipe.Set(ctx, s.key(planID, "phase"), string(core.PhaseSelling), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to arm plan latch: %w", err)
	}
	return nil
}

func (s *Store) DecrementOutstandingSells(ctx context.Context, planID string) (int64, error) {
	key := s.key(planID, "outstanding")
	// DECR on a missing key would mint a fresh -1; require the latch.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, apperrors.ErrPlanUnknown
	}
	return s.client.Decr(ctx, key).Result()
}

func (s *Store) AddFilledValue(ctx context.Context, planID string, cents int64) error {
	return s.client.IncrBy(ctx, s.key(planID, "filled_cents"), cents).Err()
}

func (s *Store) AddFailedSellValue(ctx context.Context, planID string, cents int64) (int64, error) {
	return s.client.IncrBy(ctx, s.key(planID, "failed_cents"), cents).Result()
}

func (s *Store) GetFilledValue(ctx context.Context, planID string) (int64, error) {
	return s.getInt(ctx, s.key(planID, "filled_cents"))
}

func (s *Store) GetFailedSellValue(ctx context.Context, planID string) (int64, error) {
	return s.getInt(ctx, s.key(planID, "failed_cents"))
}

func (s *Store) GetPhase(ctx context.Context, planID string) (core.PlanPhase, error) {
	val, err := s.client.Get(ctx, s.key(planID, "phase")).Result()
	if err == redis.Nil {
		return "", apperrors.ErrPlanUnknown
	}
	if err != nil {
		return "", err
	}
	return core.PlanPhase(val), nil
}

func (s *Store) CompareAndSetPhase(ctx context.Context, planID string, from, to core.PlanPhase) (bool, error) {
	res, err := phaseCAS.Run(ctx, s.client,
		[]string{s.key(planID, "phase")},
		string(from), string(to),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Store) getInt(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, apperrors.ErrPlanUnknown
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}
