package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/metrics"
)

// ErrLedgerContention is returned when a Redis reservation lost the
// optimistic race more times than allowed. It is retryable.
var ErrLedgerContention = errors.New("capacity ledger contention")

const capacityKeyPrefix = "carelink:capacity:"

// RedisLedger keeps one hash per capability with fields max and current.
// Updates run in WATCH/MULTI transactions and retry when another writer
// touched the key in between.
type RedisLedger struct {
	client     *redis.Client
	maxRetries int
}

func NewRedisLedger(client *redis.Client, maxRetries int) *RedisLedger {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &RedisLedger{client: client, maxRetries: maxRetries}
}

func capacityKey(id uuid.UUID) string { return capacityKeyPrefix + id.String() }

func (l *RedisLedger) Seed(ctx context.Context, caps []ProviderCapability) error {
	if len(caps) == 0 {
		return nil
	}
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range caps {
			key := capacityKey(c.ID)
			pipe.HSet(ctx, key, "max", formatHours(c.MaxWeeklyHours))
			pipe.HSetNX(ctx, key, "current", formatHours(c.CurrentUtilizationHours))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed capacity ledger: %w", err)
	}
	return nil
}

func (l *RedisLedger) Utilization(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]float64, error) {
	cmds := make([]*redis.StringCmd, len(ids))
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, capacityKey(id), "current")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read capacity ledger: %w", err)
	}
	out := make(map[uuid.UUID]float64, len(ids))
	for i, cmd := range cmds {
		v, err := cmd.Float64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read capacity of %s: %w", ids[i], err)
		}
		out[ids[i]] = v
	}
	return out, nil
}

func (l *RedisLedger) Reserve(ctx context.Context, id uuid.UUID, hours float64) (Reservation, error) {
	if err := checkHours(hours); err != nil {
		return Reservation{}, err
	}
	var res Reservation
	err := l.update(ctx, id, func(max, current float64) (float64, error) {
		if !fits(current, hours, max) {
			return 0, &CapacityError{CapabilityID: id, Requested: hours, Available: roundHours(max - current)}
		}
		next := roundHours(current + hours)
		res = Reservation{CapabilityID: id, Hours: hours, Utilization: next, Max: max}
		return next, nil
	})
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		metrics.CapacityConflicts.WithLabelValues("redis").Inc()
	}
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

func (l *RedisLedger) Release(ctx context.Context, id uuid.UUID, hours float64) error {
	if err := checkHours(hours); err != nil {
		return err
	}
	return l.update(ctx, id, func(_, current float64) (float64, error) {
		return math.Max(0, roundHours(current-hours)), nil
	})
}

// update reads max and current under WATCH and writes the value next returns.
func (l *RedisLedger) update(ctx context.Context, id uuid.UUID, next func(max, current float64) (float64, error)) error {
	key := capacityKey(id)
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "max", "current").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return ErrNotFound
		}
		max, err := parseHours(vals[0])
		if err != nil {
			return err
		}
		current, err := parseHours(vals[1])
		if err != nil {
			return err
		}
		value, err := next(max, current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "current", formatHours(value))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		err := l.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrLedgerContention, id, l.maxRetries)
}

func parseHours(v interface{}) (float64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected capacity value %T", v)
	}
	return strconv.ParseFloat(s, 64)
}

func formatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', -1, 64)
}
