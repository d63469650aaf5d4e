// Package cache provides a Redis-backed, circuit-breaker-guarded client:
// cross-instance pub/sub notifications that an admin write changed the
// passwords, the DeathLink exclusion set, or the DeathLink probability, plus
// set and string helpers. The pipeline itself reads the in-process shared
// state, not Redis; Postgres remains the durable source of truth.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apxproxy/apx/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// RoomUpdate is broadcast to every proxy instance subscribed to a room's
// channel when an admin write changes shared state, so that other instances
// reload that state.
type RoomUpdate struct {
	RoomID string          `json:"roomId"`
	Event  string          `json:"event"` // "passwords", "exclusions", "probability"
	Data   json.RawMessage `json:"data"`
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection guarded by a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to Redis", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// PublishUpdate notifies other proxy instances that shared state changed.
func (s *Service) PublishUpdate(ctx context.Context, roomID, event string, data any) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal update payload: %w", err)
		}
		msg := RoomUpdate{RoomID: roomID, Event: event, Data: raw}
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal room update envelope: %w", err)
		}
		channel := fmt.Sprintf("apx:room:%s:updates", roomID)
		return nil, s.client.Publish(ctx, channel, payload).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: dropping update notification", "roomID", roomID, "event", event)
			return nil
		}
		slog.Error("redis publish failed", "roomID", roomID, "event", event, "error", err)
		return err
	}
	return nil
}

// Subscribe starts a background goroutine that invokes handler for every
// RoomUpdate received on the room's channel, until ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(RoomUpdate)) {
	if s == nil || s.client == nil {
		return
	}

	channel := fmt.Sprintf("apx:room:%s:updates", roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to Redis channel", "channel", channel)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("redis subscription channel closed", "channel", channel)
					return
				}
				var update RoomUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					slog.Error("failed to unmarshal room update", "error", err, "raw", msg.Payload)
					continue
				}
				handler(update)
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ExclusionSetKey returns the Redis key holding a room's DeathLink exclusion set.
func ExclusionSetKey(roomID string) string {
	return fmt.Sprintf("apx:room:%s:deathlink_exclusions", roomID)
}

// SetAdd adds a member to a Redis Set. Used for the DeathLink exclusion set.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping SetAdd", "key", key)
			return nil
		}
		slog.Error("redis SetAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis Set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping SetRem", "key", key)
			return nil
		}
		slog.Error("redis SetRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis Set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: returning empty set members", "key", key)
			return nil, nil
		}
		slog.Error("redis SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

// SetString sets a simple string value, used to cache the DeathLink
// probability as its ASCII float representation.
func (s *Service) SetString(ctx context.Context, key, value string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, 0).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping SetString", "key", key)
			return nil
		}
		return fmt.Errorf("failed to set string: %w", err)
	}
	return nil
}

// GetString returns a cached string value, or ("", nil) if unset or the
// breaker is open (graceful degradation — caller falls back to Postgres).
func (s *Service) GetString(ctx context.Context, key string) (string, error) {
	if s == nil || s.client == nil {
		return "", nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return "", nil
		}
		return "", fmt.Errorf("failed to get string: %w", err)
	}
	return res.(string), nil
}
