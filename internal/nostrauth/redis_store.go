package nostrauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relay-access:challenge:"

// RedisStore keeps challenges in Redis so any instance can finish a login
// another instance started.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func challengeKey(id string) string { return keyPrefix + id }
func responseKey(id string) string  { return keyPrefix + id + ":response" }

func (s *RedisStore) Save(ctx context.Context, c Challenge) error {
	ttl := time.Until(c.ExpiresAt)
	if ttl <= 0 {
		return ErrChallengeNotFound
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, challengeKey(c.ID), payload, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (Challenge, error) {
	raw, err := s.client.Get(ctx, challengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, ErrChallengeNotFound
	}
	if err != nil {
		return Challenge{}, fmt.Errorf("get challenge: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return Challenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	return c, nil
}

func (s *RedisStore) Answer(ctx context.Context, id string, resp Response) error {
	ttl, err := s.client.PTTL(ctx, challengeKey(id)).Result()
	if err != nil {
		return fmt.Errorf("challenge ttl: %w", err)
	}
	if ttl <= 0 {
		return ErrChallengeNotFound
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, responseKey(id), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	if !ok {
		return ErrAlreadyAnswered
	}
	return nil
}

func (s *RedisStore) Response(ctx context.Context, id string) (Response, bool, error) {
	raw, err := s.client.Get(ctx, responseKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		exists, err := s.client.Exists(ctx, challengeKey(id)).Result()
		if err != nil {
			return Response{}, false, fmt.Errorf("challenge lookup: %w", err)
		}
		if exists == 0 {
			return Response{}, false, ErrChallengeNotFound
		}
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("get response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode response: %w", err)
	}
	return resp, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, challengeKey(id), responseKey(id)).Err()
}
