package auth

import (
	"context"
	"fmt"

	"pairline/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// RedisAuthorizer checks usernames against a Redis set, so the allow
// list can be managed outside the process while it runs. Lookups go
// through a circuit breaker so a dead Redis fails logins fast instead
// of stalling the signaling worker.
type RedisAuthorizer struct {
	client   *redis.Client
	usersKey string
	breaker  *circuitbreaker.CircuitBreaker
}

func NewRedisAuthorizer(client *redis.Client, usersKey string) *RedisAuthorizer {
	return &RedisAuthorizer{
		client:   client,
		usersKey: usersKey,
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

func (a *RedisAuthorizer) Authorize(ctx context.Context, username, _ string) error {
	var member bool
	err := a.breaker.Execute(ctx, func() error {
		ok, err := a.client.SIsMember(ctx, a.usersKey, username).Result()
		if err != nil {
			return err
		}
		member = ok
		return nil
	})
	if err != nil {
		return fmt.Errorf("authorization lookup failed: %w", err)
	}
	if !member {
		return fmt.Errorf("username %q is not authorized", username)
	}
	return nil
}

// Allow adds a username to the set; Deny removes it.
func (a *RedisAuthorizer) Allow(ctx context.Context, username string) error {
	return a.client.SAdd(ctx, a.usersKey, username).Err()
}

func (a *RedisAuthorizer) Deny(ctx context.Context, username string) error {
	return a.client.SRem(ctx, a.usersKey, username).Err()
}
