package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const ProfilePrefix = "profile:"

// Directory resolves push addresses and display names for participants.
type Directory interface {
	PushToken(ctx context.Context, participant string) (string, error)
	DisplayName(ctx context.Context, participant string) (string, error)
}

// RedisDirectory reads profile:<participant> hashes with push_token and name
// fields. Missing profiles and fields resolve to "".
type RedisDirectory struct {
	rdb *redis.Client
}

// NewRedisDirectory creates a directory backed by Redis.
func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

func (d *RedisDirectory) PushToken(ctx context.Context, participant string) (string, error) {
	return d.field(ctx, participant, "push_token")
}

func (d *RedisDirectory) DisplayName(ctx context.Context, participant string) (string, error) {
	return d.field(ctx, participant, "name")
}

// SetProfile stores a participant's display name and push token.
func (d *RedisDirectory) SetProfile(ctx context.Context, participant, name, pushToken string) error {
	err := d.rdb.HSet(ctx, ProfilePrefix+participant, map[string]interface{}{
		"name":       name,
		"push_token": pushToken,
	}).Err()
	if err != nil {
		return fmt.Errorf("notify: set profile: %w", err)
	}
	return nil
}

func (d *RedisDirectory) field(ctx context.Context, participant, field string) (string, error) {
	val, err := d.rdb.HGet(ctx, ProfilePrefix+participant, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("notify: get %s: %w", field, err)
	}
	return val, nil
}
