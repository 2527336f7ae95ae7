// Package friends stores who may open a channel with whom. Friendship is
// mutual: adding a friend records the edge in both directions.
package friends

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const FriendsPrefix = "friends:"

// ErrSelfFriend is returned when a participant tries to befriend themselves.
var ErrSelfFriend = errors.New("friends: cannot add yourself")

// Directory answers friendship questions.
type Directory interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
	List(ctx context.Context, participant string) ([]string, error)
}

// RedisDirectory keeps one set per participant under friends:<id>.
type RedisDirectory struct {
	rdb *redis.Client
}

// NewRedisDirectory creates a directory backed by Redis.
func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

// Add records a mutual friendship.
func (d *RedisDirectory) Add(ctx context.Context, a, b string) error {
	if a == b {
		return ErrSelfFriend
	}
	pipe := d.rdb.TxPipeline()
	pipe.SAdd(ctx, FriendsPrefix+a, b)
	pipe.SAdd(ctx, FriendsPrefix+b, a)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("friends: add: %w", err)
	}
	return nil
}

// Remove deletes the friendship in both directions.
func (d *RedisDirectory) Remove(ctx context.Context, a, b string) error {
	pipe := d.rdb.TxPipeline()
	pipe.SRem(ctx, FriendsPrefix+a, b)
	pipe.SRem(ctx, FriendsPrefix+b, a)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("friends: remove: %w", err)
	}
	return nil
}

func (d *RedisDirectory) AreFriends(ctx context.Context, a, b string) (bool, error) {
	ok, err := d.rdb.SIsMember(ctx, FriendsPrefix+a, b).Result()
	if err != nil {
		return false, fmt.Errorf("friends: check: %w", err)
	}
	return ok, nil
}

// List returns the participant's friends sorted by id.
func (d *RedisDirectory) List(ctx context.Context, participant string) ([]string, error) {
	ids, err := d.rdb.SMembers(ctx, FriendsPrefix+participant).Result()
	if err != nil {
		return nil, fmt.Errorf("friends: list: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
