package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing client. The caller keeps ownership of
// the connection only if it never calls Close.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session hash with a 1h TTL. participant may be empty.
// Fields: id, participant, server, created_at, last_active (unix seconds).
func (s *Store) Create(ctx context.Context, sessionID, participant string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"participant": participant,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetParticipant records a sign-in (or sign-out, with an empty participant)
// and refreshes the TTL.
func (s *Store) SetParticipant(ctx context.Context, sessionID, participant string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "participant", participant, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the session's TTL and stamps last_active. It reports
// false, without recreating anything, when the hash no longer exists.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) (bool, error) {
	key := SessionPrefix + sessionID
	ok, err := s.client.Expire(ctx, key, SessionTTL).Result()
	if err != nil || !ok {
		return false, err
	}
	if err := s.client.HSet(ctx, key, "last_active", time.Now().Unix()).Err(); err != nil {
		return true, err
	}
	return true, nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
