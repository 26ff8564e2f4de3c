package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix is the Redis key prefix for the set of connection
	// IDs a user currently holds across all nodes.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session represents a connection's mirrored state stored in Redis.
type Session struct {
	ID         string   `redis:"id" json:"id"`
	UserID     int64    `redis:"user_id" json:"user_id"`
	Server     string   `redis:"server" json:"server"`           // which WS server instance
	CreatedAt  int64    `redis:"created_at" json:"created_at"`   // unix timestamp
	LastActive int64    `redis:"last_active" json:"last_active"` // unix timestamp
	Chats      []string `redis:"-" json:"chats"`                 // joined chat groups
}

// Store mirrors sessions into Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func chatsKey(connID string) string {
	return SessionPrefix + connID + ":chats"
}

func userKey(userID int64) string {
	return UserSessionsPrefix + strconv.FormatInt(userID, 10)
}

// Create stores a new session with its initial chat groups and a 1h TTL.
func (s *Store) Create(ctx context.Context, connID string, userID int64, chats []string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Del(ctx, chatsKey(connID))
	if len(chats) > 0 {
		members := make([]interface{}, len(chats))
		for i, c := range chats {
			members[i] = c
		}
		pipe.SAdd(ctx, chatsKey(connID), members...)
		pipe.Expire(ctx, chatsKey(connID), SessionTTL)
	}
	pipe.SAdd(ctx, userKey(userID), connID)
	pipe.Expire(ctx, userKey(userID), SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	chats, err := s.client.SMembers(ctx, chatsKey(connID)).Result()
	if err != nil {
		return nil, err
	}
	session.Chats = chats
	return &session, nil
}

// SessionsOf returns the connection IDs a user holds across all nodes.
func (s *Store) SessionsOf(ctx context.Context, userID int64) ([]string, error) {
	return s.client.SMembers(ctx, userKey(userID)).Result()
}

// AddChat records that the connection joined chatID.
func (s *Store) AddChat(ctx context.Context, connID, chatID string) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, chatsKey(connID), chatID)
	pipe.Expire(ctx, chatsKey(connID), SessionTTL)
	pipe.HSet(ctx, SessionPrefix+connID, "last_active", time.Now().Unix())
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveChat records that the connection left chatID.
func (s *Store) RemoveChat(ctx context.Context, connID, chatID string) error {
	return s.client.SRem(ctx, chatsKey(connID), chatID).Err()
}

// RefreshTTL extends the session's TTL, and that of its user's index, and
// bumps last_active.
func (s *Store) RefreshTTL(ctx context.Context, connID string, userID int64) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, chatsKey(connID), SessionTTL)
	pipe.Expire(ctx, userKey(userID), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Live returns the sessions userID holds on any node. Index entries whose
// session hash has expired are dropped from the index.
func (s *Store) Live(ctx context.Context, userID int64) ([]*Session, error) {
	connIDs, err := s.SessionsOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: list %d: %w", userID, err)
	}
	sessions := make([]*Session, 0, len(connIDs))
	for _, connID := range connIDs {
		sess, err := s.Get(ctx, connID)
		if err != nil {
			return nil, fmt.Errorf("session: get %s: %w", connID, err)
		}
		if sess == nil {
			s.client.SRem(ctx, userKey(userID), connID)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	userID, err := s.client.HGet(ctx, key, "user_id").Int64()
	if err != nil && err != redis.Nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key, chatsKey(connID))
	if userID != 0 {
		pipe.SRem(ctx, userKey(userID), connID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
