package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/redis/go-redis/v9"
)

const maxCallLogEntries = 100

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the Redis client used for presence, the user directory and
// the call log.
type Store struct {
	client      *redis.Client
	presenceTTL time.Duration
}

// Connect initializes the Redis client and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, cfg.PresenceTTL), nil
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client, presenceTTL time.Duration) *Store {
	return &Store{client: client, presenceTTL: presenceTTL}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func presenceKey(identity string) string { return "presence:" + identity }
func roomPeersKey(roomID string) string  { return "room:" + roomID + ":peers" }
func userKey(identity string) string     { return "user:" + identity }
func callLogKey(identity string) string  { return "calls:" + identity }

// SetPresence records which connection an identity is bound to.
func (s *Store) SetPresence(ctx context.Context, identity, connID string) error {
	return s.client.Set(ctx, presenceKey(identity), connID, s.presenceTTL).Err()
}

// ClearPresence removes the binding, but only if it still points at connID.
func (s *Store) ClearPresence(ctx context.Context, identity, connID string) error {
	current, err := s.client.Get(ctx, presenceKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != connID {
		return nil
	}
	return s.client.Del(ctx, presenceKey(identity)).Err()
}

// IsOnline reports whether the identity currently has a registered connection.
func (s *Store) IsOnline(ctx context.Context, identity string) (bool, error) {
	n, err := s.client.Exists(ctx, presenceKey(identity)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddRoomPeer records a room member.
func (s *Store) AddRoomPeer(ctx context.Context, roomID, connID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, roomPeersKey(roomID), connID)
	pipe.Expire(ctx, roomPeersKey(roomID), s.presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveRoomPeer removes a room member.
func (s *Store) RemoveRoomPeer(ctx context.Context, roomID, connID string) error {
	return s.client.SRem(ctx, roomPeersKey(roomID), connID).Err()
}

// RoomPeerCount returns the number of connections in a room.
func (s *Store) RoomPeerCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, roomPeersKey(roomID)).Result()
	return int(n), err
}

// SaveContact stores the directory entry of an identity.
func (s *Store) SaveContact(ctx context.Context, contact models.Contact) error {
	return s.client.HSet(ctx, userKey(contact.Identity),
		"displayName", contact.DisplayName,
		"avatarUrl", contact.AvatarURL,
	).Err()
}

// GetContact loads a directory entry, including the online flag.
func (s *Store) GetContact(ctx context.Context, identity string) (models.Contact, error) {
	fields, err := s.client.HGetAll(ctx, userKey(identity)).Result()
	if err != nil {
		return models.Contact{}, err
	}
	if len(fields) == 0 {
		return models.Contact{}, ErrNotFound
	}

	online, err := s.IsOnline(ctx, identity)
	if err != nil {
		return models.Contact{}, err
	}

	return models.Contact{
		Identity:    identity,
		DisplayName: fields["displayName"],
		AvatarURL:   fields["avatarUrl"],
		Online:      online,
	}, nil
}

// AppendCall pushes a record to the owner's call log, newest first.
func (s *Store) AppendCall(ctx context.Context, owner string, record models.CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, callLogKey(owner), data)
	pipe.LTrim(ctx, callLogKey(owner), 0, maxCallLogEntries-1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListCalls returns the owner's call log, newest first.
func (s *Store) ListCalls(ctx context.Context, owner string) ([]models.CallRecord, error) {
	items, err := s.client.LRange(ctx, callLogKey(owner), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]models.CallRecord, 0, len(items))
	for _, item := range items {
		var record models.CallRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("failed to parse call record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}
