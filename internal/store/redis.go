package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Redis is a Backend on top of a Redis server. Messages live in a sorted set
// scored by their timestamp in microseconds; IDs come from an INCR counter.
type Redis struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

var _ Backend = (*Redis)(nil)

// NewRedis returns a Redis backend whose keys all start with prefix.
// Close closes client.
func NewRedis(client *redis.Client, prefix string, log *slog.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, log: log}
}

func (r *Redis) key(parts ...string) string {
	if r.prefix == "" {
		return strings.Join(parts, ":")
	}
	return r.prefix + ":" + strings.Join(parts, ":")
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Write appends msg to the sorted set, numbering it from the sequence key.
func (r *Redis) Write(ctx context.Context, msg Message) (Message, error) {
	msg = normalize(msg)
	if msg.ID == "" {
		seq, err := r.client.Incr(ctx, r.key("messages", "seq")).Result()
		if err != nil {
			return Message{}, fmt.Errorf("allocate message id: %w", err)
		}
		msg.ID = strconv.FormatInt(seq, 10)
	}
	data, err := msgpack.Marshal(&msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	err = r.client.ZAdd(ctx, r.key("messages"), redis.Z{
		Score:  float64(msg.Timestamp.UnixMicro()),
		Member: data,
	}).Err()
	if err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}
	return msg, nil
}

// ReadRecent returns the last limit members of the sorted set, oldest first.
func (r *Redis) ReadRecent(ctx context.Context, limit int) ([]Message, error) {
	limit = ClampLimit(limit)
	raw, err := r.client.ZRange(ctx, r.key("messages"), -int64(limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	messages := make([]Message, 0, len(raw))
	for _, member := range raw {
		var msg Message
		if err := msgpack.Unmarshal([]byte(member), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msg.Timestamp = msg.Timestamp.UTC()
		messages = append(messages, msg)
	}
	return messages, nil
}

// Trim removes everything but the newest keep members. keep <= 0 disables
// trimming.
func (r *Redis) Trim(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	removed, err := r.client.ZRemRangeByRank(ctx, r.key("messages"), 0, -int64(keep)-1).Result()
	if err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}
	if removed > 0 {
		r.log.Debug("Trimmed message history", "removed", removed, "kept", keep)
	}
	return int(removed), nil
}

// CreateUser claims the lowercased username with SETNX, then indexes the ID.
func (r *Redis) CreateUser(ctx context.Context, user User) error {
	data, err := msgpack.Marshal(&user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	name := strings.ToLower(user.Username)
	created, err := r.client.SetNX(ctx, r.key("user", "name", name), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if !created {
		return ErrUserExists
	}
	if err := r.client.Set(ctx, r.key("user", "id", user.ID), name, 0).Err(); err != nil {
		return fmt.Errorf("index user: %w", err)
	}
	return nil
}

// UserByName looks a user up by case-insensitive username.
func (r *Redis) UserByName(ctx context.Context, username string) (User, error) {
	data, err := r.client.Get(ctx, r.key("user", "name", strings.ToLower(username))).Bytes()
	if errors.Is(err, redis.Nil) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	var user User
	if err := msgpack.Unmarshal(data, &user); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

// UserByID looks a user up by ID.
func (r *Redis) UserByID(ctx context.Context, id string) (User, error) {
	name, err := r.client.Get(ctx, r.key("user", "id", id)).Result()
	if errors.Is(err, redis.Nil) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return r.UserByName(ctx, name)
}
