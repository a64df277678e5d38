//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store is the durable side of the chat: an append-only message log
// queried for recent history, and the account records used at login.
// Two backends are provided, an embedded BadgerDB and Redis.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// DefaultHistoryLimit is both the default and the maximum number of messages
// returned by a history read.
const DefaultHistoryLimit = 100

var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("user already exists")
)

// Message is a persisted chat message.
type Message struct {
	ID        string    `json:"id" msgpack:"id"`
	UserID    string    `json:"userId" msgpack:"user_id"`
	Username  string    `json:"username" msgpack:"username"`
	Text      string    `json:"text" msgpack:"text"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// User is a registered account.
type User struct {
	ID           string    `msgpack:"id"`
	Username     string    `msgpack:"username"`
	PasswordHash string    `msgpack:"password_hash"`
	CreatedAt    time.Time `msgpack:"created_at"`
}

// MessageStore is the persistence bridge used by the event router.
type MessageStore interface {
	// Write appends msg and returns the stored record with its ID assigned.
	Write(ctx context.Context, msg Message) (Message, error)
	// ReadRecent returns the most recent limit messages, oldest first.
	ReadRecent(ctx context.Context, limit int) ([]Message, error)
}

// Retainer prunes the message log down to the newest keep entries.
type Retainer interface {
	Trim(ctx context.Context, keep int) (int, error)
}

// UserStore holds accounts keyed by ID and by case-insensitive username.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	UserByName(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
}

// Backend is everything a storage engine provides to the server.
type Backend interface {
	MessageStore
	Retainer
	UserStore
	io.Closer
}

// ClampLimit maps a requested history size onto (0, DefaultHistoryLimit].
func ClampLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}

func normalize(msg Message) Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Timestamp = msg.Timestamp.UTC().Round(0)
	return msg
}
