package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	messagePrefix  = "msg:"
	userNamePrefix = "user:name:"
	userIDPrefix   = "user:id:"
)

// Badger is a Backend on top of an embedded BadgerDB.
type Badger struct {
	db  *badger.DB
	log *slog.Logger
}

var _ Backend = (*Badger)(nil)

// OpenBadger opens (or creates) a database under dir.
func OpenBadger(dir string, log *slog.Logger) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return NewBadger(db, log), nil
}

// NewBadger wraps an already opened database. Close closes db.
func NewBadger(db *badger.DB, log *slog.Logger) *Badger {
	return &Badger{db: db, log: log}
}

// Close releases the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}

// messageKey is formatted as "msg:{unix_nano_padded}:{id}" so that the
// lexicographical key order is the chronological order. The 19-digit padding
// keeps every timestamp the same width and the ID breaks same-nanosecond ties.
func messageKey(msg Message) []byte {
	return fmt.Appendf(nil, "%s%019d:%s", messagePrefix, msg.Timestamp.UnixNano(), msg.ID)
}

// Write persists msg, assigning a UUID when it has none.
func (b *Badger) Write(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	msg = normalize(msg)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	value, err := msgpack.Marshal(&msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), value)
	})
	if err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}
	return msg, nil
}

// ReadRecent walks the message keys backwards from the newest one, stops
// after limit entries and hands them back oldest first.
func (b *Badger) ReadRecent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)
	messages := make([]Message, 0, limit)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchSize = limit
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(messagePrefix)
		for it.Seek(append(prefix, 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			var msg Message
			err := it.Item().Value(func(value []byte) error {
				return msgpack.Unmarshal(value, &msg)
			})
			if err != nil {
				return fmt.Errorf("decode message %s: %w", it.Item().Key(), err)
			}
			msg.Timestamp = msg.Timestamp.UTC()
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

// Trim deletes everything but the newest keep messages. keep <= 0 disables
// trimming.
func (b *Badger) Trim(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var stale [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(messagePrefix)
		seen := 0
		for it.Seek(append(prefix, 0xff)); it.ValidForPrefix(prefix); it.Next() {
			seen++
			if seen > keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("trim messages: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}
	b.log.Debug("Trimmed message history", "removed", len(stale), "kept", keep)
	return len(stale), nil
}

func userNameKey(username string) []byte {
	return []byte(userNamePrefix + strings.ToLower(username))
}

func userIDKey(id string) []byte {
	return []byte(userIDPrefix + id)
}

// CreateUser stores user under both its name and its ID. Usernames are unique
// regardless of case.
func (b *Badger) CreateUser(ctx context.Context, user User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := msgpack.Marshal(&user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(userNameKey(user.Username))
		switch {
		case err == nil:
			return ErrUserExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(userNameKey(user.Username), value); err != nil {
			return err
		}
		return txn.Set(userIDKey(user.ID), []byte(strings.ToLower(user.Username)))
	})
}

// UserByName looks a user up by case-insensitive username.
func (b *Badger) UserByName(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	var user User
	err := b.db.View(func(txn *badger.Txn) error {
		return readUser(txn, userNameKey(username), &user)
	})
	return user, err
}

// UserByID looks a user up by ID.
func (b *Badger) UserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	var user User
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userIDKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		name, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return readUser(txn, userNameKey(string(name)), &user)
	})
	return user, err
}

func readUser(txn *badger.Txn, key []byte, user *User) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(value []byte) error {
		if err := msgpack.Unmarshal(value, user); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		return nil
	})
}
