package hub

import (
	"errors"
	"time"

	"github.com/Tyrowin/livechat/internal/identity"
)

var (
	// ErrDuplicateSession means the transport handed out a session ID twice.
	ErrDuplicateSession = errors.New("duplicate session id")
	// ErrSessionNotFound is returned for IDs that were never admitted or are
	// already evicted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConnClosed is returned by a Handle whose connection is already gone.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by a Handle whose outbound buffer is full.
	ErrSlowConsumer = errors.New("outbound buffer full")
)

// Handle is the send side of one client connection.
//
// Send must not block: it either queues frame or fails with ErrConnClosed or
// ErrSlowConsumer. Close is idempotent and makes the transport drop the
// connection, which in turn disconnects the session.
type Handle interface {
	Send(frame []byte) error
	Close()
}

// Session is one live, authenticated connection.
type Session struct {
	ID         string
	Identity   identity.Identity
	Conn       Handle
	AdmittedAt time.Time

	seq uint64
}
