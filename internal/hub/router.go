package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Tyrowin/livechat/internal/identity"
	"github.com/Tyrowin/livechat/internal/store"
)

// ErrPersistFailed wraps a message store failure reported back to a sender.
var ErrPersistFailed = errors.New("message not persisted")

// Options tunes the router.
type Options struct {
	// PersistTimeout bounds a single message store write.
	PersistTimeout time.Duration
	// MaxTextLength is the longest accepted message text, in runes.
	MaxTextLength int
	// PrivateMessages enables the "private message" event.
	PrivateMessages bool
	// SingleSession closes a user's older sessions when a new one is admitted.
	SingleSession bool
	// Now is the clock used for message and presence timestamps.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.MaxTextLength <= 0 {
		o.MaxTextLength = 2000
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Router handles the whole session lifecycle on top of a Registry: admission
// and departure notices, inbound event dispatch and fan-out.
//
// For a given session, Route and Disconnect are expected to be called from a
// single goroutine (the connection's read loop), which is what keeps that
// session's events in arrival order.
//
// Admissions and departures are serialized with their notices, so online
// lists reach every client in registry order and the last one a client sees
// matches the registry.
type Router struct {
	log      *slog.Logger
	registry *Registry
	messages store.MessageStore
	opts     Options

	presenceMu sync.Mutex
}

// NewRouter returns a router over registry that persists chat messages to
// messages.
func NewRouter(log *slog.Logger, registry *Registry, messages store.MessageStore, opts Options) *Router {
	return &Router{
		log:      log,
		registry: registry,
		messages: messages,
		opts:     opts.withDefaults(),
	}
}

// Registry returns the registry the router works on.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Connect admits an authenticated connection, announces it to everybody else
// and pushes the refreshed online list to everyone.
func (r *Router) Connect(sessionID string, id identity.Identity, conn Handle) (*Session, error) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	session, err := r.registry.Admit(sessionID, id, conn)
	if err != nil {
		return nil, err
	}
	r.log.Info("Session admitted",
		"session_id", session.ID,
		"user_id", id.UserID,
		"username", id.Username,
		"sessions", r.registry.Len())

	if r.opts.SingleSession {
		for _, prior := range r.registry.SessionsForIdentity(id.UserID) {
			if prior.ID != session.ID {
				r.log.Info("Closing superseded session", "session_id", prior.ID, "user_id", id.UserID)
				prior.Conn.Close()
			}
		}
	}

	r.emit(KindUserJoined, session.ID, "", r.presence(id))
	r.broadcastOnline()
	return session, nil
}

// Disconnect evicts a session and tells the remaining ones. A session that is
// already gone is ignored.
func (r *Router) Disconnect(sessionID string) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	session, err := r.registry.Evict(sessionID)
	if err != nil {
		r.log.Debug("Ignoring disconnect of unknown session", "session_id", sessionID)
		return
	}
	r.log.Info("Session evicted",
		"session_id", session.ID,
		"user_id", session.Identity.UserID,
		"sessions", r.registry.Len())

	r.emit(KindUserLeft, session.ID, "", r.presence(session.Identity))
	r.broadcastOnline()
}

// Route dispatches one inbound event from sourceID.
func (r *Router) Route(ctx context.Context, sourceID string, in Inbound) error {
	session, err := r.registry.Lookup(sourceID)
	if err != nil {
		return err
	}

	switch ev := in.(type) {
	case ChatMessage:
		return r.chatMessage(ctx, session, ev)
	case PrivateMessage:
		return r.privateMessage(session, ev)
	case TypingStart:
		return r.typingStart(session)
	case TypingStop:
		return r.typingStop(session)
	}
	return fmt.Errorf("%w: %T", ErrUnknownEvent, in)
}

// Reject answers a message frame that failed to decode with a failure notice
// to its sender. Other decode errors, and unknown sessions, produce nothing.
func (r *Router) Reject(sourceID string, err error) {
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		return
	}
	session, lookupErr := r.registry.Lookup(sourceID)
	if lookupErr != nil {
		return
	}
	r.fail(session, "invalid message", "", "")
}

// Online is the current presence list.
func (r *Router) Online() []identity.Identity {
	return r.registry.Snapshot()
}

// CloseAll closes every admitted connection. Each transport then disconnects
// its own session.
func (r *Router) CloseAll() int {
	sessions := r.registry.Sessions()
	for _, s := range sessions {
		s.Conn.Close()
	}
	return len(sessions)
}

// chatMessage persists first and broadcasts the stored record only once the
// write succeeded. No registry lock is held while the store is awaited.
func (r *Router) chatMessage(ctx context.Context, session *Session, ev ChatMessage) error {
	if err := r.checkText(ev, ev.Text); err != nil {
		r.fail(session, "invalid message", ev.Text, ev.ClientID)
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
	defer cancel()

	stored, err := r.messages.Write(writeCtx, store.Message{
		UserID:    session.Identity.UserID,
		Username:  session.Identity.Username,
		Text:      ev.Text,
		Timestamp: r.opts.Now(),
	})
	if err != nil {
		r.log.Error("Failed to persist chat message",
			"session_id", session.ID,
			"user_id", session.Identity.UserID,
			"error", err)
		r.fail(session, "message could not be saved", ev.Text, ev.ClientID)
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	delivered := r.emit(KindChatMessage, session.ID, "", stored)
	r.log.Debug("Chat message broadcast", "message_id", stored.ID, "delivered", delivered)
	return nil
}

func (r *Router) privateMessage(session *Session, ev PrivateMessage) error {
	if !r.opts.PrivateMessages {
		r.fail(session, "private messages are disabled", ev.Text, "")
		return fmt.Errorf("%w: private messages are disabled", ErrUnknownEvent)
	}
	if err := r.checkText(ev, ev.Text); err != nil {
		r.fail(session, "invalid message", ev.Text, "")
		return err
	}

	msg := PrivatePayload{
		ID:         uuid.NewString(),
		From:       session.Identity.Username,
		FromUserID: session.Identity.UserID,
		ToUserID:   ev.ToUserID,
		Text:       ev.Text,
		Timestamp:  r.opts.Now(),
	}
	sessions := r.registry.Sessions()

	// Writing to oneself only produces the echo.
	if ev.ToUserID != session.Identity.UserID {
		r.send(SelectRecipients(KindPrivateMessage, session.ID, ev.ToUserID, sessions), KindPrivateMessage, msg)
	}

	own := msg
	own.IsOwnMessage = true
	r.send(SelectRecipients(KindPrivateMessage, session.ID, session.Identity.UserID, sessions), KindPrivateMessage, own)
	return nil
}

func (r *Router) typingStart(session *Session) error {
	if _, err := r.registry.StartTyping(session.ID); err != nil {
		return err
	}
	r.emit(KindUserTyping, session.ID, "", session.Identity)
	return nil
}

func (r *Router) typingStop(session *Session) error {
	_, removed, err := r.registry.StopTyping(session.ID)
	if err != nil || !removed {
		return err
	}
	r.emit(KindUserStoppedTyping, session.ID, "", session.Identity)
	return nil
}

func (r *Router) checkText(payload any, text string) error {
	if err := validatePayload(payload); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(text) > r.opts.MaxTextLength {
		return fmt.Errorf("%w: text longer than %d characters", ErrInvalidPayload, r.opts.MaxTextLength)
	}
	return nil
}

// fail sends a single failure notice to the originating session only.
func (r *Router) fail(session *Session, reason, text, clientID string) {
	r.send([]*Session{session}, KindMessageFailed, FailurePayload{
		Reason:   reason,
		Text:     text,
		ClientID: clientID,
	})
}

func (r *Router) presence(id identity.Identity) PresencePayload {
	return PresencePayload{
		Username:  id.Username,
		UserID:    id.UserID,
		Timestamp: r.opts.Now(),
	}
}

// broadcastOnline sends the presence list computed from the same snapshot it
// delivers to, so every recipient sees a list that includes itself.
func (r *Router) broadcastOnline() {
	sessions := r.registry.Sessions()
	r.send(sessions, KindOnlineUsers, identities(sessions))
}

// emit snapshots the registry, selects recipients for kind and delivers.
func (r *Router) emit(kind Kind, sourceID, targetUserID string, data any) int {
	recipients := SelectRecipients(kind, sourceID, targetUserID, r.registry.Sessions())
	return r.send(recipients, kind, data)
}

// send encodes once and delivers to each recipient. A closed recipient is
// skipped; a recipient whose buffer is full is closed and skipped. Delivery
// to the others always continues.
func (r *Router) send(recipients []*Session, kind Kind, data any) int {
	if len(recipients) == 0 {
		return 0
	}
	frame, err := Encode(kind, data)
	if err != nil {
		r.log.Error("Failed to encode event", "event", kind.String(), "error", err)
		return 0
	}

	delivered := 0
	for _, s := range recipients {
		err := s.Conn.Send(frame)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSlowConsumer):
			r.log.Warn("Dropping slow session",
				"session_id", s.ID,
				"user_id", s.Identity.UserID,
				"event", kind.String())
			s.Conn.Close()
		default:
			r.log.Debug("Skipping closed session", "session_id", s.ID, "event", kind.String())
		}
	}
	return delivered
}
