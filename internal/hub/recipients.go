package hub

import "github.com/samber/lo"

// Audience is the recipient rule attached to an outbound event kind.
type Audience int

const (
	// AudienceAll is every admitted session, the source included.
	AudienceAll Audience = iota
	// AudienceOthers is every admitted session except the source.
	AudienceOthers
	// AudienceUser is every session of one target user.
	AudienceUser
	// AudienceSelf is the source session only.
	AudienceSelf
)

// AudienceOf maps an outbound event kind to its recipient rule.
func AudienceOf(kind Kind) Audience {
	switch kind {
	case KindChatMessage, KindOnlineUsers:
		return AudienceAll
	case KindPrivateMessage:
		return AudienceUser
	case KindMessageFailed:
		return AudienceSelf
	default:
		return AudienceOthers
	}
}

// SelectRecipients picks, from a registry snapshot, the sessions that must
// receive an event of the given kind emitted by sourceID. targetUserID is only
// consulted for unicast kinds. It has no side effects.
func SelectRecipients(kind Kind, sourceID, targetUserID string, sessions []*Session) []*Session {
	switch AudienceOf(kind) {
	case AudienceAll:
		return sessions
	case AudienceOthers:
		return lo.Filter(sessions, func(s *Session, _ int) bool {
			return s.ID != sourceID
		})
	case AudienceUser:
		return lo.Filter(sessions, func(s *Session, _ int) bool {
			return s.Identity.UserID == targetUserID
		})
	case AudienceSelf:
		return lo.Filter(sessions, func(s *Session, _ int) bool {
			return s.ID == sourceID
		})
	}
	return nil
}
