// Package transport abstracts the external messaging network. The session
// manager drives connections through the narrow Adapter interface and never
// touches the underlying protocol library directly, which keeps the state
// machine testable against a fake.
package transport

import (
	"context"

	"github.com/talkincode/toughgate/internal/domain"
)

// Handler receives normalized callbacks from the adapter. Callbacks for one
// session are delivered in the order the network produced them.
type Handler struct {
	// OnQRCode delivers a fresh QR challenge string for an unpaired session.
	OnQRCode func(sessionID, code string)
	// OnConnected fires when the session is authenticated; jid is the
	// network identity the credential is now bound to.
	OnConnected func(sessionID, jid string)
	// OnDisconnected fires on connection loss. loggedOut marks a permanent
	// credential rejection as opposed to a transient network failure.
	OnDisconnected func(sessionID string, loggedOut bool, reason string)
	// OnMessage delivers a normalized inbound message event.
	OnMessage func(evt *domain.MessageEvent)
	// OnMemberJoined delivers group membership additions.
	OnMemberJoined func(evt *domain.MemberEvent)
}

// Adapter is the boundary to the external messaging network. Exactly one
// live connection exists per session id at any time; the session manager
// enforces that ownership.
type Adapter interface {
	// Connect opens (or resumes) the session's connection. It returns once
	// the attempt is started; progress arrives through the Handler.
	Connect(ctx context.Context, sessionID string) error

	// Disconnect closes the connection without touching credentials.
	Disconnect(sessionID string)

	// Logout closes the connection and purges the stored credential so the
	// session id can be re-paired from scratch.
	Logout(ctx context.Context, sessionID string) error

	// Send delivers an outbound message event.
	Send(ctx context.Context, sessionID string, evt *domain.MessageEvent) error

	// RequestPairingCode asks the network for a phone-pairing challenge.
	// Only valid while the session is connecting and not yet authenticated.
	RequestPairingCode(ctx context.Context, sessionID, phone string) (string, error)

	// DeleteMessage revokes a remote message (moderation enforcement).
	DeleteMessage(ctx context.Context, sessionID, chatID, senderID, messageID string) error

	// RemoveParticipant removes a member from a group.
	RemoveParticipant(ctx context.Context, sessionID, groupID, memberID string) error

	// GroupSubject returns the display subject of a group.
	GroupSubject(ctx context.Context, sessionID, groupID string) (string, error)

	// SetHandler registers the event sink. Must be called before Connect.
	SetHandler(h Handler)
}
