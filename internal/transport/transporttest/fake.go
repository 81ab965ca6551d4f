// Package transporttest provides an in-memory Adapter implementation for
// exercising session lifecycle and moderation logic without a network.
package transporttest

import (
	"context"
	"sync"

	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/internal/transport"
)

// FakeAdapter records every call and lets tests drive the Handler directly.
// Group membership is tracked so removals are observable.
type FakeAdapter struct {
	mu      sync.Mutex
	handler transport.Handler

	connected map[string]bool
	loggedOut map[string]bool

	sent    []*domain.MessageEvent
	deleted []string // chatID|messageID
	members map[string]map[string]bool
	subject map[string]string

	ConnectErr error
	SendErr    error
	DeleteErr  error
	PairCode   string
}

func NewFake() *FakeAdapter {
	return &FakeAdapter{
		connected: make(map[string]bool),
		loggedOut: make(map[string]bool),
		members:   make(map[string]map[string]bool),
		subject:   make(map[string]string),
		PairCode:  "ABCD-EFGH",
	}
}

func (f *FakeAdapter) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *FakeAdapter) Handler() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *FakeAdapter) Connect(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected[sessionID] = true
	return nil
}

func (f *FakeAdapter) Disconnect(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, sessionID)
}

func (f *FakeAdapter) Logout(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, sessionID)
	f.loggedOut[sessionID] = true
	return nil
}

func (f *FakeAdapter) Send(ctx context.Context, sessionID string, evt *domain.MessageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	if !f.connected[sessionID] {
		return errs.SessionNotReady("session %s is not connected", sessionID)
	}
	f.sent = append(f.sent, evt)
	return nil
}

func (f *FakeAdapter) RequestPairingCode(ctx context.Context, sessionID, phone string) (string, error) {
	return f.PairCode, nil
}

func (f *FakeAdapter) DeleteMessage(ctx context.Context, sessionID, chatID, senderID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.deleted = append(f.deleted, chatID+"|"+messageID)
	return nil
}

func (f *FakeAdapter) RemoveParticipant(ctx context.Context, sessionID, groupID, memberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.members[groupID]; ok {
		delete(g, memberID)
	}
	return nil
}

func (f *FakeAdapter) GroupSubject(ctx context.Context, sessionID, groupID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subject[groupID]; ok {
		return s, nil
	}
	return "", errs.NotFound("group %s", groupID)
}

// Test controls below.

// SetSubject sets the display subject reported for a group.
func (f *FakeAdapter) SetSubject(groupID, subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subject[groupID] = subject
}

// Join adds a member to a group's roster.
func (f *FakeAdapter) Join(groupID, memberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[groupID] == nil {
		f.members[groupID] = make(map[string]bool)
	}
	f.members[groupID][memberID] = true
}

// IsMember reports whether the member is still in the group's roster.
func (f *FakeAdapter) IsMember(groupID, memberID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[groupID][memberID]
}

// Connected reports whether a live connection exists for the session.
func (f *FakeAdapter) Connected(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[sessionID]
}

// LoggedOut reports whether Logout purged the session's credential.
func (f *FakeAdapter) LoggedOut(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut[sessionID]
}

// Sent returns a copy of every outbound message the adapter accepted.
func (f *FakeAdapter) Sent() []*domain.MessageEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.MessageEvent, len(f.sent))
	copy(out, f.sent)
	return out
}

// Deleted returns chatID|messageID pairs of revoked messages.
func (f *FakeAdapter) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

var _ transport.Adapter = (*FakeAdapter)(nil)
