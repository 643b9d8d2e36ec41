package session

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/chadiek/avatar-bridge/internal/tavus"
)

// State is the lifecycle phase of a session. Transitions are one-directional:
// pending -> active -> closing -> closed. A closed session is never reused; a
// reconnecting client negotiates a fresh id.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Transport is the signaling/media connection paired with a session.
type Transport interface {
	ID() string
	Renegotiate(ctx context.Context, sdp, sdpType string) (answerSDP string, err error)
	Disconnect() error
}

// Avatar is the external conversation resource paired with a session.
type Avatar interface {
	ConversationID() string
	ConversationURL() string
	ConversationData() map[string]any
	ConversationStatus(ctx context.Context) (map[string]any, error)
	EndConversation(ctx context.Context) error
}

// Session represents one active realtime connection and its paired external
// resources. All mutation funnels through the Registry.
type Session struct {
	ID        string
	Type      tavus.ConversationType
	CreatedAt time.Time

	mu              sync.Mutex
	state           State
	metadata        map[string]any
	conversationID  string
	conversationURL string
	transport       Transport
	avatar          Avatar
	cancel          context.CancelFunc
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkActive moves a pending session to active. Active is reached whether or
// not an avatar conversation was attached; a session with no avatar simply
// runs voice-only.
func (s *Session) MarkActive() {
	s.mu.Lock()
	if s.state == StatePending {
		s.state = StateActive
	}
	s.mu.Unlock()
}

func (s *Session) markClosing() {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateClosing
	}
	s.mu.Unlock()
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// Metadata returns a copy of the immutable metadata snapshot.
func (s *Session) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		return nil
	}
	return maps.Clone(s.metadata)
}

// ConversationID returns the attached conversation id, or empty if none.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// ConversationURL returns the attached conversation join URL.
func (s *Session) ConversationURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationURL
}

// Transport returns the paired transport, or nil.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Avatar returns the paired avatar client, or nil.
func (s *Session) Avatar() Avatar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avatar
}

// SetCancel stores the cancel handle of the session's background pipeline
// task so teardown can stop it directly.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// CancelTask cancels the background pipeline task if one is running.
func (s *Session) CancelTask() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// attachConversation sets the conversation fields once. A second call with
// the same values is a no-op; differing values are a contract violation.
func (s *Session) attachConversation(id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID != "" {
		if s.conversationID == id && s.conversationURL == url {
			return nil
		}
		return fmt.Errorf("session %s: conversation already attached (have %s, got %s)", s.ID, s.conversationID, id)
	}
	s.conversationID = id
	s.conversationURL = url
	if s.state == StatePending {
		s.state = StateActive
	}
	return nil
}
