package session

import (
	"log"
	"maps"
	"sync"
	"time"

	"github.com/chadiek/avatar-bridge/internal/tavus"
)

// Registry is the single source of truth mapping session ids to records. The
// signaling path and the teardown path both go through it, so there is no
// split-brain state to reconcile. It holds sessions in memory only; nothing
// survives a restart.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// NewSessionParams carries everything a fresh session record needs. The id
// itself is assigned by the transport during negotiation; the registry only
// accepts it.
type NewSessionParams struct {
	Type      tavus.ConversationType
	Metadata  map[string]any
	Transport Transport
	Avatar    Avatar
}

// LookupOrCreate returns the existing session for id unchanged, or inserts a
// new pending record built from params. The bool reports whether a record was
// created.
func (r *Registry) LookupOrCreate(id string, params NewSessionParams) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := &Session{
		ID:        id,
		Type:      params.Type,
		CreatedAt: time.Now(),
		state:     StatePending,
		metadata:  maps.Clone(params.Metadata),
		transport: params.Transport,
		avatar:    params.Avatar,
	}
	r.sessions[id] = s
	r.order = append(r.order, id)
	return s, true
}

// Get returns the session for id, if present.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove atomically removes and returns the session for id. Callers only
// proceed with resource release when ok is true, which is what makes teardown
// exactly-once under racing disconnect and explicit-end requests.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if ok {
		s.markClosing()
	}
	return s, ok
}

// AttachConversation records the avatar conversation created for a session.
// Setting it twice with differing values is rejected and logged, never
// silently overwritten.
func (r *Registry) AttachConversation(id, conversationID, conversationURL string) error {
	s, ok := r.Get(id)
	if !ok {
		return errSessionGone(id)
	}
	if err := s.attachConversation(conversationID, conversationURL); err != nil {
		log.Printf("[%s] %v", id, err)
		return err
	}
	return nil
}

// List returns all sessions in insertion order.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type errSessionGone string

func (e errSessionGone) Error() string { return "session " + string(e) + ": not found" }
