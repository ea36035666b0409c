package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/mjvm/vm"
)

// Endpoint owns the debugger of one execution and serialises requests
// arriving from every transport attached to it, so each response goes
// back to the connection that asked.
type Endpoint struct {
	mu    sync.Mutex
	dbg   *vm.Debugger
	reply func([]byte) error
}

// NewEndpoint attaches a debugger to an idle execution.
func NewEndpoint(e *vm.Execution, opts vm.DebuggerOptions) *Endpoint {
	ep := &Endpoint{}
	ep.dbg = vm.NewDebugger(e, ep.send, opts)
	return ep
}

// Debugger returns the attached debugger.
func (ep *Endpoint) Debugger() *vm.Debugger { return ep.dbg }

// send is the debugger's SendFunc. It only runs inside Exchange.
func (ep *Endpoint) send(data []byte) error {
	if ep.reply == nil {
		return nil
	}
	return ep.reply(data)
}

// Exchange handles one wire request and passes the response to reply.
func (ep *Endpoint) Exchange(req []byte, reply func([]byte) error) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.reply = reply
	defer func() { ep.reply = nil }()
	return ep.dbg.Receive(req)
}

// Call handles one wire request and returns its response.
func (ep *Endpoint) Call(req []byte) ([]byte, error) {
	var resp []byte
	err := ep.Exchange(req, func(b []byte) error {
		resp = append([]byte(nil), b...)
		return nil
	})
	return resp, err
}

// Session is a debug session: one debugged execution reachable from the
// network.
type Session struct {
	ID       string
	Name     string
	Endpoint *Endpoint
	Created  time.Time

	seq uint64
}

// SessionStore manages debug sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nextSeq  uint64
}

// NewSessionStore creates a new session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create registers an endpoint under a fresh session ID.
func (s *SessionStore) Create(name string, ep *Endpoint) *Session {
	session := &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Endpoint: ep,
		Created:  time.Now(),
	}

	s.mu.Lock()
	s.nextSeq++
	session.seq = s.nextSeq
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session
}

// Get retrieves a session by ID. An empty ID selects the only session
// when exactly one exists.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == "" {
		if len(s.sessions) != 1 {
			return nil, false
		}
		for _, session := range s.sessions {
			return session, true
		}
	}
	session, ok := s.sessions[id]
	return session, ok
}

// All returns every session, oldest first.
func (s *SessionStore) All() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Destroy removes a session and lets its execution run freely.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		session.Endpoint.Debugger().Close()
	}
	return ok
}
