package internal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"clinchat/internal/identity"
)

// Conn is the transport half of a session: something the engine can push
// encoded events into. Push must not block indefinitely; a push that cannot
// complete should fail so the engine prunes the session instead of stalling
// a broadcast.
type Conn interface {
	Push(payload []byte) error
	Close()
}

// Identity is the account collaborator. Lookup returns nil with no error
// when the username is unknown.
type Identity interface {
	Lookup(ctx context.Context, username string) (*identity.User, error)
	Register(ctx context.Context, username, credential string) error
	Verify(ctx context.Context, username, credential string) (bool, error)
}

// session tracks one live connection. username stays empty until register or
// login succeeds; currentRoom follows the last dm_open or join.
type session struct {
	id          string
	conn        Conn
	username    string
	currentRoom string
}

func (s *session) authenticated() bool {
	return s.username != ""
}

// Engine owns every room and live session. One mutex serializes all state
// transitions, which is what makes membership check plus mutation plus
// broadcast atomic; identity calls run outside it so a slow credential check
// cannot stall unrelated traffic.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*session
	rooms    map[string]*room
	presence *presenceIndex
	identity Identity
	metrics  *Metrics
	log      *slog.Logger
}

func NewEngine(ident Identity, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Engine{
		sessions: make(map[string]*session),
		rooms:    make(map[string]*room),
		presence: newPresenceIndex(),
		identity: ident,
		metrics:  metrics,
		log:      logger,
	}
}

// Connect registers a fresh unauthenticated session and returns its id.
func (e *Engine) Connect(conn Conn) string {
	sess := &session{id: uuid.NewString(), conn: conn}
	e.mu.Lock()
	e.sessions[sess.id] = sess
	e.mu.Unlock()
	e.metrics.IncConn()
	e.log.Debug("session connected", "session", sess.id)
	return sess.id
}

// Disconnect tears a session down and refreshes presence for the room it
// was last looking at. Safe to call more than once; transports invoke it
// from whichever exit path fires first.
func (e *Engine) Disconnect(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	lastRoom, removed := e.removeSessionLocked(sess)
	if !removed {
		return
	}
	sess.conn.Close()
	if lastRoom != "" {
		e.pushPresenceLocked(lastRoom)
	}
}

// removeSessionLocked takes the session out of the registry and the
// presence index. Returns the room to refresh and whether this call was the
// one that removed it.
func (e *Engine) removeSessionLocked(sess *session) (lastRoom string, removed bool) {
	current, ok := e.sessions[sess.id]
	if !ok || current != sess {
		return "", false
	}
	delete(e.sessions, sess.id)
	if sess.authenticated() {
		e.presence.remove(sess)
	}
	e.metrics.DecConn()
	e.log.Debug("session removed", "session", sess.id, "user", sess.username)
	return sess.currentRoom, true
}

// SeedRoom creates a group room at startup so first-run users have
// somewhere to land. An existing room is left alone.
func (e *Engine) SeedRoom(name, owner string, public bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rooms[name]; ok {
		return
	}
	r := newRoom(name, owner)
	r.public = public
	e.rooms[name] = r
}

// ActiveUsers reports how many distinct users are online.
func (e *Engine) ActiveUsers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.presence.byUser)
}
