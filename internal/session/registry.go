package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/repo/postgres"
)

var (
	// ErrNotFound means no identity matched the presented credentials.
	ErrNotFound = errors.New("session: identity not found")
	// ErrNameMismatch means the subscriber id exists but the presented
	// name does not match. Clients see the same failure token either way;
	// the distinction is for logs.
	ErrNameMismatch = errors.New("session: subscriber name mismatch")
	// ErrAlreadyConnected means the identity has a live session on another
	// connection. Subscribers and workers both get exactly one.
	ErrAlreadyConnected = errors.New("session: identity already connected")
	// ErrNotSignedIn means the connection has no session.
	ErrNotSignedIn = errors.New("session: not signed in")
)

// Conn is the transport handle the registry keeps per authenticated
// connection, so background jobs can push to and close clients.
type Conn interface {
	ID() uuid.UUID
	Send(text string) error
	SendBlob(tag string, blob []byte) error
	RemoteAddr() string
	Close() error
}

// IdleEntry pairs a live connection with its session snapshot, returned by
// Idle for the inactivity monitor.
type IdleEntry struct {
	Conn    Conn
	Session domain.ClientSession
}

// Registry owns all in-memory client sessions. One session per connection,
// at most one connection per identity. All state is process-local and is
// lost on restart, clients reconnect and sign in again.
type Registry struct {
	subscribers postgres.SubscriberRepository
	workers     postgres.WorkerRepository
	tags        postgres.TagReaderRepository
	now         func() time.Time

	mu         sync.Mutex
	byConn     map[uuid.UUID]*domain.ClientSession
	byIdentity map[string]uuid.UUID
	conns      map[uuid.UUID]Conn
}

func NewRegistry(
	subscribers postgres.SubscriberRepository,
	workers postgres.WorkerRepository,
	tags postgres.TagReaderRepository,
	now func() time.Time,
) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		subscribers: subscribers,
		workers:     workers,
		tags:        tags,
		now:         now,
		byConn:      make(map[uuid.UUID]*domain.ClientSession),
		byIdentity:  make(map[string]uuid.UUID),
		conns:       make(map[uuid.UUID]Conn),
	}
}

func (r *Registry) bind(conn Conn, role domain.Role, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byIdentity[identityID]; ok {
		return ErrAlreadyConnected
	}
	// A re-sign-in on the same connection replaces the old session.
	if old, ok := r.byConn[conn.ID()]; ok {
		delete(r.byIdentity, old.IdentityID)
	}
	s := &domain.ClientSession{
		ConnectionID: conn.ID(),
		Role:         role,
		IdentityID:   identityID,
		RemoteAddr:   conn.RemoteAddr(),
		LastActivity: r.now(),
	}
	r.byConn[conn.ID()] = s
	r.byIdentity[identityID] = conn.ID()
	r.conns[conn.ID()] = conn
	return nil
}

// SignInSubscriber authenticates by id plus exact name match and binds the
// connection as a subscriber session.
func (r *Registry) SignInSubscriber(ctx context.Context, conn Conn, id, name string) (*domain.Subscriber, error) {
	sub, err := r.subscribers.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("look up subscriber: %w", err)
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	if !strings.EqualFold(sub.Name, name) {
		return nil, ErrNameMismatch
	}
	if err := r.bind(conn, domain.RoleSubscriber, sub.ID); err != nil {
		return nil, err
	}
	return sub, nil
}

// SignInWorker authenticates by worker id plus role flag ("0" usher,
// "1" manager) and binds the connection under the matching worker role.
func (r *Registry) SignInWorker(ctx context.Context, conn Conn, id, flag string) (*domain.Worker, error) {
	role, ok := domain.WorkerRoleFromFlag(flag)
	if !ok {
		return nil, ErrNotFound
	}
	workerType := 0
	if role == domain.RoleManager {
		workerType = 1
	}
	w, err := r.workers.GetByIDType(ctx, id, workerType)
	if err != nil {
		return nil, fmt.Errorf("look up worker: %w", err)
	}
	if w == nil {
		return nil, ErrNotFound
	}
	if err := r.bind(conn, role, w.ID); err != nil {
		return nil, err
	}
	return w, nil
}

// SignInTag resolves a tag id to its subscriber and binds the connection
// as that subscriber.
func (r *Registry) SignInTag(ctx context.Context, conn Conn, tagID int) (*domain.Subscriber, error) {
	subID, err := r.tags.SubscriberByTag(ctx, tagID)
	if err != nil {
		return nil, fmt.Errorf("resolve tag: %w", err)
	}
	if subID == "" {
		return nil, ErrNotFound
	}
	sub, err := r.subscribers.GetByID(ctx, subID)
	if err != nil {
		return nil, fmt.Errorf("look up subscriber: %w", err)
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	if err := r.bind(conn, domain.RoleSubscriber, sub.ID); err != nil {
		return nil, err
	}
	return sub, nil
}

// Logout drops the session bound to the connection. Idempotent: a second
// logout on the same connection is a no-op.
func (r *Registry) Logout(connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if !ok {
		return false
	}
	delete(r.byIdentity, s.IdentityID)
	delete(r.byConn, connID)
	delete(r.conns, connID)
	return true
}

// Disconnect is the transport-level cleanup path. Same effect as Logout.
func (r *Registry) Disconnect(connID uuid.UUID) {
	r.Logout(connID)
}

// Get returns a snapshot of the session bound to the connection.
func (r *Registry) Get(connID uuid.UUID) (domain.ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if !ok {
		return domain.ClientSession{}, false
	}
	return *s, true
}

// Touch refreshes the session's activity timestamp.
func (r *Registry) Touch(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byConn[connID]; ok {
		s.LastActivity = r.now()
	}
}

// Idle returns the sessions whose last activity is before the cutoff.
func (r *Registry) Idle(cutoff time.Time) []IdleEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []IdleEntry
	for id, s := range r.byConn {
		if s.LastActivity.Before(cutoff) {
			out = append(out, IdleEntry{Conn: r.conns[id], Session: *s})
		}
	}
	return out
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

// ConnOf returns the live connection of an identity, if any. Background
// jobs use it to push notifications to signed-in clients.
func (r *Registry) ConnOf(identityID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byIdentity[identityID]
	if !ok {
		return nil, false
	}
	return r.conns[id], true
}
