package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/session"
)

// ---------- Mocks ----------

type mockConn struct {
	id     uuid.UUID
	sent   []string
	closed bool
}

func newMockConn() *mockConn {
	return &mockConn{id: uuid.New()}
}

func (c *mockConn) ID() uuid.UUID { return c.id }
func (c *mockConn) Send(text string) error {
	c.sent = append(c.sent, text)
	return nil
}
func (c *mockConn) SendBlob(tag string, blob []byte) error { return nil }
func (c *mockConn) RemoteAddr() string                     { return "10.0.0.1:4242" }
func (c *mockConn) Close() error {
	c.closed = true
	return nil
}

type mockSubscriberRepo struct {
	subs map[string]domain.Subscriber
	err  error
}

func (m *mockSubscriberRepo) GetByID(_ context.Context, id string) (*domain.Subscriber, error) {
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.subs[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
func (m *mockSubscriberRepo) ExistsByProfile(context.Context, string, string, string) (bool, error) {
	return false, nil
}
func (m *mockSubscriberRepo) NextID(context.Context) (string, error) { return "SUB1", nil }
func (m *mockSubscriberRepo) Insert(context.Context, domain.Subscriber) error {
	return nil
}
func (m *mockSubscriberRepo) UpdateContact(context.Context, string, string, string) (bool, error) {
	return false, nil
}
func (m *mockSubscriberRepo) List(context.Context) ([]domain.Subscriber, error) { return nil, nil }

type mockWorkerRepo struct {
	workers map[string]domain.Worker
}

func (m *mockWorkerRepo) GetByIDType(_ context.Context, id string, workerType int) (*domain.Worker, error) {
	w, ok := m.workers[id]
	if !ok {
		return nil, nil
	}
	if workerType == 1 && w.Role != domain.RoleManager {
		return nil, nil
	}
	if workerType == 0 && w.Role != domain.RoleUsher {
		return nil, nil
	}
	return &w, nil
}

type mockTagRepo struct {
	byTag map[int]string
}

func (m *mockTagRepo) SubscriberByTag(_ context.Context, tagID int) (string, error) {
	return m.byTag[tagID], nil
}
func (m *mockTagRepo) HasTag(context.Context, string) (bool, error)   { return false, nil }
func (m *mockTagRepo) TagIDExists(context.Context, int) (bool, error) { return false, nil }
func (m *mockTagRepo) Insert(context.Context, int, string) error      { return nil }

// ---------- Helpers ----------

func newTestRegistry(now func() time.Time) *session.Registry {
	subs := &mockSubscriberRepo{subs: map[string]domain.Subscriber{
		"SUB7": {ID: "SUB7", Name: "Dana", Phone: "0501234567", Email: "dana@example.com"},
	}}
	workers := &mockWorkerRepo{workers: map[string]domain.Worker{
		"0000": {ID: "0000", Role: domain.RoleUsher, Name: "Usher"},
		"1111": {ID: "1111", Role: domain.RoleManager, Name: "Manager"},
	}}
	tags := &mockTagRepo{byTag: map[int]string{31337: "SUB7"}}
	return session.NewRegistry(subs, workers, tags, now)
}

// ---------- Tests ----------

func TestSignInSubscriber(t *testing.T) {
	reg := newTestRegistry(nil)
	conn := newMockConn()

	sub, err := reg.SignInSubscriber(context.Background(), conn, "SUB7", "Dana")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if sub.ID != "SUB7" {
		t.Errorf("subscriber id = %q, want SUB7", sub.ID)
	}

	got, ok := reg.Get(conn.ID())
	if !ok {
		t.Fatal("session not found after sign-in")
	}
	if got.Role != domain.RoleSubscriber || got.IdentityID != "SUB7" {
		t.Errorf("session = %+v", got)
	}
}

func TestSignInSubscriberNameMismatch(t *testing.T) {
	reg := newTestRegistry(nil)

	_, err := reg.SignInSubscriber(context.Background(), newMockConn(), "SUB7", "Someone Else")
	if !errors.Is(err, session.ErrNameMismatch) {
		t.Fatalf("err = %v, want ErrNameMismatch", err)
	}
}

func TestSignInSubscriberUnknownID(t *testing.T) {
	reg := newTestRegistry(nil)

	_, err := reg.SignInSubscriber(context.Background(), newMockConn(), "SUB404", "Dana")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSignInSubscriberNameCaseInsensitive(t *testing.T) {
	reg := newTestRegistry(nil)

	if _, err := reg.SignInSubscriber(context.Background(), newMockConn(), "SUB7", "dana"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
}

func TestSignInSecondConnectionRejected(t *testing.T) {
	reg := newTestRegistry(nil)

	if _, err := reg.SignInSubscriber(context.Background(), newMockConn(), "SUB7", "Dana"); err != nil {
		t.Fatalf("first sign in: %v", err)
	}
	_, err := reg.SignInSubscriber(context.Background(), newMockConn(), "SUB7", "Dana")
	if !errors.Is(err, session.ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestSignInWorkerRoleFlagMustMatch(t *testing.T) {
	reg := newTestRegistry(nil)

	w, err := reg.SignInWorker(context.Background(), newMockConn(), "1111", "1")
	if err != nil {
		t.Fatalf("manager sign in: %v", err)
	}
	if w.Role != domain.RoleManager {
		t.Errorf("role = %v, want manager", w.Role)
	}

	// Right id, wrong flag.
	_, err = reg.SignInWorker(context.Background(), newMockConn(), "0000", "1")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSignInTag(t *testing.T) {
	reg := newTestRegistry(nil)
	conn := newMockConn()

	sub, err := reg.SignInTag(context.Background(), conn, 31337)
	if err != nil {
		t.Fatalf("tag sign in: %v", err)
	}
	if sub.ID != "SUB7" {
		t.Errorf("subscriber id = %q, want SUB7", sub.ID)
	}

	if _, err := reg.SignInTag(context.Background(), newMockConn(), 99999); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("unknown tag err = %v, want ErrNotFound", err)
	}
}

func TestLogoutIdempotent(t *testing.T) {
	reg := newTestRegistry(nil)
	conn := newMockConn()

	if _, err := reg.SignInSubscriber(context.Background(), conn, "SUB7", "Dana"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if !reg.Logout(conn.ID()) {
		t.Fatal("first logout reported no session")
	}
	if reg.Logout(conn.ID()) {
		t.Fatal("second logout reported a session")
	}

	// Identity is free again.
	if _, err := reg.SignInSubscriber(context.Background(), newMockConn(), "SUB7", "Dana"); err != nil {
		t.Fatalf("re-sign-in after logout: %v", err)
	}
}

func TestDisconnectFreesIdentity(t *testing.T) {
	reg := newTestRegistry(nil)
	conn := newMockConn()

	if _, err := reg.SignInWorker(context.Background(), conn, "0000", "0"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	reg.Disconnect(conn.ID())
	if reg.Count() != 0 {
		t.Errorf("count = %d after disconnect, want 0", reg.Count())
	}
	if _, err := reg.SignInWorker(context.Background(), newMockConn(), "0000", "0"); err != nil {
		t.Fatalf("re-sign-in after disconnect: %v", err)
	}
}

func TestIdleAndTouch(t *testing.T) {
	current := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reg := newTestRegistry(func() time.Time { return current })

	idleConn := newMockConn()
	activeConn := newMockConn()
	if _, err := reg.SignInSubscriber(context.Background(), idleConn, "SUB7", "Dana"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if _, err := reg.SignInWorker(context.Background(), activeConn, "0000", "0"); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	current = current.Add(2 * time.Hour)
	reg.Touch(activeConn.ID())

	idle := reg.Idle(current.Add(-time.Hour))
	if len(idle) != 1 {
		t.Fatalf("idle sessions = %d, want 1", len(idle))
	}
	if idle[0].Session.ConnectionID != idleConn.ID() {
		t.Errorf("idle session is %v, want the untouched one", idle[0].Session.ConnectionID)
	}
}

func TestConnOf(t *testing.T) {
	reg := newTestRegistry(nil)
	conn := newMockConn()

	if _, err := reg.SignInSubscriber(context.Background(), conn, "SUB7", "Dana"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	got, ok := reg.ConnOf("SUB7")
	if !ok || got.ID() != conn.ID() {
		t.Fatalf("ConnOf = %v/%v, want the signed-in conn", got, ok)
	}
	if _, ok := reg.ConnOf("SUB404"); ok {
		t.Fatal("ConnOf found a session for an unknown identity")
	}
}
