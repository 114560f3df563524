package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/repo/postgres"
	"github.com/bpark/bparkd/internal/scheduler"
	"github.com/bpark/bparkd/internal/session"
	"github.com/bpark/bparkd/pkg/events"
)

// ---------- Mocks ----------

type mockSweeper struct {
	calls int
}

func (m *mockSweeper) ExpireSweep(context.Context) (int, error) {
	m.calls++
	return 0, nil
}

type mockReports struct {
	calls int
}

func (m *mockReports) RunIfDue(context.Context) (bool, error) {
	m.calls++
	return false, nil
}

type mockHistoryRepo struct {
	overdue      []postgres.OverdueSession
	candidates   []postgres.OverdueSession
	notified     []int
	forceClosed  []int
	forceCloseOK bool
}

func (m *mockHistoryRepo) OpenBySubscriber(context.Context, string) (*domain.ParkingSession, error) {
	return nil, nil
}
func (m *mockHistoryRepo) Insert(context.Context, domain.ParkingSession) (int, error) { return 0, nil }
func (m *mockHistoryRepo) InsertMissed(context.Context, domain.Reservation) error     { return nil }
func (m *mockHistoryRepo) HasByReservation(context.Context, int) (bool, error)        { return false, nil }
func (m *mockHistoryRepo) Close(context.Context, int, string, int, time.Time, bool, int) (bool, error) {
	return false, nil
}
func (m *mockHistoryRepo) RecordExtension(context.Context, int, int) (bool, error) { return false, nil }
func (m *mockHistoryRepo) Overdue(context.Context, time.Time) ([]postgres.OverdueSession, error) {
	return m.overdue, nil
}
func (m *mockHistoryRepo) MarkLateNotified(_ context.Context, historyID int) error {
	m.notified = append(m.notified, historyID)
	// Notified rows drop out of the overdue query.
	var rest []postgres.OverdueSession
	for _, o := range m.overdue {
		if o.HistoryID != historyID {
			rest = append(rest, o)
		}
	}
	m.overdue = rest
	return nil
}
func (m *mockHistoryRepo) EvictionCandidates(context.Context, time.Time) ([]postgres.OverdueSession, error) {
	return m.candidates, nil
}
func (m *mockHistoryRepo) ForceClose(_ context.Context, historyID int, _ time.Time, _ int) (bool, error) {
	m.forceClosed = append(m.forceClosed, historyID)
	return m.forceCloseOK, nil
}
func (m *mockHistoryRepo) ClosedBySubscriber(context.Context, string) ([]domain.ParkingSession, error) {
	return nil, nil
}
func (m *mockHistoryRepo) ActiveSessions(context.Context) ([]postgres.ActiveSession, error) {
	return nil, nil
}
func (m *mockHistoryRepo) ActiveCode(context.Context, string) (*postgres.ActiveCode, error) {
	return nil, nil
}
func (m *mockHistoryRepo) MonthlyStats(context.Context, time.Time, time.Time) (domain.MonthlyStats, error) {
	return domain.MonthlyStats{}, nil
}
func (m *mockHistoryRepo) SessionsBetween(context.Context, time.Time, time.Time) ([]domain.ParkingSession, error) {
	return nil, nil
}

type mockSpotRepo struct {
	freed []int
}

func (m *mockSpotRepo) Total(context.Context) (int, error)                       { return 100, nil }
func (m *mockSpotRepo) CountAvailableAt(context.Context, time.Time) (int, error) { return 0, nil }
func (m *mockSpotRepo) CountFreeDuring(context.Context, time.Time, time.Time) (int, error) {
	return 0, nil
}
func (m *mockSpotRepo) FindFreeSpotDuring(context.Context, time.Time, time.Time) (int, bool, error) {
	return 0, false, nil
}
func (m *mockSpotRepo) FindWalkInSpot(context.Context, time.Time, int) (int, bool, error) {
	return 0, false, nil
}
func (m *mockSpotRepo) SetInUse(_ context.Context, spotID int, inUse bool) (bool, error) {
	if !inUse {
		m.freed = append(m.freed, spotID)
	}
	return true, nil
}

type published struct {
	subject string
	payload interface{}
}

type mockPublisher struct {
	mu     sync.Mutex
	events []published
}

func (m *mockPublisher) Publish(_ context.Context, subject string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, published{subject, payload})
	return nil
}
func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) bySubject(subject string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, e := range m.events {
		if e.subject == subject {
			out = append(out, e)
		}
	}
	return out
}

type mockConn struct {
	id     uuid.UUID
	mu     sync.Mutex
	sent   []string
	closed bool
}

func (c *mockConn) ID() uuid.UUID { return c.id }
func (c *mockConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}
func (c *mockConn) SendBlob(string, []byte) error { return nil }
func (c *mockConn) RemoteAddr() string            { return "10.0.0.1:1" }
func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *mockConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type mockSessions struct {
	mu      sync.Mutex
	entries []session.IdleEntry
	byConn  map[uuid.UUID]domain.ClientSession
}

func (m *mockSessions) Idle(time.Time) []session.IdleEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries
}
func (m *mockSessions) Get(connID uuid.UUID) (domain.ClientSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byConn[connID]
	return s, ok
}
func (m *mockSessions) touch(connID uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byConn[connID]
	s.LastActivity = at
	m.byConn[connID] = s
}

// ---------- Fixture ----------

var schedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newScheduler(history *mockHistoryRepo, spots *mockSpotRepo, sessions scheduler.Sessions, bus *mockPublisher) (*scheduler.Scheduler, *mockSweeper, *mockReports) {
	sweeper := &mockSweeper{}
	reports := &mockReports{}
	if sessions == nil {
		sessions = &mockSessions{byConn: map[uuid.UUID]domain.ClientSession{}}
	}
	s := scheduler.New(scheduler.Config{
		Interval:           time.Second,
		InactivityInterval: time.Second,
		IdleCutoff:         time.Hour,
		WarnGrace:          10 * time.Millisecond,
		SupportPhone:       "04-000000",
		SupportEmail:       "support@bpark.local",
	}, sweeper, history, spots, reports, sessions, bus, func() time.Time { return schedNow })
	return s, sweeper, reports
}

// ---------- Tests ----------

func TestTickRunsAllJobs(t *testing.T) {
	history := &mockHistoryRepo{}
	bus := &mockPublisher{}
	s, sweeper, reports := newScheduler(history, &mockSpotRepo{}, nil, bus)

	s.Tick(context.Background())

	if sweeper.calls != 1 {
		t.Errorf("sweep calls = %d, want 1", sweeper.calls)
	}
	if reports.calls != 1 {
		t.Errorf("report calls = %d, want 1", reports.calls)
	}
}

func TestOverdueNotifiedOnce(t *testing.T) {
	history := &mockHistoryRepo{
		overdue: []postgres.OverdueSession{
			{HistoryID: 9, SubscriberID: "SUB1", Email: "dana@example.com", Name: "Dana", SpotID: 3},
		},
	}
	bus := &mockPublisher{}
	s, _, _ := newScheduler(history, &mockSpotRepo{}, nil, bus)

	s.Tick(context.Background())
	s.Tick(context.Background())

	notifications := bus.bySubject(events.NotifySend)
	if len(notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifications))
	}
	ev := notifications[0].payload.(events.NotificationEvent)
	if ev.Kind != events.NotifyLatePickup || ev.Recipient != "dana@example.com" {
		t.Errorf("notification = %+v", ev)
	}
	if len(history.notified) != 1 || history.notified[0] != 9 {
		t.Errorf("marked notified = %v, want [9]", history.notified)
	}
}

func TestEvictionClosesAndFreesSpot(t *testing.T) {
	history := &mockHistoryRepo{
		candidates: []postgres.OverdueSession{
			{HistoryID: 4, SubscriberID: "SUB1", Email: "dana@example.com", Name: "Dana", SpotID: 8,
				EntryTime: schedNow.Add(-5 * time.Hour), TimeToPark: 60},
		},
		forceCloseOK: true,
	}
	spots := &mockSpotRepo{}
	bus := &mockPublisher{}
	s, _, _ := newScheduler(history, spots, nil, bus)

	s.Tick(context.Background())

	if len(history.forceClosed) != 1 || history.forceClosed[0] != 4 {
		t.Fatalf("force closed = %v, want [4]", history.forceClosed)
	}
	if len(spots.freed) != 1 || spots.freed[0] != 8 {
		t.Errorf("freed spots = %v, want [8]", spots.freed)
	}
	if got := bus.bySubject(events.ParkingForcedExit); len(got) != 1 {
		t.Errorf("forced exit events = %d, want 1", len(got))
	}
	if got := bus.bySubject(events.NotifySend); len(got) != 1 {
		t.Errorf("forced exit notifications = %d, want 1", len(got))
	}
}

func TestEvictionSkipsAlreadyClosed(t *testing.T) {
	history := &mockHistoryRepo{
		candidates: []postgres.OverdueSession{
			{HistoryID: 4, SubscriberID: "SUB1", SpotID: 8, EntryTime: schedNow.Add(-5 * time.Hour)},
		},
		forceCloseOK: false,
	}
	spots := &mockSpotRepo{}
	bus := &mockPublisher{}
	s, _, _ := newScheduler(history, spots, nil, bus)

	s.Tick(context.Background())

	if len(spots.freed) != 0 {
		t.Errorf("freed spots = %v for an already closed session", spots.freed)
	}
	if got := bus.bySubject(events.ParkingForcedExit); len(got) != 0 {
		t.Errorf("forced exit events = %d, want 0", len(got))
	}
}

func TestCloseIdleWarnsThenCloses(t *testing.T) {
	idleConn := &mockConn{id: uuid.New()}
	stale := domain.ClientSession{
		ConnectionID: idleConn.id,
		IdentityID:   "SUB1",
		LastActivity: schedNow.Add(-2 * time.Hour),
	}
	sessions := &mockSessions{
		entries: []session.IdleEntry{{Conn: idleConn, Session: stale}},
		byConn:  map[uuid.UUID]domain.ClientSession{idleConn.id: stale},
	}
	s, _, _ := newScheduler(&mockHistoryRepo{}, &mockSpotRepo{}, sessions, &mockPublisher{})

	s.CloseIdle(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !idleConn.wasClosed() {
		time.Sleep(5 * time.Millisecond)
	}
	if !idleConn.wasClosed() {
		t.Fatal("idle connection not closed after grace")
	}
	idleConn.mu.Lock()
	warned := len(idleConn.sent) == 1
	idleConn.mu.Unlock()
	if !warned {
		t.Error("idle connection was not warned before closing")
	}
}

func TestCloseIdleSparesActiveAgain(t *testing.T) {
	conn := &mockConn{id: uuid.New()}
	stale := domain.ClientSession{
		ConnectionID: conn.id,
		IdentityID:   "SUB1",
		LastActivity: schedNow.Add(-2 * time.Hour),
	}
	sessions := &mockSessions{
		entries: []session.IdleEntry{{Conn: conn, Session: stale}},
		byConn:  map[uuid.UUID]domain.ClientSession{conn.id: stale},
	}
	s, _, _ := newScheduler(&mockHistoryRepo{}, &mockSpotRepo{}, sessions, &mockPublisher{})

	// Activity lands during the grace period.
	sessions.touch(conn.id, schedNow)

	s.CloseIdle(context.Background())
	time.Sleep(50 * time.Millisecond)

	if conn.wasClosed() {
		t.Error("connection closed despite fresh activity")
	}
}
