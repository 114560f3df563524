package reservation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/repo/postgres"
	"github.com/bpark/bparkd/internal/reservation"
)

// ---------- Mocks ----------

type mockSpotRepo struct {
	total       int
	freeDuring  int
	freeSpotID  int
	noFreeSpot  bool
	setInUseErr error
	inUse       map[int]bool
}

func newMockSpotRepo() *mockSpotRepo {
	return &mockSpotRepo{total: 100, freeDuring: 100, freeSpotID: 5, inUse: make(map[int]bool)}
}

func (m *mockSpotRepo) Total(context.Context) (int, error) { return m.total, nil }
func (m *mockSpotRepo) CountAvailableAt(context.Context, time.Time) (int, error) {
	return m.freeDuring, nil
}
func (m *mockSpotRepo) CountFreeDuring(context.Context, time.Time, time.Time) (int, error) {
	return m.freeDuring, nil
}
func (m *mockSpotRepo) FindFreeSpotDuring(context.Context, time.Time, time.Time) (int, bool, error) {
	if m.noFreeSpot {
		return 0, false, nil
	}
	return m.freeSpotID, true, nil
}
func (m *mockSpotRepo) FindWalkInSpot(context.Context, time.Time, int) (int, bool, error) {
	return m.freeSpotID, !m.noFreeSpot, nil
}
func (m *mockSpotRepo) SetInUse(_ context.Context, spotID int, inUse bool) (bool, error) {
	if m.setInUseErr != nil {
		return false, m.setInUseErr
	}
	m.inUse[spotID] = inUse
	return true, nil
}

type mockReservationRepo struct {
	byID   map[int]domain.Reservation
	nextID int
	onDate bool
}

func newMockReservationRepo() *mockReservationRepo {
	return &mockReservationRepo{byID: make(map[int]domain.Reservation), nextID: 1}
}

func (m *mockReservationRepo) HasOnDate(context.Context, string, time.Time) (bool, error) {
	return m.onDate, nil
}
func (m *mockReservationRepo) NextID(context.Context) (int, error) { return m.nextID, nil }
func (m *mockReservationRepo) Insert(_ context.Context, res domain.Reservation) error {
	m.byID[res.ID] = res
	m.nextID = res.ID + 1
	return nil
}
func (m *mockReservationRepo) GetForSubscriber(_ context.Context, id int, subscriberID string) (*domain.Reservation, error) {
	res, ok := m.byID[id]
	if !ok || res.SubscriberID != subscriberID {
		return nil, nil
	}
	return &res, nil
}
func (m *mockReservationRepo) ExpiredUnclaimed(_ context.Context, before time.Time) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, res := range m.byID {
		if before.After(res.StartTime.Add(15 * time.Minute)) {
			out = append(out, res)
		}
	}
	return out, nil
}
func (m *mockReservationRepo) Delete(_ context.Context, id int) (bool, error) {
	_, ok := m.byID[id]
	delete(m.byID, id)
	return ok, nil
}
func (m *mockReservationRepo) SpotReservedWithin(context.Context, int, time.Time, time.Duration) (bool, error) {
	return false, nil
}

type mockHistoryRepo struct {
	nextID     int
	sessions   map[int]domain.ParkingSession
	insertErr  error
	missed     []domain.Reservation
	usedResIDs map[int]bool
}

func newMockHistoryRepo() *mockHistoryRepo {
	return &mockHistoryRepo{nextID: 1, sessions: make(map[int]domain.ParkingSession), usedResIDs: make(map[int]bool)}
}

func (m *mockHistoryRepo) OpenBySubscriber(context.Context, string) (*domain.ParkingSession, error) {
	return nil, nil
}
func (m *mockHistoryRepo) Insert(_ context.Context, s domain.ParkingSession) (int, error) {
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	id := m.nextID
	m.nextID++
	s.HistoryID = id
	m.sessions[id] = s
	if s.ReservationID != nil {
		m.usedResIDs[*s.ReservationID] = true
	}
	return id, nil
}
func (m *mockHistoryRepo) InsertMissed(_ context.Context, res domain.Reservation) error {
	m.missed = append(m.missed, res)
	m.usedResIDs[res.ID] = true
	return nil
}
func (m *mockHistoryRepo) HasByReservation(_ context.Context, id int) (bool, error) {
	return m.usedResIDs[id], nil
}
func (m *mockHistoryRepo) Close(context.Context, int, string, int, time.Time, bool, int) (bool, error) {
	return false, nil
}
func (m *mockHistoryRepo) RecordExtension(context.Context, int, int) (bool, error) {
	return false, nil
}
func (m *mockHistoryRepo) Overdue(context.Context, time.Time) ([]postgres.OverdueSession, error) {
	return nil, nil
}
func (m *mockHistoryRepo) MarkLateNotified(context.Context, int) error { return nil }
func (m *mockHistoryRepo) EvictionCandidates(context.Context, time.Time) ([]postgres.OverdueSession, error) {
	return nil, nil
}
func (m *mockHistoryRepo) ForceClose(context.Context, int, time.Time, int) (bool, error) {
	return false, nil
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

type mockPublisher struct {
	subjects []string
}

func (m *mockPublisher) Publish(_ context.Context, subject string, _ interface{}) error {
	m.subjects = append(m.subjects, subject)
	return nil
}
func (m *mockPublisher) Close() error { return nil }

// ---------- Helpers ----------

type fixture struct {
	spots        *mockSpotRepo
	reservations *mockReservationRepo
	history      *mockHistoryRepo
	bus          *mockPublisher
	engine       *reservation.Engine
	now          time.Time
}

func newFixture(now time.Time) *fixture {
	f := &fixture{
		spots:        newMockSpotRepo(),
		reservations: newMockReservationRepo(),
		history:      newMockHistoryRepo(),
		bus:          &mockPublisher{},
		now:          now,
	}
	f.engine = reservation.NewEngine(f.spots, f.reservations, f.history, f.bus, func() time.Time { return f.now })
	return f
}

var baseTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// ---------- Tests ----------

func TestReserveWithinWindow(t *testing.T) {
	f := newFixture(baseTime)

	status, id, err := f.engine.Reserve(context.Background(), "SUB1", baseTime.Add(48*time.Hour), 120)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if status != reservation.ReserveCreated {
		t.Fatalf("status = %v, want ReserveCreated", status)
	}
	if id != 1 {
		t.Errorf("reservation id = %d, want 1", id)
	}
	if len(f.bus.subjects) != 1 || f.bus.subjects[0] != "reservation.created" {
		t.Errorf("published = %v, want [reservation.created]", f.bus.subjects)
	}
}

func TestReserveWindowBounds(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		want  reservation.ReserveStatus
	}{
		{"under 24h ahead", baseTime.Add(23 * time.Hour), reservation.ReserveTimeRejected},
		{"exactly 24h ahead", baseTime.Add(24 * time.Hour), reservation.ReserveCreated},
		{"six days ahead", baseTime.Add(6 * 24 * time.Hour), reservation.ReserveCreated},
		{"over a week ahead", baseTime.Add(8 * 24 * time.Hour), reservation.ReserveTimeRejected},
		{"in the past", baseTime.Add(-time.Hour), reservation.ReserveTimeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(baseTime)
			status, _, err := f.engine.Reserve(context.Background(), "SUB1", tt.start, 60)
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if status != tt.want {
				t.Errorf("status = %v, want %v", status, tt.want)
			}
		})
	}
}

func TestReserveDuplicateDate(t *testing.T) {
	f := newFixture(baseTime)
	f.reservations.onDate = true

	status, _, err := f.engine.Reserve(context.Background(), "SUB1", baseTime.Add(48*time.Hour), 60)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if status != reservation.ReserveDuplicateDate {
		t.Errorf("status = %v, want ReserveDuplicateDate", status)
	}
}

func TestReserveCapacityShare(t *testing.T) {
	tests := []struct {
		name string
		free int
		want reservation.ReserveStatus
	}{
		{"40 of 100 free admits", 40, reservation.ReserveCreated},
		{"39 of 100 free rejects", 39, reservation.ReserveNoCapacity},
		{"none free rejects", 0, reservation.ReserveNoCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(baseTime)
			f.spots.freeDuring = tt.free
			status, _, err := f.engine.Reserve(context.Background(), "SUB1", baseTime.Add(48*time.Hour), 60)
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if status != tt.want {
				t.Errorf("status = %v, want %v", status, tt.want)
			}
		})
	}
}

func TestReserveNoFreeSpot(t *testing.T) {
	f := newFixture(baseTime)
	f.spots.noFreeSpot = true

	status, _, err := f.engine.Reserve(context.Background(), "SUB1", baseTime.Add(48*time.Hour), 60)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if status != reservation.ReserveNoSpot {
		t.Errorf("status = %v, want ReserveNoSpot", status)
	}
}

func reserveOne(t *testing.T, f *fixture, start time.Time, durationMin int) int {
	t.Helper()
	status, id, err := f.engine.Reserve(context.Background(), "SUB1", start, durationMin)
	if err != nil || status != reservation.ReserveCreated {
		t.Fatalf("reserve: status=%v err=%v", status, err)
	}
	return id
}

func TestClaimOnTime(t *testing.T) {
	f := newFixture(baseTime)
	start := baseTime.Add(48 * time.Hour)
	id := reserveOne(t, f, start, 120)

	f.now = start.Add(30 * time.Second)
	status, historyID, err := f.engine.Claim(context.Background(), "SUB1", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if status != reservation.ClaimStarted {
		t.Fatalf("status = %v, want ClaimStarted", status)
	}
	s := f.history.sessions[historyID]
	if s.Late {
		t.Error("session flagged late inside the grace minute")
	}
	if s.TimeToPark != 120 {
		t.Errorf("time to park = %d, want 120", s.TimeToPark)
	}
	if !f.spots.inUse[s.SpotID] {
		t.Error("spot not marked in use")
	}
	if len(f.reservations.byID) != 0 {
		t.Error("claimed reservation not deleted")
	}
}

func TestClaimAfterGraceIsLate(t *testing.T) {
	f := newFixture(baseTime)
	start := baseTime.Add(48 * time.Hour)
	id := reserveOne(t, f, start, 60)

	f.now = start.Add(2 * time.Minute)
	status, historyID, err := f.engine.Claim(context.Background(), "SUB1", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if status != reservation.ClaimStarted {
		t.Fatalf("status = %v, want ClaimStarted", status)
	}
	if !f.history.sessions[historyID].Late {
		t.Error("session not flagged late two minutes past start")
	}
}

func TestClaimLateShrinksAllowance(t *testing.T) {
	f := newFixture(baseTime)
	start := baseTime.Add(48 * time.Hour)
	id := reserveOne(t, f, start, 60)

	// Arriving ten minutes late leaves fifty minutes of the reserved hour.
	f.now = start.Add(10 * time.Minute)
	status, historyID, err := f.engine.Claim(context.Background(), "SUB1", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if status != reservation.ClaimStarted {
		t.Fatalf("status = %v, want ClaimStarted", status)
	}
	if got := f.history.sessions[historyID].TimeToPark; got != 50 {
		t.Errorf("time to park = %d, want 50", got)
	}
}

func TestClaimTooEarly(t *testing.T) {
	f := newFixture(baseTime)
	start := baseTime.Add(48 * time.Hour)
	id := reserveOne(t, f, start, 60)

	f.now = start.Add(-time.Minute)
	status, _, err := f.engine.Claim(context.Background(), "SUB1", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if status != reservation.ClaimTooEarly {
		t.Errorf("status = %v, want ClaimTooEarly", status)
	}
}

func TestClaimUnknownOrForeignReservation(t *testing.T) {
	f := newFixture(baseTime)
	id := reserveOne(t, f, baseTime.Add(48*time.Hour), 60)

	status, _, err := f.engine.Claim(context.Background(), "SUB2", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if status != reservation.ClaimNotFound {
		t.Errorf("foreign claim status = %v, want ClaimNotFound", status)
	}

	status, _, err = f.engine.Claim(context.Background(), "SUB1", 404)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if status != reservation.ClaimNotFound {
		t.Errorf("unknown claim status = %v, want ClaimNotFound", status)
	}
}

func TestClaimInsertFailureRollsBackSpot(t *testing.T) {
	f := newFixture(baseTime)
	start := baseTime.Add(48 * time.Hour)
	id := reserveOne(t, f, start, 60)

	f.history.insertErr = errors.New("disk full")
	f.now = start
	status, _, err := f.engine.Claim(context.Background(), "SUB1", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if status != reservation.ClaimInsertFailed {
		t.Fatalf("status = %v, want ClaimInsertFailed", status)
	}
	if f.spots.inUse[f.spots.freeSpotID] {
		t.Error("spot left in use after failed insert")
	}
	if len(f.reservations.byID) != 1 {
		t.Error("reservation deleted despite failed claim")
	}
}

func TestExpireSweep(t *testing.T) {
	f := newFixture(baseTime)
	start := baseTime.Add(48 * time.Hour)
	id := reserveOne(t, f, start, 60)

	// Still inside the claim window: nothing to sweep.
	f.now = start.Add(10 * time.Minute)
	swept, err := f.engine.ExpireSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept = %d inside claim window, want 0", swept)
	}

	f.now = start.Add(16 * time.Minute)
	swept, err = f.engine.ExpireSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if len(f.history.missed) != 1 || f.history.missed[0].ID != id {
		t.Errorf("missed sessions = %v", f.history.missed)
	}

	// A second run finds nothing.
	swept, err = f.engine.ExpireSweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 0 {
		t.Errorf("second sweep = %d, want 0", swept)
	}
}

func TestClaimAlreadyUsed(t *testing.T) {
	f := newFixture(baseTime)
	start := baseTime.Add(48 * time.Hour)
	id := reserveOne(t, f, start, 60)

	// Simulate a history row already written for this reservation while
	// the reservation row still exists.
	f.history.usedResIDs[id] = true
	f.now = start
	status, _, err := f.engine.Claim(context.Background(), "SUB1", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if status != reservation.ClaimAlreadyUsed {
		t.Errorf("status = %v, want ClaimAlreadyUsed", status)
	}
}
