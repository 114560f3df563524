package parking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/repo/postgres"
	"github.com/bpark/bparkd/pkg/events"
	"github.com/bpark/bparkd/pkg/logger"
)

const (
	// Walk-in stays and extensions are both capped at 4 hours.
	maxStayMinutes = 240

	// A pickup this soon after the deadline does not count as late.
	lateTolerance = time.Minute

	// An extension is refused when the spot is reserved this far ahead.
	extensionLookahead = 4 * time.Hour
)

type IssueStatus int

const (
	IssueOK IssueStatus = iota
	IssueAlreadyParked
	IssueInvalidDuration
	IssueNoSpot
	IssueFailed
)

type ExtendStatus int

const (
	ExtendGranted ExtendStatus = iota
	ExtendNoActive
	ExtendInvalidMinutes
	ExtendAlreadyUsed
	ExtendSpotReserved
	ExtendFailed
)

type RetrieveStatus int

const (
	RetrieveOK RetrieveStatus = iota
	RetrieveNoCar
	RetrieveFailed
)

// Manager runs the live-session rules: walk-in entry, the single
// extension, pickup and the parking-code reminder.
type Manager struct {
	spots        postgres.SpotRepository
	reservations postgres.ReservationRepository
	history      postgres.HistoryRepository
	bus          events.Publisher
	now          func() time.Time
}

func NewManager(
	spots postgres.SpotRepository,
	reservations postgres.ReservationRepository,
	history postgres.HistoryRepository,
	bus events.Publisher,
	now func() time.Time,
) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		spots:        spots,
		reservations: reservations,
		history:      history,
		bus:          bus,
		now:          now,
	}
}

// IssueCode starts a walk-in session and returns its history id, which
// doubles as the parking code. One open session per subscriber.
func (m *Manager) IssueCode(ctx context.Context, subscriberID string, durationMin int) (IssueStatus, int, error) {
	if durationMin <= 0 || durationMin > maxStayMinutes {
		return IssueInvalidDuration, 0, nil
	}

	open, err := m.history.OpenBySubscriber(ctx, subscriberID)
	if err != nil {
		return 0, 0, fmt.Errorf("check open session: %w", err)
	}
	if open != nil {
		return IssueAlreadyParked, 0, nil
	}

	now := m.now()
	spotID, ok, err := m.spots.FindWalkInSpot(ctx, now, durationMin)
	if err != nil {
		return 0, 0, fmt.Errorf("find walk-in spot: %w", err)
	}
	if !ok {
		return IssueNoSpot, 0, nil
	}

	if ok, err := m.spots.SetInUse(ctx, spotID, true); err != nil || !ok {
		logger.ErrorContext(ctx, "mark spot in use", "spot_id", spotID, "error", err)
		return IssueFailed, 0, nil
	}

	session := domain.ParkingSession{
		SubscriberID: subscriberID,
		SpotID:       spotID,
		EntryTime:    now,
		TimeToPark:   durationMin,
		ShowedUp:     true,
	}
	historyID, err := m.history.Insert(ctx, session)
	if err != nil {
		if _, rbErr := m.spots.SetInUse(ctx, spotID, false); rbErr != nil {
			logger.ErrorContext(ctx, "roll back spot after failed insert", "spot_id", spotID, "error", rbErr)
		}
		// A concurrent entry by the same subscriber won the open-session
		// index; report it the same as an up-front duplicate.
		if errors.Is(err, postgres.ErrOpenSessionExists) {
			return IssueAlreadyParked, 0, nil
		}
		logger.ErrorContext(ctx, "insert walk-in session", "error", err)
		return IssueFailed, 0, nil
	}

	if err := m.bus.Publish(ctx, events.ParkingStarted, events.ParkingStartedEvent{
		SessionID:    historyID,
		SubscriberID: subscriberID,
		SpotID:       spotID,
		EntryTime:    now,
		Reserved:     false,
	}); err != nil {
		logger.ErrorContext(ctx, "publish parking.started", "error", err)
	}
	return IssueOK, historyID, nil
}

// Extend lengthens the open session's allowance once, by up to 4 hours,
// unless the spot is reserved within the next 4 hours.
func (m *Manager) Extend(ctx context.Context, subscriberID string, minutes int) (ExtendStatus, error) {
	open, err := m.history.OpenBySubscriber(ctx, subscriberID)
	if err != nil {
		return 0, fmt.Errorf("check open session: %w", err)
	}
	if open == nil {
		return ExtendNoActive, nil
	}
	if minutes <= 0 || minutes > maxStayMinutes {
		return ExtendInvalidMinutes, nil
	}
	if open.ExtensionUsed {
		return ExtendAlreadyUsed, nil
	}

	reserved, err := m.reservations.SpotReservedWithin(ctx, open.SpotID, m.now(), extensionLookahead)
	if err != nil {
		return 0, fmt.Errorf("check upcoming reservations: %w", err)
	}
	if reserved {
		return ExtendSpotReserved, nil
	}

	ok, err := m.history.RecordExtension(ctx, open.HistoryID, minutes)
	if err != nil {
		return 0, fmt.Errorf("record extension: %w", err)
	}
	if !ok {
		// Lost a race with a concurrent extension or pickup.
		return ExtendFailed, nil
	}
	return ExtendGranted, nil
}

// Retrieve closes the session identified by the parking code and frees
// its spot. The history row is closed before the spot is released, so a
// crash in between leaves the spot blocked rather than double-bookable.
func (m *Manager) Retrieve(ctx context.Context, subscriberID string, historyID int) (RetrieveStatus, error) {
	open, err := m.history.OpenBySubscriber(ctx, subscriberID)
	if err != nil {
		return 0, fmt.Errorf("check open session: %w", err)
	}
	if open == nil || open.HistoryID != historyID {
		return RetrieveNoCar, nil
	}

	now := m.now()
	late := now.After(open.Deadline().Add(lateTolerance))
	totalMinutes := int(now.Sub(open.EntryTime).Minutes())

	ok, err := m.history.Close(ctx, open.HistoryID, subscriberID, open.SpotID, now, late, totalMinutes)
	if err != nil {
		return 0, fmt.Errorf("close session: %w", err)
	}
	if !ok {
		return RetrieveFailed, nil
	}

	if _, err := m.spots.SetInUse(ctx, open.SpotID, false); err != nil {
		logger.ErrorContext(ctx, "free spot after pickup", "spot_id", open.SpotID, "error", err)
	}

	if err := m.bus.Publish(ctx, events.ParkingEnded, events.ParkingEndedEvent{
		SessionID:    open.HistoryID,
		SubscriberID: subscriberID,
		SpotID:       open.SpotID,
		ExitTime:     now,
		Late:         late,
	}); err != nil {
		logger.ErrorContext(ctx, "publish parking.ended", "error", err)
	}
	return RetrieveOK, nil
}

// Status returns the subscriber's open session, nil when there is none.
func (m *Manager) Status(ctx context.Context, subscriberID string) (*domain.ParkingSession, error) {
	return m.history.OpenBySubscriber(ctx, subscriberID)
}

// Available counts spots a walk-in could take right now.
func (m *Manager) Available(ctx context.Context) (int, error) {
	return m.spots.CountAvailableAt(ctx, m.now())
}

// ResendCode mails the open session's parking code to the subscriber.
// Returns false when there is no open session.
func (m *Manager) ResendCode(ctx context.Context, subscriberID string) (bool, error) {
	code, err := m.history.ActiveCode(ctx, subscriberID)
	if err != nil {
		return false, fmt.Errorf("look up active code: %w", err)
	}
	if code == nil {
		return false, nil
	}

	if err := m.bus.Publish(ctx, events.NotifySend, events.NotificationEvent{
		Kind:      events.NotifyParkingCode,
		Recipient: code.Email,
		Name:      code.Name,
		Data:      map[string]string{"code": strconv.Itoa(code.HistoryID)},
	}); err != nil {
		logger.ErrorContext(ctx, "publish parking code notification", "error", err)
	}
	return true, nil
}
