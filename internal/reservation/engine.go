package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/repo/postgres"
	"github.com/bpark/bparkd/pkg/events"
	"github.com/bpark/bparkd/pkg/logger"
)

const (
	// Booking window: at least a day ahead, at most a week.
	minLead = 24 * time.Hour
	maxLead = 7 * 24 * time.Hour

	// A reservation may be claimed up to a minute past its start without
	// being flagged late, and is swept 15 minutes past it.
	lateGrace   = time.Minute
	claimWindow = 15 * time.Minute

	// Reservations are only admitted while at least this share of the lot
	// is free for the requested window.
	admissionShare = 0.4
)

// ReserveStatus is the outcome of a Reserve call. Anything but
// ReserveCreated is a business rejection, not an error.
type ReserveStatus int

const (
	ReserveCreated ReserveStatus = iota
	ReserveTimeRejected
	ReserveDuplicateDate
	ReserveNoCapacity
	ReserveNoSpot
)

// ClaimStatus is the outcome of a Claim call.
type ClaimStatus int

const (
	ClaimStarted ClaimStatus = iota
	ClaimNotFound
	ClaimTooEarly
	ClaimAlreadyUsed
	ClaimSpotFailed
	ClaimInsertFailed
)

// Engine applies the reservation rules: booking window, one reservation
// per subscriber per day, the capacity-share admission check, claims and
// the unclaimed-reservation sweep.
type Engine struct {
	spots        postgres.SpotRepository
	reservations postgres.ReservationRepository
	history      postgres.HistoryRepository
	bus          events.Publisher
	now          func() time.Time
}

func NewEngine(
	spots postgres.SpotRepository,
	reservations postgres.ReservationRepository,
	history postgres.HistoryRepository,
	bus events.Publisher,
	now func() time.Time,
) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		spots:        spots,
		reservations: reservations,
		history:      history,
		bus:          bus,
		now:          now,
	}
}

// Reserve books a spot for the window [start, start+duration). The returned
// reservation id is meaningful only when the status is ReserveCreated.
func (e *Engine) Reserve(ctx context.Context, subscriberID string, start time.Time, durationMin int) (ReserveStatus, int, error) {
	now := e.now()
	if start.Before(now.Add(minLead)) || start.After(now.Add(maxLead)) {
		return ReserveTimeRejected, 0, nil
	}
	if durationMin <= 0 {
		return ReserveTimeRejected, 0, nil
	}
	end := start.Add(time.Duration(durationMin) * time.Minute)

	dup, err := e.reservations.HasOnDate(ctx, subscriberID, start)
	if err != nil {
		return 0, 0, fmt.Errorf("check existing reservation: %w", err)
	}
	if dup {
		return ReserveDuplicateDate, 0, nil
	}

	total, err := e.spots.Total(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("count spots: %w", err)
	}
	free, err := e.spots.CountFreeDuring(ctx, start, end)
	if err != nil {
		return 0, 0, fmt.Errorf("count free spots: %w", err)
	}
	if total == 0 || float64(free)/float64(total) < admissionShare {
		return ReserveNoCapacity, 0, nil
	}

	spotID, ok, err := e.spots.FindFreeSpotDuring(ctx, start, end)
	if err != nil {
		return 0, 0, fmt.Errorf("find free spot: %w", err)
	}
	if !ok {
		return ReserveNoSpot, 0, nil
	}

	id, err := e.reservations.NextID(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("allocate reservation id: %w", err)
	}
	res := domain.Reservation{
		ID:           id,
		SubscriberID: subscriberID,
		SpotID:       spotID,
		StartTime:    start,
		EndTime:      end,
	}
	if err := e.reservations.Insert(ctx, res); err != nil {
		return 0, 0, fmt.Errorf("insert reservation: %w", err)
	}

	if err := e.bus.Publish(ctx, events.ReservationCreated, events.ReservationCreatedEvent{
		ReservationID: res.ID,
		SubscriberID:  res.SubscriberID,
		SpotID:        res.SpotID,
		StartTime:     res.StartTime,
		EndTime:       res.EndTime,
	}); err != nil {
		logger.ErrorContext(ctx, "publish reservation.created", "error", err)
	}
	return ReserveCreated, res.ID, nil
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

// Claim converts the subscriber's reservation into an open parking session.
// The returned history id is meaningful only when the status is ClaimStarted.
func (e *Engine) Claim(ctx context.Context, subscriberID string, reservationID int) (ClaimStatus, int, error) {
	res, err := e.reservations.GetForSubscriber(ctx, reservationID, subscriberID)
	if err != nil {
		return 0, 0, fmt.Errorf("load reservation: %w", err)
	}
	if res == nil {
		return ClaimNotFound, 0, nil
	}

	now := e.now()
	if now.Before(res.StartTime) {
		return ClaimTooEarly, 0, nil
	}

	used, err := e.history.HasByReservation(ctx, reservationID)
	if err != nil {
		return 0, 0, fmt.Errorf("check reservation use: %w", err)
	}
	if used {
		return ClaimAlreadyUsed, 0, nil
	}

	if ok, err := e.spots.SetInUse(ctx, res.SpotID, true); err != nil || !ok {
		logger.ErrorContext(ctx, "mark spot in use", "spot_id", res.SpotID, "error", err)
		return ClaimSpotFailed, 0, nil
	}

	late := now.After(res.StartTime.Add(lateGrace))
	session := domain.ParkingSession{
		SubscriberID:  subscriberID,
		SpotID:        res.SpotID,
		ReservationID: &res.ID,
		EntryTime:     now,
		Late:          late,
		// The allowance runs from arrival to the reserved end, so a late
		// claim does not push the deadline past the reserved window.
		TimeToPark: ceilMinutes(res.EndTime.Sub(now)),
		ShowedUp:   true,
	}
	historyID, err := e.history.Insert(ctx, session)
	if err != nil {
		logger.ErrorContext(ctx, "insert parking session", "error", err)
		// Put the spot back so a failed claim does not leak occupancy.
		if _, rbErr := e.spots.SetInUse(ctx, res.SpotID, false); rbErr != nil {
			logger.ErrorContext(ctx, "roll back spot after failed insert", "spot_id", res.SpotID, "error", rbErr)
		}
		return ClaimInsertFailed, 0, nil
	}

	if _, err := e.reservations.Delete(ctx, res.ID); err != nil {
		logger.ErrorContext(ctx, "delete claimed reservation", "reservation_id", res.ID, "error", err)
	}

	if err := e.bus.Publish(ctx, events.ParkingStarted, events.ParkingStartedEvent{
		SessionID:    historyID,
		SubscriberID: subscriberID,
		SpotID:       res.SpotID,
		EntryTime:    now,
		Reserved:     true,
	}); err != nil {
		logger.ErrorContext(ctx, "publish parking.started", "error", err)
	}
	return ClaimStarted, historyID, nil
}

// ExpireSweep deletes reservations that went unclaimed past the claim
// window, recording each as a no-show session. Returns how many were swept.
// Safe to run repeatedly: swept reservations no longer match.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := e.reservations.ExpiredUnclaimed(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	swept := 0
	for _, res := range expired {
		if err := e.history.InsertMissed(ctx, res); err != nil {
			logger.ErrorContext(ctx, "record missed reservation", "reservation_id", res.ID, "error", err)
			continue
		}
		if _, err := e.reservations.Delete(ctx, res.ID); err != nil {
			logger.ErrorContext(ctx, "delete expired reservation", "reservation_id", res.ID, "error", err)
			continue
		}
		swept++

		if err := e.bus.Publish(ctx, events.ReservationExpired, events.ReservationExpiredEvent{
			ReservationID: res.ID,
			SubscriberID:  res.SubscriberID,
			SpotID:        res.SpotID,
			StartTime:     res.StartTime,
		}); err != nil {
			logger.ErrorContext(ctx, "publish reservation.expired", "error", err)
		}
	}
	return swept, nil
}
