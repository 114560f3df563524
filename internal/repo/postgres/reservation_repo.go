package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bpark/bparkd/internal/domain"
)

type ReservationRepository interface {
	// HasOnDate reports whether the subscriber already holds a reservation
	// whose start falls on the same calendar date.
	HasOnDate(ctx context.Context, subscriberID string, date time.Time) (bool, error)
	// NextID allocates the next reservation id. Ids are small increasing
	// integers surfaced to users as confirmation codes.
	NextID(ctx context.Context) (int, error)
	Insert(ctx context.Context, res domain.Reservation) error
	GetForSubscriber(ctx context.Context, reservationID int, subscriberID string) (*domain.Reservation, error)
	// ExpiredUnclaimed lists reservations whose claim window closed before
	// the given instant and which no parking session ever consumed.
	ExpiredUnclaimed(ctx context.Context, before time.Time) ([]domain.Reservation, error)
	Delete(ctx context.Context, reservationID int) (bool, error)
	// SpotReservedWithin reports whether any reservation on the spot starts
	// inside (now, now+window].
	SpotReservedWithin(ctx context.Context, spotID int, now time.Time, window time.Duration) (bool, error)
}

type reservationRepository struct {
	src Source
}

func NewReservationRepository(src Source) ReservationRepository {
	return &reservationRepository{src: src}
}

const reservationCols = `reservation_id, subscriber_id, spot_id, start_time, end_time`

func (r *reservationRepository) HasOnDate(ctx context.Context, subscriberID string, date time.Time) (bool, error) {
	const query = `
		SELECT COUNT(*)
		FROM reservation
		WHERE subscriber_id = $1 AND start_time::date = $2::date`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	var n int
	if err := q.QueryRow(ctx, query, subscriberID, date).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *reservationRepository) NextID(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var maxID int
	if err := q.QueryRow(ctx, `SELECT COALESCE(MAX(reservation_id), 0) FROM reservation`).Scan(&maxID); err != nil {
		return 0, err
	}
	return maxID + 1, nil
}

func (r *reservationRepository) Insert(ctx context.Context, res domain.Reservation) error {
	const query = `
		INSERT INTO reservation (reservation_id, subscriber_id, spot_id, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5)`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = q.Exec(ctx, query, res.ID, res.SubscriberID, res.SpotID, res.StartTime, res.EndTime)
	return err
}

func (r *reservationRepository) GetForSubscriber(ctx context.Context, reservationID int, subscriberID string) (*domain.Reservation, error) {
	const query = `SELECT ` + reservationCols + `
		FROM reservation
		WHERE reservation_id = $1 AND subscriber_id = $2`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var res domain.Reservation
	err = q.QueryRow(ctx, query, reservationID, subscriberID).Scan(
		&res.ID, &res.SubscriberID, &res.SpotID, &res.StartTime, &res.EndTime,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *reservationRepository) ExpiredUnclaimed(ctx context.Context, before time.Time) ([]domain.Reservation, error) {
	const query = `SELECT ` + reservationCols + `
		FROM reservation r
		WHERE $1 > r.start_time + INTERVAL '15 minutes'
		  AND NOT EXISTS (
		    SELECT 1 FROM parkinghistory ph WHERE ph.reservation_id = r.reservation_id
		  )`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := q.Query(ctx, query, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.SubscriberID, &res.SpotID, &res.StartTime, &res.EndTime); err != nil {
			return nil, err
		}
		expired = append(expired, res)
	}
	return expired, rows.Err()
}

func (r *reservationRepository) Delete(ctx context.Context, reservationID int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	tag, err := q.Exec(ctx, `DELETE FROM reservation WHERE reservation_id = $1`, reservationID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *reservationRepository) SpotReservedWithin(ctx context.Context, spotID int, now time.Time, window time.Duration) (bool, error) {
	const query = `
		SELECT 1
		FROM reservation
		WHERE spot_id = $1
		  AND start_time > $2
		  AND start_time <= $2 + ($3 * INTERVAL '1 minute')
		ORDER BY start_time ASC
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	var one int
	err = q.QueryRow(ctx, query, spotID, now, int(window.Minutes())).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
