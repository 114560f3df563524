package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bpark/bparkd/internal/domain"
)

// OverdueSession is one open session past its allowance, joined with the
// subscriber's contact details for notification.
type OverdueSession struct {
	HistoryID    int
	SubscriberID string
	Email        string
	Name         string
	SpotID       int
	EntryTime    time.Time
	TimeToPark   int
}

// ActiveSession is one row of the worker-facing active-spot view.
type ActiveSession struct {
	HistoryID  int
	Name       string
	EntryTime  time.Time
	TimeToPark int
}

// ActiveCode is the open parking code of a subscriber plus where to mail it.
type ActiveCode struct {
	HistoryID int
	Email     string
	Name      string
}

// ErrOpenSessionExists is returned by Insert when the subscriber already
// has an open session. The unique partial index on open rows is the
// arbiter, so concurrent inserts serialize to one winner.
var ErrOpenSessionExists = errors.New("subscriber already has an open parking session")

type HistoryRepository interface {
	OpenBySubscriber(ctx context.Context, subscriberID string) (*domain.ParkingSession, error)
	Insert(ctx context.Context, s domain.ParkingSession) (int, error)
	// HasByReservation reports whether a session was ever opened from the
	// given reservation.
	HasByReservation(ctx context.Context, reservationID int) (bool, error)
	// InsertMissed records a reservation nobody claimed: a closed session
	// covering the 15-minute claim window with showed_up = false.
	InsertMissed(ctx context.Context, res domain.Reservation) error
	Close(ctx context.Context, historyID int, subscriberID string, spotID int, exit time.Time, late bool, totalMinutes int) (bool, error)
	RecordExtension(ctx context.Context, historyID int, extraMinutes int) (bool, error)
	Overdue(ctx context.Context, now time.Time) ([]OverdueSession, error)
	MarkLateNotified(ctx context.Context, historyID int) error
	// EvictionCandidates lists sessions already notified that stayed open
	// 240 minutes past their deadline (with a 1-minute tolerance).
	EvictionCandidates(ctx context.Context, now time.Time) ([]OverdueSession, error)
	ForceClose(ctx context.Context, historyID int, exit time.Time, totalMinutes int) (bool, error)
	ClosedBySubscriber(ctx context.Context, subscriberID string) ([]domain.ParkingSession, error)
	ActiveSessions(ctx context.Context) ([]ActiveSession, error)
	ActiveCode(ctx context.Context, subscriberID string) (*ActiveCode, error)
	MonthlyStats(ctx context.Context, from, to time.Time) (domain.MonthlyStats, error)
	SessionsBetween(ctx context.Context, from, to time.Time) ([]domain.ParkingSession, error)
}

type historyRepository struct {
	src Source
}

func NewHistoryRepository(src Source) HistoryRepository {
	return &historyRepository{src: src}
}

const historyCols = `history_id, subscriber_id, spot_id, reservation_id, entry_time, exit_time,
late, late_notified, extension_used, time_to_park, total_minutes, showed_up`

func scanSession(row pgx.Row) (*domain.ParkingSession, error) {
	var s domain.ParkingSession
	err := row.Scan(
		&s.HistoryID, &s.SubscriberID, &s.SpotID, &s.ReservationID, &s.EntryTime, &s.ExitTime,
		&s.Late, &s.LateNotified, &s.ExtensionUsed, &s.TimeToPark, &s.TotalMinutes, &s.ShowedUp,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *historyRepository) OpenBySubscriber(ctx context.Context, subscriberID string) (*domain.ParkingSession, error) {
	const query = `SELECT ` + historyCols + `
		FROM parkinghistory
		WHERE subscriber_id = $1 AND exit_time IS NULL
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := scanSession(q.QueryRow(ctx, query, subscriberID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *historyRepository) Insert(ctx context.Context, s domain.ParkingSession) (int, error) {
	const query = `
		INSERT INTO parkinghistory
			(subscriber_id, spot_id, reservation_id, entry_time, late, time_to_park, extension_used, showed_up)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		RETURNING history_id`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var id int
	err = q.QueryRow(ctx, query,
		s.SubscriberID, s.SpotID, s.ReservationID, s.EntryTime, s.Late, s.TimeToPark, s.ShowedUp,
	).Scan(&id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_parkinghistory_open" {
		return 0, ErrOpenSessionExists
	}
	return id, err
}

func (r *historyRepository) HasByReservation(ctx context.Context, reservationID int) (bool, error) {
	const query = `SELECT COUNT(*) FROM parkinghistory WHERE reservation_id = $1`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	var n int
	if err := q.QueryRow(ctx, query, reservationID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *historyRepository) InsertMissed(ctx context.Context, res domain.Reservation) error {
	const query = `
		INSERT INTO parkinghistory
			(subscriber_id, spot_id, reservation_id, entry_time, exit_time,
			 late, time_to_park, total_minutes, showed_up)
		VALUES ($1, $2, $3, $4, $4 + INTERVAL '15 minutes', FALSE, 15, 15, FALSE)`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = q.Exec(ctx, query, res.SubscriberID, res.SpotID, res.ID, res.StartTime)
	return err
}

func (r *historyRepository) Close(ctx context.Context, historyID int, subscriberID string, spotID int, exit time.Time, late bool, totalMinutes int) (bool, error) {
	const query = `
		UPDATE parkinghistory
		SET exit_time = $1, late = $2, total_minutes = $3
		WHERE history_id = $4 AND subscriber_id = $5 AND spot_id = $6 AND exit_time IS NULL`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	tag, err := q.Exec(ctx, query, exit, late, totalMinutes, historyID, subscriberID, spotID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *historyRepository) RecordExtension(ctx context.Context, historyID int, extraMinutes int) (bool, error) {
	const query = `
		UPDATE parkinghistory
		SET extension_used = TRUE, time_to_park = time_to_park + $1
		WHERE history_id = $2 AND exit_time IS NULL AND extension_used = FALSE`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	tag, err := q.Exec(ctx, query, extraMinutes, historyID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *historyRepository) overdueWhere(ctx context.Context, query string, now time.Time) ([]OverdueSession, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := q.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OverdueSession
	for rows.Next() {
		var o OverdueSession
		if err := rows.Scan(&o.HistoryID, &o.SubscriberID, &o.Email, &o.Name, &o.SpotID, &o.EntryTime, &o.TimeToPark); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *historyRepository) Overdue(ctx context.Context, now time.Time) ([]OverdueSession, error) {
	const query = `
		SELECT ph.history_id, ph.subscriber_id, s.email, s.user_name, ph.spot_id, ph.entry_time, ph.time_to_park
		FROM parkinghistory ph
		JOIN subscriber s ON ph.subscriber_id = s.subscriber_id
		WHERE ph.exit_time IS NULL
		  AND ph.late_notified = FALSE
		  AND ph.showed_up = TRUE
		  AND $1 >= ph.entry_time + (ph.time_to_park * INTERVAL '1 minute')`
	return r.overdueWhere(ctx, query, now)
}

func (r *historyRepository) MarkLateNotified(ctx context.Context, historyID int) error {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = q.Exec(ctx,
		`UPDATE parkinghistory SET late_notified = TRUE WHERE history_id = $1 AND exit_time IS NULL`,
		historyID)
	return err
}

func (r *historyRepository) EvictionCandidates(ctx context.Context, now time.Time) ([]OverdueSession, error) {
	const query = `
		SELECT ph.history_id, ph.subscriber_id, s.email, s.user_name, ph.spot_id, ph.entry_time, ph.time_to_park
		FROM parkinghistory ph
		JOIN subscriber s ON ph.subscriber_id = s.subscriber_id
		WHERE ph.exit_time IS NULL
		  AND ph.late_notified = TRUE
		  AND ph.showed_up = TRUE
		  AND $1 - INTERVAL '1 minute' >= ph.entry_time + ((ph.time_to_park + 240) * INTERVAL '1 minute')`
	return r.overdueWhere(ctx, query, now)
}

func (r *historyRepository) ForceClose(ctx context.Context, historyID int, exit time.Time, totalMinutes int) (bool, error) {
	const query = `
		UPDATE parkinghistory
		SET exit_time = $1, total_minutes = $2, late = TRUE
		WHERE history_id = $3 AND exit_time IS NULL`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	tag, err := q.Exec(ctx, query, exit, totalMinutes, historyID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *historyRepository) sessions(ctx context.Context, query string, args ...any) ([]domain.ParkingSession, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ParkingSession
	for rows.Next() {
		var s domain.ParkingSession
		if err := rows.Scan(
			&s.HistoryID, &s.SubscriberID, &s.SpotID, &s.ReservationID, &s.EntryTime, &s.ExitTime,
			&s.Late, &s.LateNotified, &s.ExtensionUsed, &s.TimeToPark, &s.TotalMinutes, &s.ShowedUp,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *historyRepository) ClosedBySubscriber(ctx context.Context, subscriberID string) ([]domain.ParkingSession, error) {
	const query = `SELECT ` + historyCols + `
		FROM parkinghistory
		WHERE subscriber_id = $1 AND exit_time IS NOT NULL
		ORDER BY entry_time DESC`
	return r.sessions(ctx, query, subscriberID)
}

func (r *historyRepository) SessionsBetween(ctx context.Context, from, to time.Time) ([]domain.ParkingSession, error) {
	const query = `SELECT ` + historyCols + `
		FROM parkinghistory
		WHERE entry_time >= $1 AND entry_time < $2 AND exit_time IS NOT NULL
		ORDER BY entry_time`
	return r.sessions(ctx, query, from, to)
}

func (r *historyRepository) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	const query = `
		SELECT ph.history_id, s.user_name, ph.entry_time, ph.time_to_park
		FROM parkinghistory ph
		JOIN subscriber s ON ph.subscriber_id = s.subscriber_id
		WHERE ph.exit_time IS NULL`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActiveSession
	for rows.Next() {
		var a ActiveSession
		if err := rows.Scan(&a.HistoryID, &a.Name, &a.EntryTime, &a.TimeToPark); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *historyRepository) ActiveCode(ctx context.Context, subscriberID string) (*ActiveCode, error) {
	const query = `
		SELECT ph.history_id, s.email, s.user_name
		FROM parkinghistory ph
		JOIN subscriber s ON ph.subscriber_id = s.subscriber_id
		WHERE ph.subscriber_id = $1 AND ph.exit_time IS NULL
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var c ActiveCode
	err = q.QueryRow(ctx, query, subscriberID).Scan(&c.HistoryID, &c.Email, &c.Name)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *historyRepository) MonthlyStats(ctx context.Context, from, to time.Time) (domain.MonthlyStats, error) {
	const query = `
		SELECT
			COALESCE(SUM(EXTRACT(EPOCH FROM (exit_time - entry_time)) / 60), 0)::bigint,
			COALESCE(SUM(CASE WHEN late THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN late_notified THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN extension_used THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN reservation_id IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN reservation_id IS NOT NULL AND NOT showed_up THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN reservation_id IS NOT NULL AND late THEN 1 ELSE 0 END), 0),
			COALESCE((
				SELECT EXTRACT(HOUR FROM entry_time)::int
				FROM parkinghistory
				WHERE entry_time >= $1 AND entry_time < $2
				GROUP BY 1
				ORDER BY COUNT(*) DESC
				LIMIT 1
			), -1)
		FROM parkinghistory
		WHERE entry_time >= $1 AND entry_time < $2 AND exit_time IS NOT NULL`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return domain.MonthlyStats{}, err
	}
	defer release()

	stats := domain.MonthlyStats{Month: from}
	err = q.QueryRow(ctx, query, from, to).Scan(
		&stats.TotalMinutes, &stats.LateExits, &stats.LateNotified, &stats.Extensions,
		&stats.ReservationCount, &stats.Cancellations, &stats.LateReservations,
		&stats.MostRequestedHour,
	)
	return stats, err
}
