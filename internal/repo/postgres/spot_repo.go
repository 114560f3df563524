package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type SpotRepository interface {
	Total(ctx context.Context) (int, error)
	// CountAvailableAt counts spots free at the given instant that are not
	// inside the 15-minute claim window of any reservation.
	CountAvailableAt(ctx context.Context, at time.Time) (int, error)
	CountFreeDuring(ctx context.Context, start, end time.Time) (int, error)
	// FindFreeSpotDuring picks one spot with no reservation overlapping
	// [start, end).
	FindFreeSpotDuring(ctx context.Context, start, end time.Time) (int, bool, error)
	// FindWalkInSpot picks a spot that is free now, not inside any
	// reservation's claim window, and not reserved within the next
	// durationMin minutes.
	FindWalkInSpot(ctx context.Context, now time.Time, durationMin int) (int, bool, error)
	SetInUse(ctx context.Context, spotID int, inUse bool) (bool, error)
}

type spotRepository struct {
	src Source
}

func NewSpotRepository(src Source) SpotRepository {
	return &spotRepository{src: src}
}

const repoTimeout = 3 * time.Second

func (r *spotRepository) Total(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	err = q.QueryRow(ctx, `SELECT COUNT(*) FROM parkingspot`).Scan(&n)
	return n, err
}

func (r *spotRepository) CountAvailableAt(ctx context.Context, at time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM parkingspot ps
		WHERE ps.in_use = FALSE
		  AND NOT EXISTS (
		    SELECT 1
		    FROM reservation r
		    WHERE r.spot_id = ps.spot_id
		      AND r.start_time <= $1
		      AND $1 <= r.start_time + INTERVAL '15 minutes'
		  )`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	err = q.QueryRow(ctx, query, at).Scan(&n)
	return n, err
}

func (r *spotRepository) CountFreeDuring(ctx context.Context, start, end time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM parkingspot ps
		WHERE ps.spot_id NOT IN (
		    SELECT r.spot_id
		    FROM reservation r
		    WHERE NOT (r.end_time <= $1 OR r.start_time >= $2)
		)`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	err = q.QueryRow(ctx, query, start, end).Scan(&n)
	return n, err
}

func (r *spotRepository) FindFreeSpotDuring(ctx context.Context, start, end time.Time) (int, bool, error) {
	const query = `
		SELECT ps.spot_id
		FROM parkingspot ps
		WHERE ps.spot_id NOT IN (
		    SELECT r.spot_id
		    FROM reservation r
		    WHERE NOT (r.end_time <= $1 OR r.start_time >= $2)
		)
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return 0, false, err
	}
	defer release()

	var spotID int
	err = q.QueryRow(ctx, query, start, end).Scan(&spotID)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	return spotID, err == nil, err
}

func (r *spotRepository) FindWalkInSpot(ctx context.Context, now time.Time, durationMin int) (int, bool, error) {
	const query = `
		SELECT ps.spot_id
		FROM parkingspot ps
		WHERE ps.in_use = FALSE
		  AND NOT EXISTS (
		    SELECT 1
		    FROM reservation r
		    WHERE r.spot_id = ps.spot_id
		      AND r.start_time <= $1
		      AND $1 <= r.start_time + INTERVAL '15 minutes'
		  )
		  AND NOT EXISTS (
		    SELECT 1
		    FROM reservation r
		    WHERE r.spot_id = ps.spot_id
		      AND r.start_time > $1
		      AND r.start_time < $1 + ($2 * INTERVAL '1 minute')
		  )
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return 0, false, err
	}
	defer release()

	var spotID int
	err = q.QueryRow(ctx, query, now, durationMin).Scan(&spotID)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	return spotID, err == nil, err
}

func (r *spotRepository) SetInUse(ctx context.Context, spotID int, inUse bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	// Only flips the flag when it actually changes, so the row count
	// arbitrates concurrent claims on the same spot.
	tag, err := q.Exec(ctx, `UPDATE parkingspot SET in_use = $1 WHERE spot_id = $2 AND in_use = NOT $1`, inUse, spotID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
