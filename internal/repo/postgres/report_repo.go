package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type ReportRepository interface {
	SaveParkingReport(ctx context.Context, month time.Time, data []byte) error
	GetParkingReport(ctx context.Context, month time.Time) ([]byte, error)
	SaveSubscriberReport(ctx context.Context, subscriberID string, month time.Time, data []byte) error
	GetSubscriberReport(ctx context.Context, subscriberID string, month time.Time) ([]byte, error)
	// LastGeneratedMonth returns the zero time when no report run is recorded.
	LastGeneratedMonth(ctx context.Context) (time.Time, error)
	SetLastGeneratedMonth(ctx context.Context, month time.Time) error
}

type reportRepository struct {
	src Source
}

func NewReportRepository(src Source) ReportRepository {
	return &reportRepository{src: src}
}

func (r *reportRepository) SaveParkingReport(ctx context.Context, month time.Time, data []byte) error {
	const query = `
		INSERT INTO parkingreport (date_of_report, report_data)
		VALUES ($1, $2)
		ON CONFLICT (date_of_report) DO UPDATE SET report_data = EXCLUDED.report_data`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = q.Exec(ctx, query, month, data)
	return err
}

func (r *reportRepository) GetParkingReport(ctx context.Context, month time.Time) ([]byte, error) {
	const query = `SELECT report_data FROM parkingreport WHERE date_of_report = $1`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var data []byte
	err = q.QueryRow(ctx, query, month).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return data, err
}

func (r *reportRepository) SaveSubscriberReport(ctx context.Context, subscriberID string, month time.Time, data []byte) error {
	const query = `
		INSERT INTO subscriberreport (subscriber_id, date_of_report, report_data)
		VALUES ($1, $2, $3)
		ON CONFLICT (date_of_report, subscriber_id) DO UPDATE SET report_data = EXCLUDED.report_data`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = q.Exec(ctx, query, subscriberID, month, data)
	return err
}

func (r *reportRepository) GetSubscriberReport(ctx context.Context, subscriberID string, month time.Time) ([]byte, error) {
	const query = `
		SELECT report_data FROM subscriberreport
		WHERE subscriber_id = $1 AND date_of_report = $2`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var data []byte
	err = q.QueryRow(ctx, query, subscriberID, month).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return data, err
}

func (r *reportRepository) LastGeneratedMonth(ctx context.Context) (time.Time, error) {
	const query = `SELECT last_generated FROM reportmeta WHERE id = TRUE`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer release()

	var month time.Time
	err = q.QueryRow(ctx, query).Scan(&month)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	return month, err
}

func (r *reportRepository) SetLastGeneratedMonth(ctx context.Context, month time.Time) error {
	const query = `
		INSERT INTO reportmeta (id, last_generated)
		VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET last_generated = EXCLUDED.last_generated`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = q.Exec(ctx, query, month)
	return err
}
