package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type TagReaderRepository interface {
	// SubscriberByTag resolves a tag id to the subscriber it belongs to.
	SubscriberByTag(ctx context.Context, tagID int) (string, error)
	HasTag(ctx context.Context, subscriberID string) (bool, error)
	TagIDExists(ctx context.Context, tagID int) (bool, error)
	Insert(ctx context.Context, tagID int, subscriberID string) error
}

type tagReaderRepository struct {
	src Source
}

func NewTagReaderRepository(src Source) TagReaderRepository {
	return &tagReaderRepository{src: src}
}

func (r *tagReaderRepository) SubscriberByTag(ctx context.Context, tagID int) (string, error) {
	const query = `SELECT subscriber_id FROM tagreader WHERE tagreader_id = $1`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var subscriberID string
	err = q.QueryRow(ctx, query, tagID).Scan(&subscriberID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return subscriberID, err
}

func (r *tagReaderRepository) HasTag(ctx context.Context, subscriberID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM tagreader WHERE subscriber_id = $1)`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	var exists bool
	err = q.QueryRow(ctx, query, subscriberID).Scan(&exists)
	return exists, err
}

func (r *tagReaderRepository) TagIDExists(ctx context.Context, tagID int) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM tagreader WHERE tagreader_id = $1)`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	var exists bool
	err = q.QueryRow(ctx, query, tagID).Scan(&exists)
	return exists, err
}

func (r *tagReaderRepository) Insert(ctx context.Context, tagID int, subscriberID string) error {
	const query = `INSERT INTO tagreader (tagreader_id, subscriber_id) VALUES ($1, $2)`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = q.Exec(ctx, query, tagID, subscriberID)
	return err
}
