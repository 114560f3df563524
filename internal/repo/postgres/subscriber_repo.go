package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bpark/bparkd/internal/domain"
)

type SubscriberRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Subscriber, error)
	// ExistsByProfile reports whether a subscriber with the same name,
	// phone and email is already registered.
	ExistsByProfile(ctx context.Context, name, phone, email string) (bool, error)
	// NextID returns the next unused subscriber id in the SUB<n> sequence.
	NextID(ctx context.Context) (string, error)
	Insert(ctx context.Context, sub domain.Subscriber) error
	UpdateContact(ctx context.Context, id, phone, email string) (bool, error)
	List(ctx context.Context) ([]domain.Subscriber, error)
}

type subscriberRepository struct {
	src Source
}

func NewSubscriberRepository(src Source) SubscriberRepository {
	return &subscriberRepository{src: src}
}

const subscriberCols = "subscriber_id, user_name, phone_number, email"

func (r *subscriberRepository) GetByID(ctx context.Context, id string) (*domain.Subscriber, error) {
	const query = `SELECT ` + subscriberCols + ` FROM subscriber WHERE subscriber_id = $1`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var s domain.Subscriber
	err = q.QueryRow(ctx, query, id).Scan(&s.ID, &s.Name, &s.Phone, &s.Email)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *subscriberRepository) ExistsByProfile(ctx context.Context, name, phone, email string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM subscriber WHERE user_name = $1 AND phone_number = $2 AND email = $3)`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	var exists bool
	err = q.QueryRow(ctx, query, name, phone, email).Scan(&exists)
	return exists, err
}

func (r *subscriberRepository) NextID(ctx context.Context) (string, error) {
	const query = `SELECT subscriber_id FROM subscriber WHERE subscriber_id LIKE 'SUB%'`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	rows, err := q.Query(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	max := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, "SUB"))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("SUB%d", max+1), nil
}

func (r *subscriberRepository) Insert(ctx context.Context, sub domain.Subscriber) error {
	const query = `INSERT INTO subscriber (` + subscriberCols + `) VALUES ($1, $2, $3, $4)`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = q.Exec(ctx, query, sub.ID, sub.Name, sub.Phone, sub.Email)
	return err
}

func (r *subscriberRepository) UpdateContact(ctx context.Context, id, phone, email string) (bool, error) {
	const query = `UPDATE subscriber SET phone_number = $1, email = $2 WHERE subscriber_id = $3`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	tag, err := q.Exec(ctx, query, phone, email, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *subscriberRepository) List(ctx context.Context) ([]domain.Subscriber, error) {
	const query = `SELECT ` + subscriberCols + ` FROM subscriber ORDER BY subscriber_id`

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

	var out []domain.Subscriber
	for rows.Next() {
		var s domain.Subscriber
		if err := rows.Scan(&s.ID, &s.Name, &s.Phone, &s.Email); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
