package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/bpark/bparkd/internal/domain"
)

type WorkerRepository interface {
	// GetByIDType returns the worker only when both the id and the
	// numeric type match.
	GetByIDType(ctx context.Context, id string, workerType int) (*domain.Worker, error)
}

type workerRepository struct {
	src Source
}

func NewWorkerRepository(src Source) WorkerRepository {
	return &workerRepository{src: src}
}

func (r *workerRepository) GetByIDType(ctx context.Context, id string, workerType int) (*domain.Worker, error) {
	const query = `SELECT worker_id, type, name FROM worker WHERE worker_id = $1 AND type = $2`

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	q, release, err := r.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		w        domain.Worker
		typeFlag int
	)
	err = q.QueryRow(ctx, query, id, workerType).Scan(&w.ID, &typeFlag, &w.Name)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if typeFlag == 1 {
		w.Role = domain.RoleManager
	} else {
		w.Role = domain.RoleUsher
	}
	return &w, nil
}
