package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bpark/bparkd/internal/database"
)

// Querier is the subset of pgx.Conn the repositories use.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Source hands a repository a connection for the duration of one call.
// The release func must be called when the call is done.
type Source interface {
	Acquire(ctx context.Context) (Querier, func(), error)
}

// PoolSource checks connections out of the bounded pool per call. This is
// the source behind all client-facing repositories.
type PoolSource struct {
	Pool *database.Pool
}

func (s PoolSource) Acquire(ctx context.Context) (Querier, func(), error) {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { s.Pool.Release(conn) }, nil
}

// ConnSource serializes all calls onto a single dedicated connection. The
// background scheduler uses one so its periodic work never starves on pool
// exhaustion.
type ConnSource struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

func NewConnSource(conn *pgx.Conn) *ConnSource {
	return &ConnSource{conn: conn}
}

func (s *ConnSource) Acquire(ctx context.Context) (Querier, func(), error) {
	s.mu.Lock()
	return s.conn, s.mu.Unlock, nil
}
