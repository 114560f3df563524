package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bpark/bparkd/pkg/logger"
)

var acquireFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "bpark",
	Name:      "pool_acquire_failures_total",
	Help:      "Database pool acquisitions that timed out or hit the cap.",
})

// ErrPoolExhausted is returned by Acquire when every connection is checked
// out, the hard cap is reached, and nothing frees up within the acquire
// timeout.
var ErrPoolExhausted = errors.New("database connection pool exhausted")

// Pool is a bounded pool of pgx connections. It opens a small number of
// connections eagerly and grows on demand up to a hard cap. Released
// connections are pinged before being recycled; dead ones are closed and
// their slot handed back.
type Pool struct {
	connCfg *pgx.ConnConfig

	conns chan *pgx.Conn

	mu   sync.Mutex
	open int

	max            int
	acquireTimeout time.Duration
	pingTimeout    time.Duration
}

type PoolOptions struct {
	Initial        int
	Max            int
	AcquireTimeout time.Duration
	PingTimeout    time.Duration
}

func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*Pool, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.Max <= 0 {
		opts.Max = 5
	}
	if opts.Initial < 0 || opts.Initial > opts.Max {
		opts.Initial = opts.Max
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}

	p := &Pool{
		connCfg:        cfg,
		conns:          make(chan *pgx.Conn, opts.Max),
		max:            opts.Max,
		acquireTimeout: opts.AcquireTimeout,
		pingTimeout:    opts.PingTimeout,
	}

	for i := 0; i < opts.Initial; i++ {
		conn, err := p.connect(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("initialize pool connection %d: %w", i+1, err)
		}
		p.mu.Lock()
		p.open++
		p.mu.Unlock()
		p.conns <- conn
	}

	logger.Info("database pool initialized", "initial", opts.Initial, "max", opts.Max)
	return p, nil
}

func (p *Pool) connect(ctx context.Context) (*pgx.Conn, error) {
	return pgx.ConnectConfig(ctx, p.connCfg)
}

// Acquire returns a connection from the pool. It waits up to the acquire
// timeout for a free connection; if none frees up and the pool is below its
// cap, a new connection is opened. At cap it fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*pgx.Conn, error) {
	select {
	case conn := <-p.conns:
		return p.validated(ctx, conn)
	default:
	}

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-p.conns:
		return p.validated(ctx, conn)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	p.mu.Lock()
	if p.open >= p.max {
		p.mu.Unlock()
		acquireFailures.Inc()
		return nil, ErrPoolExhausted
	}
	p.open++
	p.mu.Unlock()

	conn, err := p.connect(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, fmt.Errorf("grow pool: %w", err)
	}
	logger.Debug("pool grew past idle set", "open", p.OpenCount())
	return conn, nil
}

// validated pings a pooled connection before handing it out. A dead
// connection is replaced rather than returned.
func (p *Pool) validated(ctx context.Context, conn *pgx.Conn) (*pgx.Conn, error) {
	pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	err := conn.Ping(pingCtx)
	cancel()
	if err == nil {
		return conn, nil
	}

	logger.Warn("discarding dead pooled connection", "err", err)
	_ = conn.Close(context.Background())

	replacement, err := p.connect(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, fmt.Errorf("replace dead connection: %w", err)
	}
	return replacement, nil
}

// Release validates the connection and returns it to the pool. Invalid
// connections are closed and their slot freed for future growth.
func (p *Pool) Release(conn *pgx.Conn) {
	if conn == nil {
		return
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), p.pingTimeout)
	err := conn.Ping(pingCtx)
	cancel()

	if err == nil {
		select {
		case p.conns <- conn:
			return
		default:
		}
	}

	_ = conn.Close(context.Background())
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}

// Background opens a standalone connection outside the pool. The scheduler
// holds one of these for its periodic work so it never competes with client
// requests for pooled connections.
func (p *Pool) Background(ctx context.Context) (*pgx.Conn, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("open background connection: %w", err)
	}
	return conn, nil
}

func (p *Pool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *Pool) IdleCount() int {
	return len(p.conns)
}

func (p *Pool) MaxSize() int {
	return p.max
}

func (p *Pool) Close() {
	for {
		select {
		case conn := <-p.conns:
			_ = conn.Close(context.Background())
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
		default:
			return
		}
	}
}
