package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"greencoins/map-go/internal/sqlcgen"
)

var ErrNotConfigured = errors.New("database not configured")

type Pool struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string) (*Pool, error) {
	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Verify connectivity early.
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}

	return &Pool{pool: p}, nil
}

func (p *Pool) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

func (p *Pool) Queries() *sqlcgen.Queries {
	if p == nil || p.pool == nil {
		return nil
	}
	return sqlcgen.New(p.pool)
}

// Listener is a connection dedicated to LISTEN on one channel.
type Listener struct {
	conn *pgxpool.Conn
}

// Listen acquires a pooled connection and issues LISTEN on channel. The caller
// must Close the listener to return the connection.
func (p *Pool) Listen(ctx context.Context, channel string) (*Listener, error) {
	if p == nil || p.pool == nil {
		return nil, ErrNotConfigured
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}
	return &Listener{conn: conn}, nil
}

// Wait blocks until a notification arrives or ctx is done.
func (l *Listener) Wait(ctx context.Context) (*pgconn.Notification, error) {
	return l.conn.Conn().WaitForNotification(ctx)
}

// Close drops the connection instead of releasing it, so the LISTEN
// registration never leaks back into the pool.
func (l *Listener) Close() {
	if l == nil || l.conn == nil {
		return
	}
	c := l.conn.Hijack()
	l.conn = nil
	_ = c.Close(context.Background())
}
