// Package dbpool manages the three logical connection pools: a write pool,
// one-or-more sandboxed read pools, and zero-or-more read replicas, each a
// *sql.DB opened with lib/pq.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/pka/hecate/internal/config"
	"github.com/pka/hecate/internal/errs"
)

// Manager holds the three logical pools and dispatches round-robin across
// multiple instances of the sandbox/replica pools.
type Manager struct {
	write          *sql.DB
	sandboxes      []*sql.DB
	replicas       []*sql.DB
	sandboxCursor  uint64
	replicaCursor  uint64
	acquireTimeout time.Duration
}

// Open opens every configured DSN as its own *sql.DB and pings it before
// accepting it into the pool set.
func Open(cfg *config.Config) (*Manager, error) {
	writeDSN, err := config.ParseDSN(cfg.Database)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "invalid --database", err)
	}
	write, err := openOne(writeDSN)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		write:          write,
		acquireTimeout: time.Duration(cfg.PoolAcquireTimeoutSeconds) * time.Second,
	}

	for _, raw := range cfg.DatabaseSandbox {
		dsn, err := config.ParseDSN(raw)
		if err != nil {
			m.Close()
			return nil, errs.Wrap(errs.Internal, "invalid --database_sandbox", err)
		}
		db, err := openOne(dsn)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.sandboxes = append(m.sandboxes, db)
	}

	for _, raw := range cfg.DatabaseReplica {
		dsn, err := config.ParseDSN(raw)
		if err != nil {
			m.Close()
			return nil, errs.Wrap(errs.Internal, "invalid --database_replica", err)
		}
		db, err := openOne(dsn)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.replicas = append(m.replicas, db)
	}

	return m, nil
}

// New builds a Manager directly from already-open pools, for callers (and
// tests) that construct their *sql.DB handles some other way than Open's
// DSN parsing.
func New(write *sql.DB, sandboxes, replicas []*sql.DB) *Manager {
	return &Manager{write: write, sandboxes: sandboxes, replicas: replicas, acquireTimeout: 10 * time.Second}
}

func openOne(dsn config.DSN) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn.PGConnString())
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to open database", err)
	}
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(30)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Internal, "failed to ping database", err)
	}
	return db, nil
}

// Write returns the write pool.
func (m *Manager) Write() *sql.DB { return m.write }

// Sandbox returns the next sandbox pool in round-robin order.
func (m *Manager) Sandbox() *sql.DB {
	n := uint64(len(m.sandboxes))
	if n == 0 {
		return m.write
	}
	i := atomic.AddUint64(&m.sandboxCursor, 1) - 1
	return m.sandboxes[i%n]
}

// Replica returns the next replica pool in round-robin order, falling back
// to the write pool when no replica is configured.
func (m *Manager) Replica() *sql.DB {
	n := uint64(len(m.replicas))
	if n == 0 {
		return m.write
	}
	i := atomic.AddUint64(&m.replicaCursor, 1) - 1
	return m.replicas[i%n]
}

// AcquireWrite blocks until a write-pool connection is available or the
// configured acquire timeout elapses.
func (m *Manager) AcquireWrite(ctx context.Context) (*sql.Conn, error) {
	return m.acquire(ctx, m.write)
}

// AcquireReplica blocks until a connection from the next round-robin replica
// (or the write pool, as fallback) is available or the timeout elapses.
func (m *Manager) AcquireReplica(ctx context.Context) (*sql.Conn, error) {
	return m.acquire(ctx, m.Replica())
}

// AcquireSandbox blocks until a connection from the next round-robin sandbox
// pool is available or the timeout elapses.
func (m *Manager) AcquireSandbox(ctx context.Context) (*sql.Conn, error) {
	return m.acquire(ctx, m.Sandbox())
}

func (m *Manager) acquire(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "timed out acquiring a pool connection", err)
	}
	return conn, nil
}

// Close closes every pool and returns the first error any of them reported;
// later errors are dropped.
func (m *Manager) Close() error {
	var firstErr error
	closeAll := func(dbs ...*sql.DB) {
		for _, db := range dbs {
			if db == nil {
				continue
			}
			if err := db.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing pool: %w", err)
			}
		}
	}
	closeAll(m.write)
	closeAll(m.sandboxes...)
	closeAll(m.replicas...)
	return firstErr
}
