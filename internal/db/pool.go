// Package db owns the process-wide database connection pool and the
// query/transaction executor built on top of it.
//
// A Pool caps concurrent leases with a buffered-channel semaphore sized to
// Config.Max. Callers past capacity wait up to Config.ConnectionTimeout and
// then get ErrPoolTimeout. database/sql still does the actual connection
// management; the semaphore exists so waiting is bounded, counted and
// cancellable.
//
// With Min > 0 a keeper goroutine tops the open connection count back up to
// Min after database/sql evicts idle connections past IdleTimeout.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vauntico/vaultgate/internal/storage"
)

const (
	DefaultMax               = 10
	DefaultMin               = 1
	DefaultIdleTimeout       = 30 * time.Second
	DefaultConnectionTimeout = 60 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
)

// Config bounds the pool.
type Config struct {
	URL string
	Max int
	// Min connections are opened at startup. Zero skips warming.
	Min               int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
	// SSL is the postgres sslmode (disable, require, verify-full, ...).
	SSL             string
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// PoolStats is a point-in-time snapshot.
type PoolStats struct {
	TotalCount      int   `json:"total_count"`
	IdleCount       int   `json:"idle_count"`
	WaitingCount    int   `json:"waiting_count"`
	InUseCount      int   `json:"in_use_count"`
	MaxCount        int   `json:"max_count"`
	AcquireTimeouts int64 `json:"acquire_timeouts"`
}

// Pool is a bounded set of database connections handed out as Leases.
type Pool struct {
	db      *sql.DB
	dialect storage.Dialect
	cfg     Config
	logger  *slog.Logger

	sem        chan struct{}
	closing    chan struct{}
	leases     sync.WaitGroup
	stopKeeper context.CancelFunc
	keeperDone chan struct{}

	mu      sync.Mutex
	closed  bool
	waiting int
	leased  int

	timeouts atomic.Int64
}

// Open connects to cfg.URL, applies the bounds and warms Min connections.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	target, err := storage.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	var sqlDB *sql.DB
	switch target.Dialect {
	case storage.Postgres:
		dsn, err := storage.WithSSLMode(target.DSN, cfg.SSL)
		if err != nil {
			return nil, err
		}
		sqlDB, err = sql.Open(target.Dialect.DriverName(), dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		sqlDB, err = storage.OpenSQLite(ctx, target.DSN)
		if err != nil {
			return nil, err
		}
	}

	sqlDB.SetMaxOpenConns(cfg.Max)
	sqlDB.SetMaxIdleConns(cfg.Max)
	sqlDB.SetConnMaxIdleTime(cfg.IdleTimeout)

	p := &Pool{
		db:      sqlDB,
		dialect: target.Dialect,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "db_pool")),
		sem:     make(chan struct{}, cfg.Max),
		closing: make(chan struct{}),
	}

	if err := p.warm(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if cfg.Min > 0 {
		kctx, cancel := context.WithCancel(context.Background())
		p.stopKeeper = cancel
		p.keeperDone = make(chan struct{})
		go p.keepMin(kctx)
	}

	p.logger.Info("database pool ready",
		"dialect", string(target.Dialect),
		"url", storage.Redact(cfg.URL),
		"max", cfg.Max,
		"min", cfg.Min,
		"idle_timeout", cfg.IdleTimeout.String(),
		"connection_timeout", cfg.ConnectionTimeout.String(),
	)
	return p, nil
}

// warm opens Min connections before the pool is handed out.
func (p *Pool) warm(ctx context.Context) error {
	if p.cfg.Min == 0 {
		return p.Ping(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()
	return p.openIdle(wctx, p.cfg.Min)
}

// openIdle opens n connections at once and parks them in the idle set.
func (p *Pool) openIdle(ctx context.Context, n int) error {
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		c, err := p.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("warm connection %d: %w", i+1, err)
		}
		if err := c.PingContext(ctx); err != nil {
			_ = c.Close()
			return fmt.Errorf("ping connection %d: %w", i+1, err)
		}
		conns = append(conns, c)
	}
	return nil
}

// keepMin reopens connections evicted by the idle timeout so that at least
// Min stay open. It checks twice per IdleTimeout.
func (p *Pool) keepMin(ctx context.Context) {
	defer close(p.keeperDone)

	interval := p.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.topUp(ctx)
		}
	}
}

// topUp opens the connections missing below Min. It only uses free lease
// slots so it never pushes a caller into the wait path for long.
func (p *Pool) topUp(ctx context.Context) {
	missing := p.cfg.Min - p.db.Stats().OpenConnections
	taken := 0
slots:
	for taken < missing {
		select {
		case p.sem <- struct{}{}:
			taken++
		default:
			break slots
		}
	}
	if taken == 0 {
		return
	}
	defer func() {
		for i := 0; i < taken; i++ {
			<-p.sem
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()
	if err := p.openIdle(cctx, taken); err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("reopening idle connections", "missing", missing, "error", err)
		}
		return
	}
	p.logger.Debug("reopened idle connections", "count", taken)
}

// Dialect reports the SQL flavour behind the pool.
func (p *Pool) Dialect() storage.Dialect { return p.dialect }

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Acquire leases a connection. Waiting for a free slot and opening the
// connection share one ConnectionTimeout budget.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	deadline := time.Now().Add(p.cfg.ConnectionTimeout)

	select {
	case p.sem <- struct{}{}:
	default:
		if err := p.wait(ctx, deadline); err != nil {
			return nil, err
		}
	}

	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := p.db.Conn(cctx)
	if err != nil {
		<-p.sem
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			p.timedOut()
			return nil, ErrPoolTimeout
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		<-p.sem
		return nil, ErrPoolClosed
	}
	p.leased++
	p.leases.Add(1)
	p.mu.Unlock()

	return &Lease{conn: conn, pool: p}, nil
}

func (p *Pool) wait(ctx context.Context, deadline time.Time) error {
	p.mu.Lock()
	p.waiting++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
		return nil
	case <-timer.C:
		p.timedOut()
		return ErrPoolTimeout
	case <-p.closing:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) timedOut() {
	p.timeouts.Add(1)
	p.logger.Warn("connection acquire timed out",
		"timeout", p.cfg.ConnectionTimeout.String(),
		"max", p.cfg.Max,
	)
}

func (p *Pool) release(l *Lease) {
	if err := l.conn.Close(); err != nil {
		p.logger.Debug("returning connection", "error", err)
	}
	p.mu.Lock()
	p.leased--
	p.mu.Unlock()
	<-p.sem
	p.leases.Done()
}

// WithConn runs fn on a leased connection and always releases it.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Conn())
}

// Ping checks connectivity through the pool.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	s := p.db.Stats()
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		TotalCount:      s.OpenConnections,
		IdleCount:       s.Idle,
		WaitingCount:    p.waiting,
		InUseCount:      p.leased,
		MaxCount:        p.cfg.Max,
		AcquireTimeouts: p.timeouts.Load(),
	}
}

// Shutdown rejects new acquisitions, waits for outstanding leases until ctx
// ends or ShutdownTimeout elapses, then closes every connection.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	if p.stopKeeper != nil {
		p.stopKeeper()
		<-p.keeperDone
	}

	drained := make(chan struct{})
	go func() {
		p.leases.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()

	var drainErr error
	select {
	case <-drained:
	case <-timer.C:
		drainErr = fmt.Errorf("shutdown: %d connection(s) still leased after %s", p.Stats().InUseCount, p.cfg.ShutdownTimeout)
	case <-ctx.Done():
		drainErr = fmt.Errorf("shutdown: %d connection(s) still leased: %w", p.Stats().InUseCount, ctx.Err())
	}
	if drainErr != nil {
		p.logger.Warn("forcing pool close", "error", drainErr)
	}

	if err := p.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	p.logger.Info("database pool closed")
	return drainErr
}

// Lease is a borrowed connection. Release is safe to call more than once.
type Lease struct {
	conn *sql.Conn
	pool *Pool
	once sync.Once
}

// Conn exposes the underlying connection. It must not be used after Release.
func (l *Lease) Conn() *sql.Conn { return l.conn }

// Release returns the connection to the pool.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l) })
}
