package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore keeps counters in a SQLite database so they survive restarts
// of a single-instance deployment.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	getStmt   *sql.Stmt
	incrStmt  *sql.Stmt
	sweepStmt *sql.Stmt

	closeOnce sync.Once
	done      chan struct{}
}

// NewSQLiteStore opens (or creates) the counter database at path. Use
// ":memory:" for a throwaway database.
func NewSQLiteStore(path string, cleanupInterval time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("ratelimit: sqlite path cannot be empty")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: open sqlite: %w", err)
	}
	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, now: time.Now, done: make(chan struct{})}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	go s.cleanupLoop(cleanupInterval)
	return s, nil
}

func (s *SQLiteStore) init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS rate_counters (
		key TEXT PRIMARY KEY,
		count INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_counters_expires ON rate_counters(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ratelimit: init schema: %w", err)
	}

	var err error
	s.getStmt, err = s.db.Prepare(`SELECT count, expires_at FROM rate_counters WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`)
	if err != nil {
		return fmt.Errorf("ratelimit: prepare get: %w", err)
	}
	s.incrStmt, err = s.db.Prepare(`
	INSERT INTO rate_counters (key, count, expires_at) VALUES (?1, 1, ?2)
	ON CONFLICT(key) DO UPDATE SET
		count = CASE WHEN rate_counters.expires_at <> 0 AND rate_counters.expires_at <= ?3 THEN 1 ELSE rate_counters.count + 1 END,
		expires_at = CASE WHEN rate_counters.expires_at <> 0 AND rate_counters.expires_at <= ?3 THEN excluded.expires_at ELSE rate_counters.expires_at END
	RETURNING count`)
	if err != nil {
		return fmt.Errorf("ratelimit: prepare increment: %w", err)
	}
	s.sweepStmt, err = s.db.Prepare(`DELETE FROM rate_counters WHERE expires_at <> 0 AND expires_at <= ?`)
	if err != nil {
		return fmt.Errorf("ratelimit: prepare sweep: %w", err)
	}
	return nil
}

// Get returns the live counter for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Counter, error) {
	var count, expiresAt int64
	err := s.getStmt.QueryRowContext(ctx, key, s.now().UnixMilli()).Scan(&count, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Counter{}, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}
	c := Counter{Count: count}
	if expiresAt != 0 {
		c.ExpiresAt = time.UnixMilli(expiresAt)
	}
	return c, nil
}

// Increment adds one to key, restarting expired counters at one. A ttl <= 0
// never expires.
func (s *SQLiteStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}
	var count int64
	err := s.incrStmt.QueryRowContext(ctx, key, expiresAt, now.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}
	return count, nil
}

// Sweep deletes expired counters and returns how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.sweepStmt.ExecContext(ctx, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("ratelimit: sweep: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.Sweep(context.Background())
		case <-s.done:
			return
		}
	}
}

// Close stops the sweeper and closes the database. Close is idempotent.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		for _, st := range []*sql.Stmt{s.getStmt, s.incrStmt, s.sweepStmt} {
			if st != nil {
				st.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}
