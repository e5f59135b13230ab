package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/binjie09/gemini-pastebin/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second

	sweepBatchSize     = 100
	sweepMaxIterations = 10000
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'text',
		filename TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		expires_at DATETIME,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	`
	_, err = s.db.Exec(query)
	return err
}

// Create persists a new record. A primary-key collision surfaces as
// domain.ErrIDConflict so the caller can regenerate the id and retry instead
// of overwriting.
func (s *SQLite) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, content, title, language, filename, file_path, mime_type, file_size, expires_at, password_hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Content, p.Title, p.Language, p.Filename, p.FilePath, p.MimeType, p.FileSize,
		nullTime(p.ExpiresAt), p.PasswordHash, p.CreatedAt, p.UpdatedAt,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return domain.ErrIDConflict
	}
	s.recordError(err)
	return errors.Wrap(err, "db create")
}

// Get returns the full record including password_hash and file_path; callers
// above this layer redact. Logically-expired rows are invisible here even
// before the sweep deletes them.
func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, content, title, language, filename, file_path, mime_type, file_size, expires_at, password_hash, created_at, updated_at
	FROM pastes WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)
	`
	var p domain.Paste
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(queryCtx, q, id, time.Now()).Scan(
		&p.ID, &p.Content, &p.Title, &p.Language, &p.Filename, &p.FilePath, &p.MimeType, &p.FileSize,
		&expiresAt, &p.PasswordHash, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	return &p, nil
}

// UpdateTitle mutates only the title and bumps updated_at. Title is the sole
// mutable field after creation; last writer wins.
func (s *SQLite) UpdateTitle(ctx context.Context, id, title string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastes SET title = ?, updated_at = ? WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`
	res, err := s.db.ExecContext(queryCtx, q, title, time.Now(), id, time.Now())
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db update title")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	return errors.Wrap(err, "delete paste")
}

// CleanupExpired removes all rows whose expires_at is in the past, in paced
// batches, and returns the count plus the backing file paths of file-origin
// rows so the caller can unlink them.
func (s *SQLite) CleanupExpired(ctx context.Context) (int, []string, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, nil, err
	}
	limiter := rate.NewLimiter(rate.Every(10*time.Millisecond), 1)
	totalDeleted := 0
	var files []string
	for i := 0; i < sweepMaxIterations; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return totalDeleted, files, err
		}
		ids, batchFiles, err := s.expiredBatch(ctx)
		if err != nil {
			return totalDeleted, files, errors.Wrap(err, "cleanup batch select failed")
		}
		if len(ids) == 0 {
			return totalDeleted, files, nil
		}
		deleted, err := s.deleteByIDs(ctx, ids)
		if err != nil {
			return totalDeleted, files, errors.Wrap(err, "cleanup batch delete failed")
		}
		totalDeleted += deleted
		files = append(files, batchFiles...)
	}
	return totalDeleted, files, errors.New("cleanup hit iteration limit, more records may exist")
}

func (s *SQLite) expiredBatch(ctx context.Context) ([]string, []string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT id, file_path FROM pastes
		WHERE expires_at IS NOT NULL AND expires_at < ?
		LIMIT ?
	`, time.Now(), sweepBatchSize)
	s.recordError(err)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var ids, files []string
	for rows.Next() {
		var id, filePath string
		if err := rows.Scan(&id, &filePath); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		if filePath != "" {
			files = append(files, filePath)
		}
	}
	return ids, files, rows.Err()
}

func (s *SQLite) deleteByIDs(ctx context.Context, ids []string) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id IN (`+placeholders+`)`, args...)
	s.recordError(err)
	if err != nil {
		return 0, err
	}
	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
