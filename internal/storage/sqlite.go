package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/pkg/utils"
)

const (
	metaDimension = "dimension"
	maxWriteTries = 5
)

// SQLiteStore implements VectorStore and LearningStore on a single SQLite file in WAL mode.
// Writers are serialized by writeMu; readers go straight to the pool and see WAL snapshots.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	dimension int
	writeMu   sync.Mutex
	logger    *zap.Logger
	busyWait  time.Duration
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		s.logger = l
	}
}

// WithBusyTimeout bounds how long a statement waits on a locked database before
// reporting SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		s.busyWait = d
	}
}

// Open opens or creates the database at dbPath. The vector dimension is fixed the first time a
// store is created; dimension 0 adopts the stored value of an existing database.
// Parent directories are created if they do not exist.
func Open(dbPath string, dimension int, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{path: dbPath, logger: zap.NewNop(), busyWait: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on&_busy_timeout=%d",
		dbPath, s.busyWait.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.fixDimension(dimension); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("store opened", zap.String("path", dbPath), zap.Int("dimension", s.dimension))
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vectors (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		embedding BLOB NOT NULL,
		norm REAL NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		session_type TEXT,
		status TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		policy_ref TEXT,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS experiences (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		task_type TEXT,
		tool_name TEXT,
		action TEXT NOT NULL,
		reward REAL NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_experiences_session ON experiences(session_id, created_at);

	CREATE TABLE IF NOT EXISTS policies (
		ref TEXT PRIMARY KEY,
		session_id TEXT,
		algorithm TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quantizers (
		name TEXT PRIMARY KEY,
		state BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) fixDimension(dimension int) error {
	stored, err := s.Meta(context.Background(), metaDimension)
	if err != nil && !errors.Is(err, dberr.ErrNotFound) {
		return err
	}
	if stored == "" {
		if dimension <= 0 {
			return dberr.Errorf(dberr.KindInvalidArgument, "store.open", "dimension must be positive for a new store")
		}
		s.dimension = dimension
		return s.SetMeta(context.Background(), metaDimension, strconv.Itoa(dimension))
	}
	have, err := strconv.Atoi(stored)
	if err != nil {
		return dberr.Errorf(dberr.KindStorage, "store.open", "bad stored dimension %q", stored)
	}
	if dimension > 0 && dimension != have {
		return dberr.Dimension("store.open", have, dimension)
	}
	s.dimension = have
	return nil
}

// Dimension returns the fixed embedding dimension of the store.
func (s *SQLiteStore) Dimension() int {
	return s.dimension
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Meta returns the value stored under key, or ErrNotFound.
func (s *SQLiteStore) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", dberr.Errorf(dberr.KindNotFound, "store.meta", "key %s", key)
	}
	if err != nil {
		return "", s.classify("store.meta", err)
	}
	return v, nil
}

// SetMeta upserts a meta value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	return s.write(ctx, "store.set_meta", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// Insert stores embedding under a fresh id and returns it.
func (s *SQLiteStore) Insert(ctx context.Context, embedding []float32, metadata map[string]any) (string, error) {
	rec := &models.VectorRecord{
		ID:        uuid.New().String(),
		Embedding: embedding,
		Metadata:  metadata,
	}
	if err := s.InsertWithID(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// InsertWithID stores rec under rec.ID. Norm and CreatedAt are filled in when zero.
// An existing id fails with ErrDuplicateID.
func (s *SQLiteStore) InsertWithID(ctx context.Context, rec *models.VectorRecord) error {
	const op = "store.insert"
	if rec.ID == "" {
		return dberr.Errorf(dberr.KindInvalidArgument, op, "id cannot be empty")
	}
	if len(rec.Embedding) != s.dimension {
		return dberr.Dimension(op, s.dimension, len(rec.Embedding))
	}
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return dberr.Errorf(dberr.KindInvalidArgument, op, "failed to marshal metadata: %w", err)
	}
	if rec.Norm == 0 {
		rec.Norm = utils.L2Norm(rec.Embedding)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vectors (id, embedding, norm, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
			rec.ID, utils.Float32sToBytes(rec.Embedding), rec.Norm, string(metadataJSON), rec.CreatedAt,
		)
		if isConstraint(err) {
			return dberr.Errorf(dberr.KindDuplicateID, op, "vector %s already exists", rec.ID)
		}
		return err
	})
}

// Get returns the vector stored under id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.VectorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, embedding, norm, metadata, created_at FROM vectors WHERE id = ?`, id)
	rec, err := scanVector(row)
	if err == sql.ErrNoRows {
		return nil, dberr.Errorf(dberr.KindNotFound, "store.get", "vector %s", id)
	}
	if err != nil {
		return nil, s.classify("store.get", err)
	}
	return rec, nil
}

// Update replaces the metadata of the vector stored under id.
func (s *SQLiteStore) Update(ctx context.Context, id string, metadata map[string]any) error {
	const op = "store.update"
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return dberr.Errorf(dberr.KindInvalidArgument, op, "failed to marshal metadata: %w", err)
	}
	return s.write(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE vectors SET metadata = ? WHERE id = ?`, string(metadataJSON), id)
		if err != nil {
			return err
		}
		return requireRow(res, op, "vector", id)
	})
}

// Delete removes the vector stored under id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	const op = "store.delete"
	return s.write(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireRow(res, op, "vector", id)
	})
}

// Clear deletes every stored vector and returns how many were removed. Sessions, experiences,
// policies and quantizer state are kept.
func (s *SQLiteStore) Clear(ctx context.Context) (int64, error) {
	var n int64
	err := s.write(ctx, "store.clear", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM vectors`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Scan yields every stored vector accepted by pred (nil accepts all) in insertion order.
// Iteration stops at the first error, which is yielded with a nil record.
func (s *SQLiteStore) Scan(ctx context.Context, pred func(*models.VectorRecord) bool) iter.Seq2[*models.VectorRecord, error] {
	return func(yield func(*models.VectorRecord, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, embedding, norm, metadata, created_at FROM vectors ORDER BY seq`)
		if err != nil {
			yield(nil, s.classify("store.scan", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanVector(rows)
			if err != nil {
				yield(nil, s.classify("store.scan", err))
				return
			}
			if pred != nil && !pred(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, s.classify("store.scan", err))
		}
	}
}

// Count returns the number of stored vectors.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n); err != nil {
		return 0, s.classify("store.count", err)
	}
	return n, nil
}

// DiskUsage returns the size of the database file and its WAL side files.
func (s *SQLiteStore) DiskUsage() (int64, error) {
	return DiskUsageBytes(s.Files()...)
}

// Files lists the database file and its WAL side files.
func (s *SQLiteStore) Files() []string {
	return []string{s.path, s.path + "-wal", s.path + "-shm"}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVector(row rowScanner) (*models.VectorRecord, error) {
	var rec models.VectorRecord
	var blob []byte
	var metadataJSON sql.NullString
	if err := row.Scan(&rec.ID, &blob, &rec.Norm, &metadataJSON, &rec.CreatedAt); err != nil {
		return nil, err
	}
	emb, err := utils.BytesToFloat32s(blob)
	if err != nil {
		return nil, fmt.Errorf("vector %s: %w", rec.ID, err)
	}
	rec.Embedding = emb
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

// write runs fn in a transaction under the writer lock. SQLITE_BUSY and SQLITE_LOCKED are
// retried with exponential backoff; any other failure is returned on the first attempt.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.inTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if isBusy(err) {
			s.logger.Debug("database busy, retrying", zap.String("op", op), zap.Int("attempt", attempt))
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxWriteTries))
	if err == nil {
		return nil
	}
	return s.classify(op, err)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// classify wraps a raw driver error into the dberr taxonomy, keeping already classified errors.
func (s *SQLiteStore) classify(op string, err error) error {
	var de *dberr.Error
	if errors.As(err, &de) {
		return err
	}
	if isBusy(err) {
		return dberr.Transient(op, err)
	}
	return dberr.E(dberr.KindStorage, op, err)
}

func requireRow(res sql.Result, op, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dberr.Errorf(dberr.KindNotFound, op, "%s %s", what, id)
	}
	return nil
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

var (
	_ VectorStore   = (*SQLiteStore)(nil)
	_ LearningStore = (*SQLiteStore)(nil)
)
