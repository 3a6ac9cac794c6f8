// Package sqlite implements the reco storage backend on an embedded SQLite
// database (modernc.org/sqlite, no cgo). Rows live in SQLite; similarity
// queries are served by in-process HNSW indices that are rebuilt from the
// database on open and kept in step with every mutation.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	sqlitedrv "modernc.org/sqlite"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/internal/vectorindex"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements storage.Backend using SQLite.
type Store struct {
	db     *sql.DB
	opts   storage.Options
	logger zerolog.Logger
	now    func() time.Time

	entities *vectorindex.Index
	profiles *vectorindex.Index

	// mutateMu orders committed writes and their index updates so the index
	// never ends up holding an older vector than the table.
	mutateMu sync.Mutex
}

var _ storage.Backend = (*Store)(nil)

// New opens (or creates) the database at dsn, applies migrations and loads
// the similarity indices. If the initial open fails due to stale WAL files
// left behind by a crashed process, it verifies no other process holds them
// and retries once after removing the stale -shm/-wal files.
func New(ctx context.Context, dsn string, opts storage.Options) (*Store, error) {
	opts.Normalize()
	logger := opts.Logger.With().Str("component", "sqlite").Logger()

	store, err := open(ctx, dsn, opts, logger)
	if err == nil {
		return store, nil
	}
	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}
	removeStaleWAL(dbPath, logger)

	store, retryErr := open(ctx, dsn, opts, logger)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	logger.Warn().Str("path", dbPath).Msg("recovered from stale WAL files")
	return store, nil
}

func open(ctx context.Context, dsn string, opts storage.Options, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises writes and keeps :memory: databases on one handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	mgr, err := storage.NewMigrationManager(db, migrationFiles, "migrations", storage.PlaceholderQuestion)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	if _, err := mgr.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	s := &Store{
		db:       db,
		opts:     opts,
		logger:   logger,
		now:      opts.Clock,
		entities: vectorindex.New(string(storage.TableEntities), opts.Dimension, opts.Index),
		profiles: vectorindex.New(string(storage.TableProfiles), opts.Dimension, opts.Index),
	}

	if err := s.loadIndices(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for tests and maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// loadIndices rebuilds every tenant graph from the stored vectors.
func (s *Store) loadIndices(ctx context.Context) error {
	for _, table := range []storage.IndexTable{storage.TableEntities, storage.TableProfiles} {
		tenants, err := s.vectorTenants(ctx, table)
		if err != nil {
			return err
		}
		for _, tenant := range tenants {
			if _, err := s.RebuildIndex(ctx, table, tenant); err != nil {
				return fmt.Errorf("sqlite: failed to load %s index for %s: %w", table, tenant, err)
			}
		}
	}
	return nil
}

func (s *Store) vectorTenants(ctx context.Context, table storage.IndexTable) ([]string, error) {
	query := `SELECT DISTINCT tenant_id FROM entities WHERE feature_vector IS NOT NULL`
	if table == storage.TableProfiles {
		query = `SELECT DISTINCT tenant_id FROM user_profiles`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: list vector tenants", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, storage.WrapBackendError("sqlite: scan tenant", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *Store) index(table storage.IndexTable) (*vectorindex.Index, error) {
	switch table {
	case storage.TableEntities:
		return s.entities, nil
	case storage.TableProfiles:
		return s.profiles, nil
	default:
		return nil, fmt.Errorf("%w: unknown index table %q", storage.ErrInvalidInput, table)
	}
}

// mapIndexError converts index validation errors into the storage taxonomy.
func mapIndexError(err error) error {
	if errors.Is(err, vectorindex.ErrDimensionMismatch) || errors.Is(err, vectorindex.ErrInvalidVector) {
		return fmt.Errorf("%w: %v", storage.ErrInvalidVector, err)
	}
	return err
}

// isConstraintViolation reports a UNIQUE or PRIMARY KEY failure.
func isConstraintViolation(err error) bool {
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == 19 // SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func marshalMap(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: attributes: %v", storage.ErrInvalidInput, err)
	}
	return string(b), nil
}

func unmarshalMap(raw string) (map[string]interface{}, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return m, nil
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths ("/path/to/reco.db") and file: URIs ("file:/path/to/reco.db?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused by
// stale WAL files left behind after a crash.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// and no other process currently holds them open (via lsof).
// Returns false if lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when no process has the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string, logger zerolog.Logger) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to remove stale WAL file")
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
