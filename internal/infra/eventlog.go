package infra

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/defkeep/defkeep/internal/domain"
	"github.com/defkeep/defkeep/internal/infra/migrations"
)

const eventLogDBName = "events.db"

// SQLiteEventLog is the append-only engine event log. Writes are
// fire-and-forget: a persistence failure is logged and swallowed,
// never surfaced to the engine.
type SQLiteEventLog struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteEventLog opens (or creates) the event log database under
// the data directory and migrates it to the current schema.
func NewSQLiteEventLog(dataDir string, logger *zap.Logger) (*SQLiteEventLog, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, eventLogDBName)
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to event log: %w", err)
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteEventLog{db: db, logger: logger}, nil
}

// Record appends one entry. Must not block or fail the validation
// pass; errors go to local diagnostics only.
func (l *SQLiteEventLog) Record(entry domain.LogEntry) {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := l.db.Exec(`
		INSERT INTO events
		(kind, type_identifier, type_name, from_bundle_id, from_name, to_bundle_id, to_name, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Kind), entry.TypeIdentifier, entry.TypeName,
		entry.FromBundleID, entry.FromName,
		entry.ToBundleID, entry.ToName,
		entry.Detail, createdAt)
	if err != nil {
		l.logger.Warn("failed to persist event log entry",
			zap.String("kind", string(entry.Kind)),
			zap.String("identifier", entry.TypeIdentifier),
			zap.Error(err))
	}
}

// Query lists entries newest first, honoring the filter.
func (l *SQLiteEventLog) Query(q domain.EventQuery) ([]domain.LogEntry, error) {
	var conditions []string
	var args []any

	if len(q.Kinds) > 0 {
		placeholders := make([]string, len(q.Kinds))
		for i, kind := range q.Kinds {
			placeholders[i] = "?"
			args = append(args, string(kind))
		}
		conditions = append(conditions, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if q.TypeIdentifier != "" {
		conditions = append(conditions, "type_identifier = ?")
		args = append(args, q.TypeIdentifier)
	}
	if q.Search != "" {
		conditions = append(conditions,
			"(type_name LIKE ? OR from_name LIKE ? OR to_name LIKE ? OR from_bundle_id LIKE ? OR to_bundle_id LIKE ?)")
		pattern := "%" + q.Search + "%"
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	query := `SELECT id, kind, type_identifier, type_name, from_bundle_id, from_name,
		to_bundle_id, to_name, detail, created_at FROM events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("event log query failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		var kind string
		if err := rows.Scan(&entry.ID, &kind, &entry.TypeIdentifier, &entry.TypeName,
			&entry.FromBundleID, &entry.FromName,
			&entry.ToBundleID, &entry.ToName,
			&entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Kind = domain.EventKind(kind)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the retention window and returns
// how many were removed.
func (l *SQLiteEventLog) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := l.db.Exec("DELETE FROM events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("event log prune failed: %w", err)
	}
	return result.RowsAffected()
}

// Close releases the database connection.
func (l *SQLiteEventLog) Close() error {
	return l.db.Close()
}

// Ensure SQLiteEventLog implements the log contracts.
var (
	_ domain.EventLog       = (*SQLiteEventLog)(nil)
	_ domain.EventLogReader = (*SQLiteEventLog)(nil)
)
