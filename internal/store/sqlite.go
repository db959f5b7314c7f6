package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sqliteTimeLayout is the stored text form. Fixed width and UTC, so
// lexical comparison in SQL matches time order.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database, sets file permissions, and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := os.Chmod(dsn, 0600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, fmt.Errorf("setting file permissions: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func (s *SQLiteStore) SaveObservation(ctx context.Context, obs *Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (timestamp, safe) VALUES (?, ?)
		ON CONFLICT(timestamp) DO UPDATE SET safe=excluded.safe`,
		sqliteTime(obs.Timestamp), obs.Safe)
	if err != nil {
		return fmt.Errorf("saving observation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveObservations(ctx context.Context, obs []Observation) error {
	for i := 0; i < len(obs); i += batchSize {
		end := min(i+batchSize, len(obs))
		if err := s.saveBatch(ctx, obs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) saveBatch(ctx context.Context, obs []Observation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (timestamp, safe) VALUES (?, ?)
		ON CONFLICT(timestamp) DO UPDATE SET safe=excluded.safe`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx, sqliteTime(o.Timestamp), o.Safe); err != nil {
			return fmt.Errorf("inserting observation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SumSafeByHour(ctx context.Context, start, end time.Time) ([]HourlySum, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(timestamp, 1, 13) AS hour, COALESCE(SUM(safe), 0)
		FROM observations
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY hour
		ORDER BY hour`, sqliteTime(start), sqliteTime(end))
	if err != nil {
		return nil, fmt.Errorf("summing safe minutes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanHourlySums(rows)
}

func (s *SQLiteStore) LatestObservation(ctx context.Context, from, cutoff time.Time) (*Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, safe
		FROM observations
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1`, sqliteTime(from), sqliteTime(cutoff))

	obs, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest observation: %w", err)
	}
	return obs, nil
}

func (s *SQLiteStore) GetDataRange(ctx context.Context) (oldest, newest time.Time, err error) {
	var oldestRaw, newestRaw *string
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp), MAX(timestamp)
		FROM observations`).Scan(&oldestRaw, &newestRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("querying data range: %w", err)
	}
	if oldestRaw == nil || newestRaw == nil {
		return time.Time{}, time.Time{}, nil
	}

	oldest, err = parseTimestamp(*oldestRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing oldest: %w", err)
	}
	newest, err = parseTimestamp(*newestRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing newest: %w", err)
	}
	return oldest, newest, nil
}

func (s *SQLiteStore) GetObservationCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting observations: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) SaveReading(ctx context.Context, r *Reading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (topic, timestamp, value) VALUES (?, ?, ?)`,
		r.Topic, sqliteTime(r.Timestamp), r.Value)
	if err != nil {
		return fmt.Errorf("saving reading: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReadings(ctx context.Context, topic string, start, end time.Time, limit int) ([]Reading, error) {
	var startArg, endArg any
	if !start.IsZero() {
		startArg = sqliteTime(start)
	}
	if !end.IsZero() {
		endArg = sqliteTime(end)
	}
	query, args := buildReadingsQuery(topic, startArg, endArg, limit, "sqlite")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanReadings(rows)
}

func (s *SQLiteStore) GetSetting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM site_settings WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting setting %q: %w", name, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SaveSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_settings (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value=excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("saving setting %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Shared helpers ---

const batchSize = 100

type scanner interface {
	Scan(dest ...any) error
}

// parseTimestamp handles both time.Time and string timestamp values from SQLite.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTimestamp(string(t))
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			sqliteTimeLayout,
			"2006-01-02 15:04:05+00:00",
			"2006-01-02 15:04:05 +0000 UTC",
			"2006-01-02 15:04",
			"2006-01-02 15",
			"2006-01-02T15",
			"2006-01-02",
		} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", t)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type: %T", v)
	}
}

func scanObservation(row scanner) (*Observation, error) {
	var obs Observation
	var tsRaw any
	if err := row.Scan(&tsRaw, &obs.Safe); err != nil {
		return nil, err
	}
	ts, err := parseTimestamp(tsRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	obs.Timestamp = ts
	return &obs, nil
}

func scanHourlySums(rows *sql.Rows) ([]HourlySum, error) {
	var result []HourlySum
	for rows.Next() {
		var hourRaw any
		var hs HourlySum
		if err := rows.Scan(&hourRaw, &hs.Sum); err != nil {
			return nil, fmt.Errorf("scanning hourly sum: %w", err)
		}
		hour, err := parseTimestamp(hourRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing hour: %w", err)
		}
		hs.Hour = hour
		result = append(result, hs)
	}
	return result, rows.Err()
}

func scanReadings(rows *sql.Rows) ([]Reading, error) {
	var result []Reading
	for rows.Next() {
		var r Reading
		var tsRaw any
		if err := rows.Scan(&r.Topic, &tsRaw, &r.Value); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		ts, err := parseTimestamp(tsRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		r.Timestamp = ts
		result = append(result, r)
	}
	return result, rows.Err()
}

// buildReadingsQuery builds the newest-first readings query. Nil start or end
// leaves that bound open.
func buildReadingsQuery(topic string, start, end any, limit int, dialect string) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT topic, timestamp, value
		FROM sensor_readings
		WHERE topic = ?`)
	args := []any{topic}

	if start != nil {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, start)
	}
	if end != nil {
		b.WriteString(" AND timestamp < ?")
		args = append(args, end)
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	q := b.String()
	if dialect == "postgres" {
		q = replacePlaceholders(q)
	}
	return q, args
}

// replacePlaceholders converts ? to $1, $2, $3 etc for postgres.
func replacePlaceholders(query string) string {
	result := make([]byte, 0, len(query))
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, fmt.Sprintf("$%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
