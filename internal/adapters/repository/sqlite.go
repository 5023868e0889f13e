package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/pkg/logger"
	"github.com/okian/stepscore/pkg/metrics"
)

const (
	scanPageSize       = 500
	defaultBusyTimeout = 5 * time.Second

	scoreColumns = `id, user_id, user_name, song_id, song_name, play_style, difficulty, level,
		score, ex_score, max_combo, clear_lamp, rank,
		has_radar, stream, voltage, air, freeze, chaos, is_public, ttl, expires_at`
	bucketColumns = `id, user_id, kind, play_style, level, value, count, version, updated_at`
)

// SQLiteStore persists scores and summaries in a SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	opts options
	log  logger.Logger
}

// OpenSQLite migrates and opens the database at path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if path == "" || path == ":memory:" {
		return nil, fmt.Errorf("sqlite store needs a file path, got %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if err := Migrate(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, defaultBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers so version checks and the
	// active-record index never see interleaved transactions.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, opts: o, log: o.log}
	if s.log == nil {
		s.log = logger.Get().Named("sqlite-store")
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("commit transaction: %w", err)
		}
	}()
	return fn(tx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.ScoreRecord, error) {
	var (
		r                 model.ScoreRecord
		ex, combo, expiry sql.NullInt64
		hasRadar, public  bool
		radar             model.Radar
		rank              string
		lamp              int
	)
	err := row.Scan(&r.ID, &r.UserID, &r.UserName, &r.SongID, &r.SongName, &r.PlayStyle, &r.Difficulty, &r.Level,
		&r.Score, &ex, &combo, &lamp, &rank,
		&hasRadar, &radar.Stream, &radar.Voltage, &radar.Air, &radar.Freeze, &radar.Chaos, &public, &r.State.TTL, &expiry)
	if err != nil {
		return model.ScoreRecord{}, err
	}
	r.ClearLamp = model.ClearLamp(lamp)
	r.Rank = model.Rank(rank)
	r.IsPublic = public
	if ex.Valid {
		v := int(ex.Int64)
		r.ExScore = &v
	}
	if combo.Valid {
		v := int(combo.Int64)
		r.MaxCombo = &v
	}
	if hasRadar {
		r.Radar = &radar
	}
	if expiry.Valid {
		r.State.ExpiresAt = time.Unix(0, expiry.Int64)
	}
	return r, nil
}

func queryRecords(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]model.ScoreRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.ScoreRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func (s *SQLiteStore) ListByUserAndChart(ctx context.Context, userID string, chart model.ChartKey) ([]model.ScoreRecord, error) {
	out, err := queryRecords(ctx, s.db,
		`SELECT `+scoreColumns+` FROM scores
		 WHERE user_id = ? AND song_id = ? AND play_style = ? AND difficulty = ? AND expires_at IS NULL`,
		userID, chart.SongID, chart.PlayStyle, chart.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("list records of %s/%s: %w", userID, chart, err)
	}
	return out, nil
}

func (s *SQLiteStore) ListActiveByUser(ctx context.Context, userID string) ([]model.ScoreRecord, error) {
	out, err := queryRecords(ctx, s.db,
		`SELECT `+scoreColumns+` FROM scores WHERE user_id = ? AND expires_at IS NULL
		 ORDER BY song_id, play_style, difficulty, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list records of %s: %w", userID, err)
	}
	return out, nil
}

func (s *SQLiteStore) BatchWrite(ctx context.Context, create []model.ScoreRecord, softDelete []model.SoftDelete) ([]model.ScoreRecord, error) {
	now := s.opts.now()
	var expired, created []model.ScoreRecord

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range softDelete {
			r, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+scoreColumns+` FROM scores WHERE id = ?`, d.ID))
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("soft delete %s: %w", d.ID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("load %s: %w", d.ID, err)
			}
			if r.State.IsExpiring() {
				continue
			}
			r.State = model.Expiring(d.TTLSeconds, now)
			if _, err := tx.ExecContext(ctx, `UPDATE scores SET ttl = ?, expires_at = ? WHERE id = ?`,
				r.State.TTL, r.State.ExpiresAt.UnixNano(), r.ID); err != nil {
				return fmt.Errorf("soft delete %s: %w", d.ID, err)
			}
			expired = append(expired, r)
		}

		for _, r := range create {
			r.ID = uuid.NewString()
			r.State = model.Active()
			var radar model.Radar
			if r.Radar != nil {
				radar = *r.Radar
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO scores (`+scoreColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
				r.ID, r.UserID, r.UserName, r.SongID, r.SongName, r.PlayStyle, r.Difficulty, r.Level,
				r.Score, nullInt(r.ExScore), nullInt(r.MaxCombo), int(r.ClearLamp), string(r.Rank),
				r.Radar != nil, radar.Stream, radar.Voltage, radar.Air, radar.Freeze, radar.Chaos, r.IsPublic)
			if isUniqueViolation(err) {
				return fmt.Errorf("active record exists for %s/%s: %w", r.UserID, r.Chart(), ErrConflict)
			}
			if err != nil {
				return fmt.Errorf("insert record: %w", err)
			}
			created = append(created, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordRecordsCreated(len(created))
	metrics.RecordRecordsSoftDeleted(len(expired))
	if n, err := s.CountActive(ctx); err == nil {
		metrics.UpdateActiveRecords(n)
	}
	publish(ctx, s.opts, s.log, append(append([]model.ScoreRecord(nil), created...), expired...), now)
	return created, nil
}

// ScanActive reads in pages so fn may call back into the store.
func (s *SQLiteStore) ScanActive(ctx context.Context, fn func(model.ScoreRecord) error) error {
	after := ""
	for {
		page, err := queryRecords(ctx, s.db,
			`SELECT `+scoreColumns+` FROM scores WHERE expires_at IS NULL AND id > ? ORDER BY id LIMIT ?`,
			after, scanPageSize)
		if err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		for _, r := range page {
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scores WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scores WHERE expires_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func scanBucket(row rowScanner) (model.HistogramBucket, error) {
	var (
		b    model.HistogramBucket
		kind string
		at   int64
	)
	if err := row.Scan(&b.ID, &b.Key.UserID, &kind, &b.Key.PlayStyle, &b.Key.Level, &b.Key.Value, &b.Count, &b.Version, &at); err != nil {
		return model.HistogramBucket{}, err
	}
	b.Key.Kind = model.BucketKind(kind)
	b.UpdatedAt = time.Unix(0, at)
	return b, nil
}

func (s *SQLiteStore) queryBuckets(ctx context.Context, query string, args ...any) ([]model.HistogramBucket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.HistogramBucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortBuckets(out)
	return out, nil
}

func (s *SQLiteStore) ListBucketsForUser(ctx context.Context, userID string) ([]model.HistogramBucket, error) {
	out, err := s.queryBuckets(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list buckets of %s: %w", userID, err)
	}
	return out, nil
}

func (s *SQLiteStore) ListAllBuckets(ctx context.Context) ([]model.HistogramBucket, error) {
	out, err := s.queryBuckets(ctx, `SELECT `+bucketColumns+` FROM buckets`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertBucket(ctx context.Context, b model.HistogramBucket) (model.HistogramBucket, error) {
	k := b.Key
	if b.ID == "" {
		b.ID = uuid.NewString()
		b.Version = 1
		_, err := s.db.ExecContext(ctx, `INSERT INTO buckets (`+bucketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, k.UserID, string(k.Kind), k.PlayStyle, k.Level, k.Value, b.Count, b.Version, b.UpdatedAt.UnixNano())
		if isUniqueViolation(err) {
			return model.HistogramBucket{}, fmt.Errorf("bucket %s created concurrently: %w", k, ErrConflict)
		}
		if err != nil {
			return model.HistogramBucket{}, fmt.Errorf("insert bucket %s: %w", k, err)
		}
		return b, nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE buckets SET count = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND user_id = ? AND kind = ? AND play_style = ? AND level = ? AND value = ?`,
		b.Count, b.UpdatedAt.UnixNano(), b.ID, b.Version, k.UserID, string(k.Kind), k.PlayStyle, k.Level, k.Value)
	if err != nil {
		return model.HistogramBucket{}, fmt.Errorf("update bucket %s: %w", k, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		b.Version++
		return b, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE id = ?`, b.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HistogramBucket{}, fmt.Errorf("bucket %s: %w", b.ID, ErrNotFound)
	}
	return model.HistogramBucket{}, fmt.Errorf("bucket %s at version %d: %w", k, b.Version, ErrConflict)
}

func (s *SQLiteStore) ReplaceBuckets(ctx context.Context, buckets []model.HistogramBucket) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, b := range buckets {
			k := b.Key
			if b.ID != "" {
				res, err := tx.ExecContext(ctx, `UPDATE buckets SET count = ?, version = version + 1, updated_at = ? WHERE id = ?`,
					b.Count, b.UpdatedAt.UnixNano(), b.ID)
				if err != nil {
					return fmt.Errorf("replace bucket %s: %w", k, err)
				}
				if n, _ := res.RowsAffected(); n == 1 {
					continue
				}
			}
			id := b.ID
			if id == "" {
				id = uuid.NewString()
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO buckets (`+bucketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
				ON CONFLICT (user_id, kind, play_style, level, value)
				DO UPDATE SET count = excluded.count, version = buckets.version + 1, updated_at = excluded.updated_at`,
				id, k.UserID, string(k.Kind), k.PlayStyle, k.Level, k.Value, b.Count, b.UpdatedAt.UnixNano())
			if err != nil {
				return fmt.Errorf("replace bucket %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets`).Scan(&n); err == nil {
		metrics.UpdateBucketRows(n)
	}
	return nil
}

func (s *SQLiteStore) UpsertRadar(ctx context.Context, v model.GrooveRadarVector) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO radars (user_id, play_style, stream, voltage, air, freeze, chaos, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, play_style) DO UPDATE SET
			stream = excluded.stream, voltage = excluded.voltage, air = excluded.air,
			freeze = excluded.freeze, chaos = excluded.chaos, updated_at = excluded.updated_at`,
		v.UserID, v.PlayStyle, v.Radar.Stream, v.Radar.Voltage, v.Radar.Air, v.Radar.Freeze, v.Radar.Chaos, v.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert radar %s/%d: %w", v.UserID, v.PlayStyle, err)
	}
	return nil
}

func (s *SQLiteStore) ListRadar(ctx context.Context, userID string) ([]model.GrooveRadarVector, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, play_style, stream, voltage, air, freeze, chaos, updated_at
		FROM radars WHERE user_id = ? ORDER BY play_style`, userID)
	if err != nil {
		return nil, fmt.Errorf("list radar of %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.GrooveRadarVector
	for rows.Next() {
		var (
			v  model.GrooveRadarVector
			at int64
		)
		if err := rows.Scan(&v.UserID, &v.PlayStyle, &v.Radar.Stream, &v.Radar.Voltage, &v.Radar.Air, &v.Radar.Freeze, &v.Radar.Chaos, &at); err != nil {
			return nil, fmt.Errorf("scan radar: %w", err)
		}
		v.UpdatedAt = time.Unix(0, at)
		out = append(out, v)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
