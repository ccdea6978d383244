package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"

	_ "modernc.org/sqlite"

	"skyreduce/pkg/catalog"
)

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id TEXT,
	ra_c DOUBLE,
	dec_c DOUBLE,
	ra_m DOUBLE,
	dec_m DOUBLE,
	dif DOUBLE,
	mag_r DOUBLE,
	mag_v DOUBLE,
	mag_b DOUBLE,
	mag_err DOUBLE,
	cmag_r DOUBLE,
	cmag_v DOUBLE,
	cmag_b DOUBLE,
	datetime TEXT,
	imgname TEXT,
	runtime TEXT
);
CREATE INDEX IF NOT EXISTS sources_id ON sources (id);
CREATE INDEX IF NOT EXISTS sources_imgname ON sources (imgname);
`

const insertSource = `INSERT INTO sources
	(id, ra_c, dec_c, ra_m, dec_m, dif, mag_r, mag_v, mag_b, mag_err, cmag_r, cmag_v, cmag_b, datetime, imgname, runtime)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink stores records in a sources table, one transaction per batch.
// Undefined values and bands other than the frame's are stored as NULL.
type SQLiteSink struct {
	mu sync.Mutex
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func nullable(v float64, ok bool) sql.NullFloat64 {
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullableBand(m map[catalog.Band]float64, b catalog.Band) sql.NullFloat64 {
	v, ok := m[b]
	return nullable(v, ok)
}

func (s *SQLiteSink) Append(ctx context.Context, records []Record) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertSource)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		_, err = stmt.ExecContext(ctx,
			r.ID,
			nullable(r.RACatalog, true),
			nullable(r.DecCatalog, true),
			nullable(r.RAMeasured, true),
			nullable(r.DecMeasured, true),
			nullable(r.Residual, true),
			nullableBand(r.Mag, catalog.BandR),
			nullableBand(r.Mag, catalog.BandV),
			nullableBand(r.Mag, catalog.BandB),
			nullable(r.MagErr, true),
			nullableBand(r.CMag, catalog.BandR),
			nullableBand(r.CMag, catalog.BandV),
			nullableBand(r.CMag, catalog.BandB),
			r.ObservedAt.UTC().Format(TimeLayout),
			r.Image,
			r.RunTime.UTC().Format(RunTimeLayout),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count returns the number of stored rows for image, or all rows when image
// is empty.
func (s *SQLiteSink) Count(ctx context.Context, image string) (int, error) {
	q, args := `SELECT COUNT(*) FROM sources`, []any{}
	if image != "" {
		q += ` WHERE imgname = ?`
		args = append(args, image)
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// UniqueStars counts distinct matched catalog ids.
func (s *SQLiteSink) UniqueStars(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT id) FROM sources WHERE id != 'nan'`).Scan(&n)
	return n, err
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
