// Package manifest records the provenance of a dataset build in a SQLite
// file: the run parameters, which identifier and crop every stored sample
// came from, and every pair that was skipped.
package manifest

import (
	"database/sql"
	"embed"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"

	"github.com/Noofbiz/rgbdset/crop"
	"github.com/Noofbiz/rgbdset/loader"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run is the parameters of one build.
type Run struct {
	ID            uuid.UUID
	Source        string
	Destination   string
	Height        int
	Width         int
	NumCrops      int
	Percent       float64
	ChunkSize     int
	ChannelsFirst bool
	Mode          string
	Seed          int64
	Identifiers   int
	Selected      int
	StartedAt     time.Time
}

// Totals are the final counts of a run.
type Totals struct {
	Samples int
	Skipped int
}

// Sample is the provenance of one stored sample.
type Sample struct {
	Index int
	Chunk int
	Crop  crop.Info
}

// DB is an open manifest.
type DB struct {
	*sql.DB
	path string
}

// Open creates a fresh manifest at path, replacing any existing file, and
// applies the schema migrations.
func Open(path string) (*DB, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "manifest: failed to remove existing %q", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest: failed to open %q", path)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	m := &DB{DB: db, path: path}
	if err := m.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// OpenExisting opens a manifest for reading without resetting it.
func OpenExisting(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "manifest: %q", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest: failed to open %q", path)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, path: path}, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "manifest: %s", pragma)
		}
	}
	return nil
}

func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "manifest: failed to load migrations")
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "manifest: failed to create sqlite driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return errors.Wrap(err, "manifest: failed to create migrate instance")
	}
	m.Log = migrateLogger{}
	// m is not closed: closing it would close the underlying connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "manifest: migration up failed")
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	klog.V(2).Infof("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return klog.V(3).Enabled() }

// BeginRun inserts the row of a new run.
func (db *DB) BeginRun(run Run) error {
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO runs (run_id, source, destination, height, width, n_crops, percent,
			chunk_size, channels_first, mode, seed, identifiers, selected, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Source, run.Destination, run.Height, run.Width, run.NumCrops, run.Percent,
		run.ChunkSize, boolToInt(run.ChannelsFirst), run.Mode, run.Seed, run.Identifiers, run.Selected,
		started.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "manifest: failed to record run %s", run.ID)
	}
	return nil
}

// RecordChunk stores the provenance of one written chunk in a single
// transaction. infos[i] describes the sample at index start+i.
func (db *DB) RecordChunk(runID uuid.UUID, chunk, start int, infos []crop.Info, skips []loader.Skip) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "manifest: failed to begin transaction")
	}
	defer tx.Rollback()

	id := runID.String()
	sampleStmt, err := tx.Prepare(`
		INSERT INTO samples (run_id, sample_index, chunk, identifier, crop_index, offset_y, offset_x, resized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "manifest: failed to prepare sample insert")
	}
	defer sampleStmt.Close()
	for i, info := range infos {
		if _, err := sampleStmt.Exec(id, start+i, chunk, info.ID, info.Index, info.OffsetY, info.OffsetX, boolToInt(info.Resized)); err != nil {
			return errors.Wrapf(err, "manifest: failed to record sample %d", start+i)
		}
	}

	skipStmt, err := tx.Prepare(`
		INSERT INTO skips (run_id, chunk, identifier, path, reason, error)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "manifest: failed to prepare skip insert")
	}
	defer skipStmt.Close()
	for _, s := range skips {
		msg := ""
		if s.Err != nil {
			msg = s.Err.Error()
		}
		if _, err := skipStmt.Exec(id, chunk, s.ID, s.Path, s.Reason.String(), msg); err != nil {
			return errors.Wrapf(err, "manifest: failed to record skip of %q", s.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "manifest: failed to commit chunk %d", chunk)
	}
	return nil
}

// FinishRun stores the final totals of a run.
func (db *DB) FinishRun(runID uuid.UUID, totals Totals) error {
	res, err := db.Exec(`UPDATE runs SET samples = ?, skipped = ?, finished_at = ? WHERE run_id = ?`,
		totals.Samples, totals.Skipped, time.Now().UTC().Format(time.RFC3339Nano), runID.String())
	if err != nil {
		return errors.Wrapf(err, "manifest: failed to finish run %s", runID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("manifest: no run %s", runID)
	}
	return nil
}

// GetRun returns the parameters and totals of a run.
func (db *DB) GetRun(runID uuid.UUID) (Run, Totals, error) {
	var (
		run           Run
		totals        Totals
		channelsFirst int
		started       string
	)
	err := db.QueryRow(`
		SELECT source, destination, height, width, n_crops, percent, chunk_size, channels_first,
			mode, seed, identifiers, selected, samples, skipped, started_at
		FROM runs WHERE run_id = ?`, runID.String()).Scan(
		&run.Source, &run.Destination, &run.Height, &run.Width, &run.NumCrops, &run.Percent,
		&run.ChunkSize, &channelsFirst, &run.Mode, &run.Seed, &run.Identifiers, &run.Selected,
		&totals.Samples, &totals.Skipped, &started)
	if err != nil {
		return Run{}, Totals{}, errors.Wrapf(err, "manifest: failed to read run %s", runID)
	}
	run.ID = runID
	run.ChannelsFirst = channelsFirst != 0
	if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
		run.StartedAt = t
	}
	return run, totals, nil
}

// Samples returns the provenance of every sample of a run, by sample index.
func (db *DB) Samples(runID uuid.UUID) ([]Sample, error) {
	rows, err := db.Query(`
		SELECT sample_index, chunk, identifier, crop_index, offset_y, offset_x, resized
		FROM samples WHERE run_id = ? ORDER BY sample_index`, runID.String())
	if err != nil {
		return nil, errors.Wrap(err, "manifest: failed to query samples")
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		var resized int
		if err := rows.Scan(&s.Index, &s.Chunk, &s.Crop.ID, &s.Crop.Index, &s.Crop.OffsetY, &s.Crop.OffsetX, &resized); err != nil {
			return nil, errors.Wrap(err, "manifest: failed to scan sample")
		}
		s.Crop.Resized = resized != 0
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "manifest: failed to iterate samples")
}

// SkipCounts returns the number of skipped pairs of a run per reason.
func (db *DB) SkipCounts(runID uuid.UUID) (map[string]int, error) {
	rows, err := db.Query(`SELECT reason, COUNT(*) FROM skips WHERE run_id = ? GROUP BY reason`, runID.String())
	if err != nil {
		return nil, errors.Wrap(err, "manifest: failed to query skips")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, errors.Wrap(err, "manifest: failed to scan skip count")
		}
		counts[reason] = n
	}
	return counts, errors.Wrap(rows.Err(), "manifest: failed to iterate skips")
}

// Path returns the manifest file path.
func (db *DB) Path() string { return db.path }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
