package pceclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pces (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	base_url   TEXT NOT NULL,
	state      INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pce_modules (
	pce_id     INTEGER NOT NULL REFERENCES pces(id),
	mod_id     INTEGER NOT NULL,
	state      INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	stale      INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (pce_id, mod_id)
);
CREATE TABLE IF NOT EXISTS jobs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id           INTEGER NOT NULL,
	workspace_id      INTEGER NOT NULL,
	pce_id            INTEGER NOT NULL REFERENCES pces(id),
	mod_id            INTEGER NOT NULL,
	run_name          TEXT NOT NULL,
	state             INTEGER NOT NULL DEFAULT 0,
	error             TEXT NOT NULL DEFAULT '',
	scheduler_job_num TEXT NOT NULL DEFAULT '',
	output_path       TEXT NOT NULL DEFAULT '',
	stale             INTEGER NOT NULL DEFAULT 0,
	updated_at        INTEGER NOT NULL,
	UNIQUE (user_id, workspace_id, pce_id, mod_id, run_name)
);
`

// SQLiteStore implements Store on a sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not make directory %s for sqlite db: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite db %s: %w", path, err)
	}
	// SQLite allows one writer at a time; a single connection serialises
	// access and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("error setting up sqlite db: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AddPCE registers a PCE and returns it with its assigned id.
func (s *SQLiteStore) AddPCE(ctx context.Context, pce PCE) (PCE, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO pces (name, base_url, state, updated_at) VALUES (?, ?, ?, ?)",
		pce.Name, pce.BaseURL, pce.State, now.Unix())
	if err != nil {
		return PCE{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return PCE{}, err
	}
	pce.ID = int(id)
	pce.UpdatedAt = time.Unix(now.Unix(), 0)
	return pce, nil
}

// GetPCE returns the PCE with the given id.
func (s *SQLiteStore) GetPCE(ctx context.Context, id int) (PCE, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, base_url, state, updated_at FROM pces WHERE id = ?", id)
	pce, err := scanPCE(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PCE{}, fmt.Errorf("pce %d: %w", id, ErrNotFound)
	}
	return pce, err
}

// ListPCEs returns all PCEs ordered by id.
func (s *SQLiteStore) ListPCEs(ctx context.Context) ([]PCE, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, base_url, state, updated_at FROM pces ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pces []PCE
	for rows.Next() {
		pce, err := scanPCE(rows)
		if err != nil {
			return pces, err
		}
		pces = append(pces, pce)
	}
	return pces, rows.Err()
}

// SetPCEState records the reachability of a PCE.
func (s *SQLiteStore) SetPCEState(ctx context.Context, id, state int) error {
	_, err := s.db.ExecContext(ctx, "UPDATE pces SET state = ?, updated_at = ? WHERE id = ?",
		state, time.Now().Unix(), id)
	return err
}

// GetModule returns the module row for (pceID, modID).
func (s *SQLiteStore) GetModule(ctx context.Context, pceID, modID int) (ModuleRow, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+moduleColumns+" FROM pce_modules WHERE pce_id = ? AND mod_id = ?",
		pceID, modID)
	m, err := scanModule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ModuleRow{}, fmt.Errorf("module %d on pce %d: %w", modID, pceID, ErrNotFound)
	}
	return m, err
}

// ListModules returns the module rows of a PCE ordered by module id.
func (s *SQLiteStore) ListModules(ctx context.Context, pceID int) ([]ModuleRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+moduleColumns+" FROM pce_modules WHERE pce_id = ? ORDER BY mod_id",
		pceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mods []ModuleRow
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return mods, err
		}
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

// UpsertModule inserts or replaces a module row.
func (s *SQLiteStore) UpsertModule(ctx context.Context, m ModuleRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pce_modules (pce_id, mod_id, state, error, stale, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pce_id, mod_id) DO UPDATE SET
			state = excluded.state, error = excluded.error, stale = excluded.stale,
			updated_at = excluded.updated_at`,
		m.PCEID, m.ModID, m.State, m.Error, m.Stale, time.Now().Unix())
	return err
}

// MarkModulesStale implements Store. The state of existing rows is kept;
// rows that do not exist yet are created as Unreachable.
func (s *SQLiteStore) MarkModulesStale(ctx context.Context, pceID int, modIDs ...int) error {
	now := time.Now().Unix()
	if len(modIDs) == 0 {
		_, err := s.db.ExecContext(ctx, "UPDATE pce_modules SET stale = 1 WHERE pce_id = ?", pceID)
		return err
	}
	for _, modID := range modIDs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pce_modules (pce_id, mod_id, state, stale, updated_at) VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (pce_id, mod_id) DO UPDATE SET stale = 1`,
			pceID, modID, Unreachable, now)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetOrCreateJob implements Store.
func (s *SQLiteStore) GetOrCreateJob(ctx context.Context, j JobRow) (JobRow, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return JobRow{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE user_id = ? AND workspace_id = ? AND pce_id = ? AND mod_id = ? AND run_name = ?`,
		j.UserID, j.WorkspaceID, j.PCEID, j.ModID, j.RunName)
	existing, err := scanJob(row)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return JobRow{}, false, err
	}

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs
		(user_id, workspace_id, pce_id, mod_id, run_name, state, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.UserID, j.WorkspaceID, j.PCEID, j.ModID, j.RunName, JobUnknown, now)
	if err != nil {
		return JobRow{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return JobRow{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return JobRow{}, false, err
	}

	j.ID = int(id)
	j.State = JobUnknown
	j.Error, j.SchedulerJobNum, j.OutputPath = "", "", ""
	j.Stale = false
	j.UpdatedAt = time.Unix(now, 0)
	return j, true, nil
}

// GetJob returns the job with the given id.
func (s *SQLiteStore) GetJob(ctx context.Context, id int) (JobRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRow{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return j, err
}

// ListActiveJobs returns the jobs that have not reached a final state,
// ordered by id.
func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]JobRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state >= ? AND state < ? ORDER BY id`, JobUnknown, JobDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob writes the mutable fields of a job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j JobRow) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
		state = ?, error = ?, scheduler_job_num = ?, output_path = ?, stale = ?, updated_at = ? WHERE id = ?`,
		j.State, j.Error, j.SchedulerJobNum, j.OutputPath, j.Stale, time.Now().Unix(), j.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %d: %w", j.ID, ErrNotFound)
	}
	return nil
}

const (
	moduleColumns = "pce_id, mod_id, state, error, stale, updated_at"
	jobColumns    = `id, user_id, workspace_id, pce_id, mod_id, run_name, state, error,
	scheduler_job_num, output_path, stale, updated_at`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanPCE(row scanner) (PCE, error) {
	var p PCE
	var updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.State, &updated); err != nil {
		return PCE{}, err
	}
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}

func scanModule(row scanner) (ModuleRow, error) {
	var m ModuleRow
	var updated int64
	if err := row.Scan(&m.PCEID, &m.ModID, &m.State, &m.Error, &m.Stale, &updated); err != nil {
		return ModuleRow{}, err
	}
	m.UpdatedAt = time.Unix(updated, 0)
	return m, nil
}

func scanJob(row scanner) (JobRow, error) {
	var j JobRow
	var updated int64
	err := row.Scan(&j.ID, &j.UserID, &j.WorkspaceID, &j.PCEID, &j.ModID, &j.RunName, &j.State,
		&j.Error, &j.SchedulerJobNum, &j.OutputPath, &j.Stale, &updated)
	if err != nil {
		return JobRow{}, err
	}
	j.UpdatedAt = time.Unix(updated, 0)
	return j, nil
}

var _ Store = (*SQLiteStore)(nil)
