package profile

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists profiles in a SQLite database.
type Store struct {
	db *sql.DB
}

// Run describes one saved profile.
type Run struct {
	ID           int64
	Label        string
	Every        int
	Instructions int64
	CreatedAt    time.Time
}

// OpenStore opens (creating if needed) the profile database at path.
// ":memory:" gives a private in-memory database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile database: %w", err)
	}
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to profile database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			label TEXT NOT NULL,
			every INTEGER NOT NULL,
			instructions INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS functions (
			run_id INTEGER NOT NULL REFERENCES runs(id),
			source TEXT NOT NULL,
			line_defined INTEGER NOT NULL,
			name TEXT NOT NULL,
			calls INTEGER NOT NULL,
			samples INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lines (
			run_id INTEGER NOT NULL REFERENCES runs(id),
			source TEXT NOT NULL,
			line INTEGER NOT NULL,
			samples INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS functions_run ON functions(run_id)`,
		`CREATE INDEX IF NOT EXISTS lines_run ON lines(run_id)`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to create profile tables: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save writes the current contents of p as a new run and returns its id.
func (s *Store) Save(label string, p *Profiler) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("saving profile: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO runs (label, every, instructions, created_at) VALUES (?, ?, ?, ?)",
		label, p.every, p.Instructions, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("saving profile run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("saving profile run: %w", err)
	}

	funcs := p.Functions()
	for _, fs := range funcs {
		if _, err := tx.Exec(
			"INSERT INTO functions (run_id, source, line_defined, name, calls, samples) VALUES (?, ?, ?, ?, ?, ?)",
			id, fs.Source, fs.LineDefined, fs.Name, fs.Calls, fs.Samples,
		); err != nil {
			return 0, fmt.Errorf("saving function stats: %w", err)
		}
	}
	lines := p.Lines()
	for _, ls := range lines {
		if _, err := tx.Exec(
			"INSERT INTO lines (run_id, source, line, samples) VALUES (?, ?, ?, ?)",
			id, ls.Source, ls.Line, ls.Samples,
		); err != nil {
			return 0, fmt.Errorf("saving line stats: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("saving profile: %w", err)
	}
	log.Infof("saved run %d (%s): %d functions, %d lines", id, label, len(funcs), len(lines))
	return id, nil
}

// Runs lists saved runs, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query("SELECT id, label, every, instructions, created_at FROM runs ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created int64
		if err := rows.Scan(&r.ID, &r.Label, &r.Every, &r.Instructions, &created); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Functions returns the function statistics of a run, most sampled first.
func (s *Store) Functions(runID int64) ([]FuncStats, error) {
	rows, err := s.db.Query(
		`SELECT source, line_defined, name, calls, samples FROM functions
		WHERE run_id = ? ORDER BY samples DESC, calls DESC, source, line_defined`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying functions: %w", err)
	}
	defer rows.Close()

	var out []FuncStats
	for rows.Next() {
		var fs FuncStats
		if err := rows.Scan(&fs.Source, &fs.LineDefined, &fs.Name, &fs.Calls, &fs.Samples); err != nil {
			return nil, fmt.Errorf("scanning function: %w", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

// Lines returns the line samples of a run, hottest first.
func (s *Store) Lines(runID int64) ([]LineStats, error) {
	rows, err := s.db.Query(
		"SELECT source, line, samples FROM lines WHERE run_id = ? ORDER BY samples DESC, source, line",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying lines: %w", err)
	}
	defer rows.Close()

	var out []LineStats
	for rows.Next() {
		var ls LineStats
		if err := rows.Scan(&ls.Source, &ls.Line, &ls.Samples); err != nil {
			return nil, fmt.Errorf("scanning line: %w", err)
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}
