package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for registration runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure-Go driver and
// ensures schema.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open opens the database with the named driver: "sqlite" (modernc) or
// "sqlite3" (mattn, cgo).
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS registration_runs (
            id TEXT PRIMARY KEY,
            sequence_path TEXT NOT NULL,
            status TEXT NOT NULL,
            detector TEXT,
            matcher TEXT,
            layer INTEGER,
            reference INTEGER,
            options_json TEXT,
            aligned INTEGER DEFAULT 0,
            failed INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS frame_results (
            run_id TEXT NOT NULL,
            frame INTEGER NOT NULL,
            keypoints INTEGER,
            matches INTEGER,
            inliers INTEGER,
            homography_json TEXT,
            duration_ms INTEGER,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, frame)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_registration_runs_sequence ON registration_runs(sequence_path);`,
		`CREATE INDEX IF NOT EXISTS idx_frame_results_run ON frame_results(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted registration run.
type RunRecord struct {
	ID           string
	SequencePath string
	Status       string
	Detector     string
	Matcher      string
	Layer        int
	Reference    int
	OptionsJSON  string
	Aligned      int
	Failed       int
	Error        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// FrameRecord captures the outcome of one frame in a run.
type FrameRecord struct {
	RunID      string
	Frame      int
	Keypoints  int
	Matches    int
	Inliers    int
	Homography []float64
	Duration   time.Duration
	Error      string
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO registration_runs (id, sequence_path, status, detector, matcher, layer, reference, options_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.SequencePath, rec.Status, rec.Detector, rec.Matcher, rec.Layer, rec.Reference, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE registration_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and counts.
func (s *Store) RecordRunResult(id, status string, layer, reference, aligned, failed int, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE registration_runs SET status=?, layer=?, reference=?, aligned=?, failed=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, layer, reference, aligned, failed, errMsg, id)
	return err
}

// RecordFrame stores one frame outcome, replacing an earlier one for the
// same run and frame.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	var hJSON []byte
	if rec.Homography != nil {
		hJSON, _ = json.Marshal(rec.Homography)
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frame_results (run_id, frame, keypoints, matches, inliers, homography_json, duration_ms, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Frame, rec.Keypoints, rec.Matches, rec.Inliers, string(hJSON), rec.Duration.Milliseconds(), rec.Error)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, sequence_path, status, detector, matcher, layer, reference, options_json, aligned, failed, created_at, started_at, completed_at, error_message FROM registration_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var detector, matcher, opts, errorMsg sql.NullString
		var layer, reference sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.SequencePath, &rec.Status, &detector, &matcher, &layer, &reference, &opts, &rec.Aligned, &rec.Failed, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.Detector, rec.Matcher, rec.OptionsJSON = detector.String, matcher.String, opts.String
		rec.Layer, rec.Reference = int(layer.Int64), int(reference.Int64)
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunFrames returns the frame outcomes of a run ordered by frame index.
func (s *Store) RunFrames(runID string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT frame, keypoints, matches, inliers, homography_json, duration_ms, error_message FROM frame_results WHERE run_id=? ORDER BY frame;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameRecord
	for rows.Next() {
		rec := FrameRecord{RunID: runID}
		var hJSON, errorMsg sql.NullString
		var ms int64
		if err := rows.Scan(&rec.Frame, &rec.Keypoints, &rec.Matches, &rec.Inliers, &hJSON, &ms, &errorMsg); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		rec.Error = errorMsg.String
		if hJSON.String != "" {
			if err := json.Unmarshal([]byte(hJSON.String), &rec.Homography); err != nil {
				return nil, fmt.Errorf("unmarshal homography: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
