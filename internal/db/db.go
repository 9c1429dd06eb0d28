// Package db persists jam events and flow samples to a local sqlite file.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/filament-data/flow.watch/internal/monitoring"
)

type DB struct {
	*sql.DB
}

// Open opens the sqlite database at path. The schema is not touched here;
// migrations manage it.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = sqlDB.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	return &DB{sqlDB}, nil
}

// JamEvent is one latched jam verdict. ClearedAtMs stays zero while the jam
// is still latched.
type JamEvent struct {
	ID          string  `json:"id"`
	FiredAtMs   int64   `json:"fired_at_ms"`
	ClearedAtMs int64   `json:"cleared_at_ms,omitempty"`
	Kind        string  `json:"kind"` // hard or soft
	PassRatio   float64 `json:"pass_ratio"`
	DeficitMm   float64 `json:"deficit_mm"`
	AccumMs     int64   `json:"accum_ms"`
	GraceState  string  `json:"grace_state"`
	PrintStatus int     `json:"print_status"`
}

func (e *JamEvent) String() string {
	return fmt.Sprintf("jam %s: kind=%s ratio=%.2f deficit=%.2fmm accum=%dms fired_at=%d",
		e.ID, e.Kind, e.PassRatio, e.DeficitMm, e.AccumMs, e.FiredAtMs)
}

// FlowSample is one evaluation-tick snapshot.
type FlowSample struct {
	AtMs         int64   `json:"at_ms"`
	ExpectedMm   float64 `json:"expected_mm"`
	ActualMm     float64 `json:"actual_mm"`
	PassRatio    float64 `json:"pass_ratio"`
	DeficitMm    float64 `json:"deficit_mm"`
	ExpectedRate float64 `json:"expected_rate_mm_s"`
	ActualRate   float64 `json:"actual_rate_mm_s"`
	PulseCount   int64   `json:"pulse_count"`
	GraceState   string  `json:"grace_state"`
}

// InsertJamEvent records a fired jam. The caller assigns the id.
func (db *DB) InsertJamEvent(ev JamEvent) error {
	_, err := db.Exec(
		`INSERT INTO jam_events (
			id, fired_at_ms, cleared_at_ms, kind, pass_ratio, deficit_mm,
			accum_ms, grace_state, print_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.FiredAtMs, ev.ClearedAtMs, ev.Kind, ev.PassRatio, ev.DeficitMm,
		ev.AccumMs, ev.GraceState, ev.PrintStatus,
	)
	if err != nil {
		return fmt.Errorf("insert jam event: %w", err)
	}
	return nil
}

// ClearJamEvent stamps the clear time on a previously fired jam.
func (db *DB) ClearJamEvent(id string, clearedAtMs int64) error {
	res, err := db.Exec(`UPDATE jam_events SET cleared_at_ms = ? WHERE id = ?`, clearedAtMs, id)
	if err != nil {
		return fmt.Errorf("clear jam event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("clear jam event: no event with id %s", id)
	}
	return nil
}

// RecentJamEvents returns the newest events first.
func (db *DB) RecentJamEvents(limit int) ([]JamEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT id, fired_at_ms, cleared_at_ms, kind, pass_ratio, deficit_mm,
			accum_ms, grace_state, print_status
		FROM jam_events ORDER BY fired_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JamEvent
	for rows.Next() {
		var ev JamEvent
		if err := rows.Scan(
			&ev.ID, &ev.FiredAtMs, &ev.ClearedAtMs, &ev.Kind, &ev.PassRatio,
			&ev.DeficitMm, &ev.AccumMs, &ev.GraceState, &ev.PrintStatus,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// InsertFlowSample records one evaluation tick.
func (db *DB) InsertFlowSample(s FlowSample) error {
	_, err := db.Exec(
		`INSERT INTO flow_samples (
			at_ms, expected_mm, actual_mm, pass_ratio, deficit_mm,
			expected_rate, actual_rate, pulse_count, grace_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.AtMs, s.ExpectedMm, s.ActualMm, s.PassRatio, s.DeficitMm,
		s.ExpectedRate, s.ActualRate, s.PulseCount, s.GraceState,
	)
	if err != nil {
		return fmt.Errorf("insert flow sample: %w", err)
	}
	return nil
}

// RecentFlowSamples returns the newest samples first.
func (db *DB) RecentFlowSamples(limit int) ([]FlowSample, error) {
	if limit <= 0 {
		limit = 500
	}
	return db.querySamples(
		`SELECT at_ms, expected_mm, actual_mm, pass_ratio, deficit_mm,
			expected_rate, actual_rate, pulse_count, grace_state
		FROM flow_samples ORDER BY at_ms DESC LIMIT ?`, limit)
}

// SamplesBetween returns samples with fromMs <= at_ms < toMs in time order.
func (db *DB) SamplesBetween(fromMs, toMs int64) ([]FlowSample, error) {
	return db.querySamples(
		`SELECT at_ms, expected_mm, actual_mm, pass_ratio, deficit_mm,
			expected_rate, actual_rate, pulse_count, grace_state
		FROM flow_samples WHERE at_ms >= ? AND at_ms < ? ORDER BY at_ms`, fromMs, toMs)
}

func (db *DB) querySamples(query string, args ...any) ([]FlowSample, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []FlowSample
	for rows.Next() {
		var s FlowSample
		if err := rows.Scan(
			&s.AtMs, &s.ExpectedMm, &s.ActualMm, &s.PassRatio, &s.DeficitMm,
			&s.ExpectedRate, &s.ActualRate, &s.PulseCount, &s.GraceState,
		); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// PruneSamples deletes samples older than cutoffMs and reports how many rows
// went away.
func (db *DB) PruneSamples(cutoffMs int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM flow_samples WHERE at_ms < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}

// AttachAdminRoutes registers the database admin endpoints on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/backup", db.handleBackup)
}

// handleBackup snapshots the database with VACUUM INTO and streams the
// snapshot back gzip-compressed.
func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("flowwatch-backup-%d.db", time.Now().Unix()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("db: failed to remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		// Headers are already out; all we can do is log.
		monitoring.Logf("db: backup download aborted: %v", err)
	}
}
