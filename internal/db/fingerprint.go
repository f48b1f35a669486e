package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/presence.report/internal/fsutil"
)

// Fingerprint is a labelled calibration snapshot: per-beacon averaged
// RSSI observed at a surveyed point. Collected by walking a device to a
// known spot, used afterwards to sanity-check path-loss tuning.
type Fingerprint struct {
	ID       int64              `json:"id"`
	Label    string             `json:"label"`
	X        float64            `json:"x"`
	Y        float64            `json:"y"`
	Readings map[string]float64 `json:"readings"`
	NotedAt  time.Time          `json:"noted_at"`
}

// SaveFingerprint inserts or replaces the fingerprint with the same
// label and returns its row id.
func (db *DB) SaveFingerprint(fp *Fingerprint) (int64, error) {
	if fp.Label == "" {
		return 0, fmt.Errorf("fingerprint label must not be empty")
	}

	readings, err := json.Marshal(fp.Readings)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal readings: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO fingerprints (label, x, y, readings, noted_at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(label) DO UPDATE SET
			x = excluded.x,
			y = excluded.y,
			readings = excluded.readings,
			noted_at_unix_ms = excluded.noted_at_unix_ms,
			updated_at = UNIXEPOCH('subsec')`,
		fp.Label, fp.X, fp.Y, string(readings), fp.NotedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save fingerprint: %w", err)
	}

	var id int64
	if err := db.QueryRow(`SELECT id FROM fingerprints WHERE label = ?`, fp.Label).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read back fingerprint id: %w", err)
	}
	return id, nil
}

// Fingerprints returns all fingerprints ordered by label.
func (db *DB) Fingerprints() ([]Fingerprint, error) {
	rows, err := db.Query(
		`SELECT id, label, x, y, readings, noted_at_unix_ms
		 FROM fingerprints
		 ORDER BY label ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []Fingerprint
	for rows.Next() {
		fp, err := scanFingerprint(rows.Scan)
		if err != nil {
			return nil, err
		}
		fps = append(fps, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return fps, nil
}

// FingerprintByLabel returns a single fingerprint, or nil when no row
// matches.
func (db *DB) FingerprintByLabel(label string) (*Fingerprint, error) {
	row := db.QueryRow(
		`SELECT id, label, x, y, readings, noted_at_unix_ms
		 FROM fingerprints
		 WHERE label = ?`,
		label,
	)

	fp, err := scanFingerprint(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return &fp, nil
}

func scanFingerprint(scan func(dest ...interface{}) error) (Fingerprint, error) {
	var (
		fp           Fingerprint
		readingsJSON string
		notedMs      int64
	)
	if err := scan(&fp.ID, &fp.Label, &fp.X, &fp.Y, &readingsJSON, &notedMs); err != nil {
		return Fingerprint{}, err
	}
	if err := json.Unmarshal([]byte(readingsJSON), &fp.Readings); err != nil {
		return Fingerprint{}, fmt.Errorf("failed to unmarshal readings: %w", err)
	}
	fp.NotedAt = time.UnixMilli(notedMs).UTC()
	return fp, nil
}

// DeleteFingerprint removes the fingerprint with the given label.
func (db *DB) DeleteFingerprint(label string) error {
	result, err := db.Exec(`DELETE FROM fingerprints WHERE label = ?`, label)
	if err != nil {
		return fmt.Errorf("failed to delete fingerprint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("fingerprint %q not found", label)
	}
	return nil
}

// ExportFingerprints writes all fingerprints as indented JSON into dir
// and returns the path of the created file. Callers accepting the
// directory from a request must validate it first (see
// security.ValidateExportPath).
func (db *DB) ExportFingerprints(fsys fsutil.FileSystem, dir string) (string, error) {
	fps, err := db.Fingerprints()
	if err != nil {
		return "", err
	}

	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	name := fmt.Sprintf("fingerprints-%d.json", time.Now().Unix())
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(fps, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal fingerprints: %w", err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}
	return path, nil
}
