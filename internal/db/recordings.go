package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rris/internal/buffer"
)

// ErrNotFound is returned for an unknown recording.
var ErrNotFound = errors.New("recording not found")

// Channel is one device's part of a recording. Calibrated may be shorter
// than Raw when calibration was applied part way through.
type Channel struct {
	Address   string          `json:"address"`
	Slope     *float64        `json:"slope,omitempty"`
	Intercept *float64        `json:"intercept,omitempty"`
	Data      buffer.Snapshot `json:"data"`
}

// Recording summarises an archived recording.
type Recording struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	FrequencyHz int       `json:"frequency_hz"`
	CreatedAt   time.Time `json:"created_at"`
	Devices     []string  `json:"devices"`
	Samples     int       `json:"samples"`
}

// SaveRecording stores channels under a new recording ID in one transaction.
func (db *DB) SaveRecording(ctx context.Context, name string, frequencyHz int, createdAt time.Time, channels []Channel) (Recording, error) {
	rec := Recording{
		ID:          uuid.NewString(),
		Name:        name,
		FrequencyHz: frequencyHz,
		CreatedAt:   createdAt.UTC(),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Recording{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO recordings (recording_id, name, frequency_hz, created_unix_nano) VALUES (?, ?, ?, ?)`,
		rec.ID, name, frequencyHz, rec.CreatedAt.UnixNano(),
	); err != nil {
		return Recording{}, fmt.Errorf("failed to insert recording: %w", err)
	}

	sampleStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (recording_id, address, seq, time_ms, raw, calibrated) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Recording{}, fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer sampleStmt.Close()

	for _, ch := range channels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recording_devices (recording_id, address, slope, intercept) VALUES (?, ?, ?, ?)`,
			rec.ID, ch.Address, ch.Slope, ch.Intercept,
		); err != nil {
			return Recording{}, fmt.Errorf("failed to insert device %s: %w", ch.Address, err)
		}
		n := min(len(ch.Data.Time), len(ch.Data.Raw))
		for i := 0; i < n; i++ {
			var cal *float64
			if i < len(ch.Data.Calibrated) {
				cal = &ch.Data.Calibrated[i]
			}
			if _, err := sampleStmt.ExecContext(ctx, rec.ID, ch.Address, i, ch.Data.Time[i], ch.Data.Raw[i], cal); err != nil {
				return Recording{}, fmt.Errorf("failed to insert sample %d for %s: %w", i, ch.Address, err)
			}
		}
		rec.Devices = append(rec.Devices, ch.Address)
		rec.Samples += n
	}

	if err := tx.Commit(); err != nil {
		return Recording{}, fmt.Errorf("failed to commit recording: %w", err)
	}
	return rec, nil
}

const recordingSummary = `
	SELECT r.recording_id, r.name, r.frequency_hz, r.created_unix_nano,
		COALESCE((SELECT GROUP_CONCAT(address, ',' ORDER BY address)
			FROM recording_devices d WHERE d.recording_id = r.recording_id), ''),
		(SELECT COUNT(*) FROM samples s WHERE s.recording_id = r.recording_id)
	FROM recordings r`

func scanRecording(row interface{ Scan(...any) error }) (Recording, error) {
	var rec Recording
	var created int64
	var devices string
	if err := row.Scan(&rec.ID, &rec.Name, &rec.FrequencyHz, &created, &devices, &rec.Samples); err != nil {
		return Recording{}, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	if devices != "" {
		rec.Devices = strings.Split(devices, ",")
	}
	return rec, nil
}

// Recordings lists archived recordings, newest first.
func (db *DB) Recordings(ctx context.Context) ([]Recording, error) {
	rows, err := db.QueryContext(ctx, recordingSummary+` ORDER BY r.created_unix_nano DESC, r.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Recording returns one recording by ID.
func (db *DB) Recording(ctx context.Context, id string) (Recording, error) {
	rec, err := scanRecording(db.QueryRowContext(ctx, recordingSummary+` WHERE r.recording_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// LatestByName returns the most recent recording saved under name.
func (db *DB) LatestByName(ctx context.Context, name string) (Recording, error) {
	rec, err := scanRecording(db.QueryRowContext(ctx,
		recordingSummary+` WHERE r.name = ? ORDER BY r.created_unix_nano DESC LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec, err
}

// Channels loads every device's samples for a recording, ordered by address.
func (db *DB) Channels(ctx context.Context, id string) ([]Channel, error) {
	devRows, err := db.QueryContext(ctx,
		`SELECT address, slope, intercept FROM recording_devices WHERE recording_id = ? ORDER BY address`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	var channels []Channel
	index := map[string]int{}
	for devRows.Next() {
		var ch Channel
		var slope, intercept sql.NullFloat64
		if err := devRows.Scan(&ch.Address, &slope, &intercept); err != nil {
			devRows.Close()
			return nil, err
		}
		if slope.Valid {
			ch.Slope = &slope.Float64
		}
		if intercept.Valid {
			ch.Intercept = &intercept.Float64
		}
		index[ch.Address] = len(channels)
		channels = append(channels, ch)
	}
	devRows.Close()
	if err := devRows.Err(); err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		if _, err := db.Recording(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT address, time_ms, raw, calibrated FROM samples WHERE recording_id = ? ORDER BY address, seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		var t, raw float64
		var cal sql.NullFloat64
		if err := rows.Scan(&addr, &t, &raw, &cal); err != nil {
			return nil, err
		}
		d := &channels[index[addr]].Data
		d.Time = append(d.Time, t)
		d.Raw = append(d.Raw, raw)
		if cal.Valid {
			d.Calibrated = append(d.Calibrated, cal.Float64)
		}
	}
	return channels, rows.Err()
}

// DeleteRecording removes a recording and its samples.
func (db *DB) DeleteRecording(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM recordings WHERE recording_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
