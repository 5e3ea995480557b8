package meter

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/itron-bridge/internal/infrastructure/database"
)

// History query limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Reading is one recorded sensor value.
type Reading struct {
	Meter      string
	Endpoint   string
	Sensor     string
	Value      string
	RecordedAt time.Time
}

// History is the local SQLite reading store. It implements ReadingSink,
// appending every routed reading to the reading_history table.
type History struct {
	db *database.DB
}

// NewHistory creates a reading history store over an open database.
// The database must already be migrated.
func NewHistory(db *database.DB) *History {
	return &History{db: db}
}

// Record appends one reading.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - meterName: Sanitized meter name
//   - endpoint: Endpoint display name
//   - sensor: Flattened reading key
//   - value: Raw scalar value as published
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (h *History) Record(ctx context.Context, meterName, endpoint, sensor, value string) error {
	if meterName == "" || sensor == "" {
		return fmt.Errorf("meter name and sensor are required")
	}

	_, err := h.db.ExecContext(ctx,
		"INSERT INTO reading_history (meter, endpoint, sensor, value) VALUES (?, ?, ?, ?)",
		meterName, endpoint, sensor, value,
	)
	if err != nil {
		return fmt.Errorf("recording reading: %w", err)
	}
	return nil
}

// Recent returns a meter's readings, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - meterName: Sanitized meter name
//   - limit: Maximum rows; 0 means the default, capped at maxHistoryLimit
//
// Returns:
//   - []Reading: Readings in reverse chronological order
//   - error: nil on success
func (h *History) Recent(ctx context.Context, meterName string, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := h.db.QueryContext(ctx, `
SELECT meter, endpoint, sensor, value, recorded_at
FROM reading_history
WHERE meter = ?
ORDER BY recorded_at DESC, id DESC
LIMIT ?`, meterName, limit)
	if err != nil {
		return nil, fmt.Errorf("querying reading history: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var readings []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.Meter, &r.Endpoint, &r.Sensor, &r.Value, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}

	return readings, nil
}
