package meter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/itron-bridge/internal/infrastructure/database"
)

func openHistoryDB(t *testing.T) *History {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating database: %v", err)
	}
	return NewHistory(db)
}

func TestHistoryRecordAndRecent(t *testing.T) {
	h := openHistoryDB(t)
	ctx := context.Background()

	readings := []struct {
		sensor, value string
	}{
		{"value", "1200"},
		{"value", "1250"},
		{"TouTierA", "40"},
	}
	for _, r := range readings {
		if err := h.Record(ctx, "meter_a_123", "Instantaneous Demand", r.sensor, r.value); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := h.Recent(ctx, "meter_a_123", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d readings, want 3", len(got))
	}

	// Newest first: the TouTierA insert was last.
	if got[0].Sensor != "TouTierA" || got[0].Value != "40" {
		t.Errorf("newest reading = %+v", got[0])
	}
	for _, r := range got {
		if r.Meter != "meter_a_123" || r.Endpoint != "Instantaneous Demand" {
			t.Errorf("unexpected reading row: %+v", r)
		}
		if r.RecordedAt.IsZero() {
			t.Error("recorded_at should be populated")
		}
	}
}

func TestHistoryRecentScopedToMeter(t *testing.T) {
	h := openHistoryDB(t)
	ctx := context.Background()

	if err := h.Record(ctx, "meter_a_123", "Demand", "value", "1"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := h.Record(ctx, "meter_b_456", "Demand", "value", "2"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := h.Recent(ctx, "meter_a_123", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 || got[0].Value != "1" {
		t.Errorf("Recent() = %+v, want only meter_a_123 rows", got)
	}
}

func TestHistoryRecordValidation(t *testing.T) {
	h := openHistoryDB(t)

	if err := h.Record(context.Background(), "", "Demand", "value", "1"); err == nil {
		t.Error("Record() should reject an empty meter name")
	}
	if err := h.Record(context.Background(), "meter_a", "Demand", "", "1"); err == nil {
		t.Error("Record() should reject an empty sensor")
	}
}

func TestHistoryLimitCapped(t *testing.T) {
	h := openHistoryDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := h.Record(ctx, "meter_a_123", "Demand", "value", "1"); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := h.Recent(ctx, "meter_a_123", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Recent(limit=2) returned %d rows", len(got))
	}
}
