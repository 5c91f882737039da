package camdb

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "eventcam_test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBAppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if dirty {
		t.Error("fresh database reports dirty migration state")
	}
	if version == 0 {
		t.Error("expected at least one migration applied")
	}

	// The schema must actually exist.
	for _, table := range []string{"sessions", "special_events", "rate_samples", "polarity_samples"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestMigrateDownThenUp(t *testing.T) {
	db := openTestDB(t)

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp after down failed: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateSession("SER123", "Test DVS", 128, 128, true)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if id == "" {
		t.Fatal("CreateSession returned empty ID")
	}

	sessions, err := db.RecentSessions(10)
	if err != nil {
		t.Fatalf("RecentSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.ID != id || s.SerialNumber != "SER123" || s.SizeX != 128 || s.SizeY != 128 || !s.Master {
		t.Errorf("session row mismatch: %+v", s)
	}
	if s.EndedAt != nil {
		t.Error("open session should have nil EndedAt")
	}

	if err := db.EndSession(id, 42, 10000); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sessions, err = db.RecentSessions(10)
	if err != nil {
		t.Fatalf("RecentSessions after end failed: %v", err)
	}
	s = sessions[0]
	if s.EndedAt == nil {
		t.Error("ended session should have EndedAt set")
	}
	if s.Containers != 42 || s.Events != 10000 {
		t.Errorf("totals = (%d, %d), want (42, 10000)", s.Containers, s.Events)
	}
}

func TestSpecialEvents(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateSession("SER123", "Test DVS", 128, 128, true)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Insert out of timestamp order; the query must sort.
	if err := db.RecordSpecialEvent(id, 2000, 4, "external_input_pulse"); err != nil {
		t.Fatalf("RecordSpecialEvent failed: %v", err)
	}
	if err := db.RecordSpecialEvent(id, 1000, 1, "timestamp_reset"); err != nil {
		t.Fatalf("RecordSpecialEvent failed: %v", err)
	}

	events, err := db.SpecialEvents(id, 0)
	if err != nil {
		t.Fatalf("SpecialEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d special events, want 2", len(events))
	}
	if events[0].TimestampUs != 1000 || events[0].TypeName != "timestamp_reset" {
		t.Errorf("first event = %+v, want the timestamp_reset at 1000", events[0])
	}
	if events[1].TimestampUs != 2000 || events[1].EventType != 4 {
		t.Errorf("second event = %+v, want the pulse at 2000", events[1])
	}
}

func TestRateSamples(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateSession("SER123", "Test DVS", 128, 128, true)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now()
	for i := 0; i < 3; i++ {
		err := db.RecordRateSample(RateSample{
			SessionID:     id,
			SampledAt:     base.Add(time.Duration(i) * time.Second),
			Containers:    int64(10 + i),
			Bytes:         int64(1000 * (i + 1)),
			PolarityCount: int64(500 * (i + 1)),
			SpecialCount:  int64(i),
			EventsPerSec:  float64(500 * (i + 1)),
		})
		if err != nil {
			t.Fatalf("RecordRateSample %d failed: %v", i, err)
		}
	}

	samples, err := db.RateSamples(id, 0)
	if err != nil {
		t.Fatalf("RateSamples failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d rate samples, want 3", len(samples))
	}
	if samples[0].Containers != 10 || samples[2].Containers != 12 {
		t.Errorf("samples out of order: %+v", samples)
	}
}

func TestPolaritySampleBatch(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateSession("SER123", "Test DVS", 128, 128, true)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	samples := make([]PolaritySample, 100)
	for i := range samples {
		samples[i] = PolaritySample{
			SessionID:   id,
			TimestampUs: int64(i),
			X:           i % 128,
			Y:           (i * 7) % 128,
			Polarity:    i%2 == 0,
		}
	}
	if err := db.RecordPolaritySamples(id, samples); err != nil {
		t.Fatalf("RecordPolaritySamples failed: %v", err)
	}

	n, err := db.PolaritySampleCount(id)
	if err != nil {
		t.Fatalf("PolaritySampleCount failed: %v", err)
	}
	if n != 100 {
		t.Errorf("stored %d polarity samples, want 100", n)
	}

	// Empty batch is a no-op.
	if err := db.RecordPolaritySamples(id, nil); err != nil {
		t.Errorf("empty batch returned error: %v", err)
	}
}
