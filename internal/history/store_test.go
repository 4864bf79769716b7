package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_SaveAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &Record{
		TaskID:           "task-1",
		Description:      "Open Gmail",
		Outcome:          OutcomeCompleted,
		Message:          "Gmail is open",
		ActionsCompleted: 3,
		Steps:            2,
		Duration:         1500 * time.Millisecond,
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if rec.FinishedAt.IsZero() {
		t.Error("Save() should default FinishedAt")
	}

	got, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Description != rec.Description || got.Message != rec.Message || got.ActionsCompleted != 3 || got.Steps != 2 {
		t.Errorf("Get() = %+v", got)
	}
	if got.Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", got.Duration)
	}

	// A second terminal record for the same task is ignored
	if err := store.Save(ctx, &Record{TaskID: "task-1", Outcome: "timeout"}); err != nil {
		t.Fatalf("duplicate Save() error = %v", err)
	}
	got, _ = store.Get(ctx, "task-1")
	if got.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %q after duplicate save, want completed", got.Outcome)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
	if err := store.Save(ctx, &Record{}); err == nil {
		t.Error("Save() without task id should fail")
	}
}

func TestStore_ListAndStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []*Record{
		{TaskID: "a", Outcome: OutcomeCompleted, Duration: time.Second, FinishedAt: base},
		{TaskID: "b", Outcome: "timeout", Duration: 3 * time.Second, FinishedAt: base.Add(time.Minute)},
		{TaskID: "c", Outcome: OutcomeCompleted, Duration: 2 * time.Second, FinishedAt: base.Add(2 * time.Minute)},
		{TaskID: "d", Outcome: "cancelled", Duration: 2 * time.Second, FinishedAt: base.Add(3 * time.Minute)},
	}
	for _, r := range records {
		if err := store.Save(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"d", "c", "b", "a"}},
		{"by outcome", Filter{Outcome: OutcomeCompleted}, []string{"c", "a"}},
		{"since", Filter{Since: base.Add(2 * time.Minute)}, []string{"d", "c"}},
		{"limit", Filter{Limit: 1}, []string{"d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() returned %d records, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].TaskID != id {
					t.Errorf("List()[%d] = %s, want %s", i, got[i].TaskID, id)
				}
			}
		})
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 4 || stats.ByOutcome[OutcomeCompleted] != 2 || stats.ByOutcome["timeout"] != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", stats.SuccessRate)
	}
	if stats.AvgDurationMs != 2000 {
		t.Errorf("AvgDurationMs = %v, want 2000", stats.AvgDurationMs)
	}
	if stats.LastFinishedAt == nil || !stats.LastFinishedAt.Equal(base.Add(3*time.Minute)) {
		t.Errorf("LastFinishedAt = %v", stats.LastFinishedAt)
	}
}

func TestStore_StatsEmpty(t *testing.T) {
	stats, err := openTestStore(t).Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 0 || stats.LastFinishedAt != nil {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestStore_PruneAndSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour} {
		rec := &Record{TaskID: "task-" + string(rune('a'+i)), Outcome: OutcomeCompleted, FinishedAt: now.Add(-age)}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Prune() removed %d, want 2", removed)
	}

	path := filepath.Join(t.TempDir(), "copy.db")
	if err := store.Snapshot(ctx, path); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	copied, err := Open(path)
	if err != nil {
		t.Fatalf("Open(snapshot) error = %v", err)
	}
	defer func() { _ = copied.Close() }()

	records, err := copied.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].TaskID != "task-c" {
		t.Errorf("snapshot records = %+v", records)
	}
}
