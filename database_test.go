package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPreferences(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	if _, found, err := db.Get(ctx, "alice", "theme"); err != nil || found {
		t.Fatalf("Get() on empty store = found %v, err %v", found, err)
	}

	if err := db.Set(ctx, "alice", "theme", "dark"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := db.Set(ctx, "alice", "theme", "light"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	if err := db.Set(ctx, "bob", "theme", "solarized"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if v, found, _ := db.Get(ctx, "alice", "theme"); !found || v != "light" {
		t.Errorf("alice theme = %q (found %v), want light", v, found)
	}
	if v, _, _ := db.Get(ctx, "bob", "theme"); v != "solarized" {
		t.Errorf("bob theme = %q", v)
	}

	var count int64
	db.db.Model(&Preference{}).Where("scope = ?", "alice").Count(&count)
	if count != 1 {
		t.Errorf("alice has %d rows, want 1", count)
	}

	if err := db.Remove(ctx, "alice", "theme"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, found, _ := db.Get(ctx, "alice", "theme"); found {
		t.Error("alice theme still present after Remove")
	}
	if _, found, _ := db.Get(ctx, "bob", "theme"); !found {
		t.Error("Remove leaked across users")
	}
	if err := db.Remove(ctx, "alice", "theme"); err != nil {
		t.Errorf("Remove() of missing key error = %v", err)
	}
}

func TestPreferencesDefaultScope(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	if err := db.Set(ctx, "", "layout", "compact"); err != nil {
		t.Fatal(err)
	}
	if v, found, _ := db.Get(ctx, defaultScope, "layout"); !found || v != "compact" {
		t.Errorf("anonymous value not stored under %q: %q", defaultScope, v)
	}
}

func TestMoverSnapshots(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 7, 14, 0, 0, 0, time.UTC)

	for i, sym := range []string{"OLD", "MID", "NEW"} {
		movers := &TopMovers{
			Gainers: []TickerQuote{{Symbol: sym, ChangePct: floatPtr(float64(i + 1))}},
			Losers:  []TickerQuote{},
			Source:  moversSourceSnapshot,
		}
		if err := db.SaveMoverSnapshot(ctx, base.Add(time.Duration(i)*30*time.Minute), movers); err != nil {
			t.Fatalf("SaveMoverSnapshot() error = %v", err)
		}
	}

	snaps, err := db.ListMoverSnapshots(ctx, 2)
	if err != nil {
		t.Fatalf("ListMoverSnapshots() error = %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Gainers[0].Symbol != "NEW" || snaps[1].Gainers[0].Symbol != "MID" {
		t.Errorf("order = %s, %s", snaps[0].Gainers[0].Symbol, snaps[1].Gainers[0].Symbol)
	}
	if snaps[0].Source != moversSourceSnapshot || !snaps[0].TakenAt.Equal(base.Add(time.Hour)) {
		t.Errorf("snapshot = %+v", snaps[0])
	}
}
