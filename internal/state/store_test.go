package state

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/magicstartrace/micloud-bridge/internal/micloud"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_LoadEmpty(t *testing.T) {
	store := setupTestStore(t)

	snaps, ledger, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("expected no snapshots, got %v", snaps)
	}
	if len(ledger) != 0 {
		t.Errorf("expected empty ledger, got %v", ledger)
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := setupTestStore(t)

	lat, lon := 39.901, 116.406
	battery := 67
	snaps := []micloud.Snapshot{
		{IMEI: "86000002", Model: "Redmi Note 8", Status: "offline"},
		{
			IMEI: "86000001", Model: "Mi 9", Status: "online",
			Battery: &battery, Latitude: &lat, Longitude: &lon,
			CoordinateType: "google", LocationTimestampMS: 1717500000000,
		},
	}
	ledger := map[string]int64{"86000001": 1717500000000}

	if err := store.Save(snaps, ledger); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, gotLedger, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(got))
	}
	// Order survives the round trip.
	if got[0].IMEI != "86000002" || got[1].IMEI != "86000001" {
		t.Errorf("order = %s, %s", got[0].IMEI, got[1].IMEI)
	}
	if got[1].Battery == nil || *got[1].Battery != 67 {
		t.Errorf("battery = %v", got[1].Battery)
	}
	if got[1].Latitude == nil || *got[1].Latitude != 39.901 {
		t.Errorf("latitude = %v", got[1].Latitude)
	}
	if gotLedger["86000001"] != 1717500000000 {
		t.Errorf("ledger = %v", gotLedger)
	}
}

func TestStore_SaveReplacesWholesale(t *testing.T) {
	store := setupTestStore(t)

	first := []micloud.Snapshot{
		{IMEI: "86000001", Model: "Mi 9"},
		{IMEI: "86000002", Model: "Redmi Note 8"},
	}
	if err := store.Save(first, map[string]int64{"86000001": 100}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A shrunk fleet replaces the stored set; the ledger keeps entries
	// for devices that left it.
	second := []micloud.Snapshot{{IMEI: "86000002", Model: "Redmi Note 8"}}
	if err := store.Save(second, map[string]int64{"86000002": 200}); err != nil {
		t.Fatalf("save: %v", err)
	}

	snaps, ledger, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snaps) != 1 || snaps[0].IMEI != "86000002" {
		t.Errorf("snapshots = %+v", snaps)
	}
	if ledger["86000001"] != 100 || ledger["86000002"] != 200 {
		t.Errorf("ledger = %v", ledger)
	}
}
