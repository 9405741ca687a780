package fhir

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedVersion(t *testing.T, store *fakeStore, resourceType, id, vid, lastUpdated string) {
	t.Helper()
	doc := mustJSON(t, map[string]interface{}{
		"resourceType": resourceType,
		"id":           id,
		"meta":         map[string]interface{}{"versionId": vid, "lastUpdated": lastUpdated},
	})
	store.put(testBucket, ScopeResources, CollectionVersions, VersionKey(resourceType, id, vid), doc)
}

func TestVread(t *testing.T) {
	engine, store := newTestEngine(t)
	seedVersion(t, store, "Patient", "p1", "2", "2026-01-02T00:00:00Z")

	doc, err := engine.Vread(context.Background(), testBucket, "Patient", "p1", "2")
	if err != nil {
		t.Fatalf("Vread: %v", err)
	}
	if RawVersionID(doc) != "2" {
		t.Errorf("versionId = %q, want 2", RawVersionID(doc))
	}
}

func TestVreadMissingVersion(t *testing.T) {
	engine, store := newTestEngine(t)
	seedResource(t, store, map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
		"meta": map[string]interface{}{"versionId": "3"},
	})

	_, err := engine.Vread(context.Background(), testBucket, "Patient", "p1", "2")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestVreadUnsupportedType(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Vread(context.Background(), testBucket, "Basic", "b1", "1")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestHistoryLiveFirstThenArchived(t *testing.T) {
	engine, store := newTestEngine(t)
	seedResource(t, store, map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
		"meta": map[string]interface{}{"versionId": "3", "lastUpdated": "2026-01-03T00:00:00Z"},
	})
	seedVersion(t, store, "Patient", "p1", "1", "2026-01-01T00:00:00Z")
	seedVersion(t, store, "Patient", "p1", "2", "2026-01-02T00:00:00Z")
	// Another resource's versions never bleed in.
	seedVersion(t, store, "Patient", "other", "1", "2026-01-05T00:00:00Z")

	entries, err := engine.History(context.Background(), testBucket, "Patient", "p1", nil)
	if err != nil {
		t.Fatalf("History: %v", err)
	}

	wantKeys := []string{"Patient/p1/3", "Patient/p1/2", "Patient/p1/1"}
	if len(entries) != len(wantKeys) {
		t.Fatalf("entries = %d, want %d", len(entries), len(wantKeys))
	}
	for i, want := range wantKeys {
		if entries[i].Key != want {
			t.Errorf("entry %d key = %q, want %q", i, entries[i].Key, want)
		}
	}
}

func TestHistoryDeletedResource(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedResource(t, store, map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
		"meta": map[string]interface{}{"versionId": "2", "lastUpdated": "2026-01-02T00:00:00Z"},
	})
	seedVersion(t, store, "Patient", "p1", "1", "2026-01-01T00:00:00Z")
	if _, err := engine.Delete(ctx, FreshTx(store, testBucket), "Patient", "p1", ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// No live entry remains; the archive still lists every version.
	entries, err := engine.History(ctx, testBucket, "Patient", "p1", nil)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Key != "Patient/p1/2" {
		t.Errorf("first entry = %q, want Patient/p1/2", entries[0].Key)
	}
}

func TestHistorySince(t *testing.T) {
	engine, store := newTestEngine(t)
	seedResource(t, store, map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
		"meta": map[string]interface{}{"versionId": "3", "lastUpdated": "2026-03-01T00:00:00Z"},
	})
	seedVersion(t, store, "Patient", "p1", "1", "2026-01-01T00:00:00Z")
	seedVersion(t, store, "Patient", "p1", "2", "2026-02-01T00:00:00Z")

	since := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	entries, err := engine.History(context.Background(), testBucket, "Patient", "p1", &since)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (live + v2)", len(entries))
	}
	for _, e := range entries {
		if e.Key == "Patient/p1/1" {
			t.Error("version before _since leaked into history")
		}
	}
}

func TestHistoryUnknownResource(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.History(context.Background(), testBucket, "Patient", "nobody", nil)
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
