package fhir

import (
	"context"
	"errors"
	"testing"
)

func TestPostAssignsIDAndMeta(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	resource := map[string]interface{}{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": "Chalmers"}},
	}
	result, err := engine.Post(ctx, FreshTx(store, testBucket), resource, "")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if result.ID == "" {
		t.Fatal("Post assigned no id")
	}
	if result.VersionID != "1" {
		t.Errorf("versionId = %q, want 1", result.VersionID)
	}
	if !result.Created {
		t.Error("Created = false, want true")
	}

	doc, err := store.KVGet(ctx, testBucket, ScopeResources, "Patient", result.Key)
	if err != nil {
		t.Fatalf("stored doc missing: %v", err)
	}
	if RawVersionID(doc) != "1" {
		t.Errorf("stored versionId = %q, want 1", RawVersionID(doc))
	}
	if RawLastUpdated(doc) == "" {
		t.Error("stored doc has no lastUpdated")
	}
}

func TestPostStandaloneIgnoresBodyID(t *testing.T) {
	engine, store := newTestEngine(t)

	resource := map[string]interface{}{"resourceType": "Patient", "id": "client-chosen"}
	result, err := engine.Post(context.Background(), FreshTx(store, testBucket), resource, "")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if result.ID == "client-chosen" {
		t.Error("standalone create kept the client-supplied id")
	}
	if store.has(testBucket, ScopeResources, "Patient", "Patient/client-chosen") {
		t.Error("document stored under the client-supplied key")
	}
}

// The bundle processor keeps an id the urn:uuid pre-pass pinned.
func TestPostPinnedIDKept(t *testing.T) {
	engine, store := newTestEngine(t)

	resource := map[string]interface{}{"resourceType": "Patient", "id": "pinned"}
	result, err := engine.post(context.Background(), FreshTx(store, testBucket), resource, "", true)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Key != "Patient/pinned" {
		t.Errorf("key = %q, want Patient/pinned", result.Key)
	}
	if !store.has(testBucket, ScopeResources, "Patient", "Patient/pinned") {
		t.Error("document not stored under the pinned key")
	}
}

func TestPostRejectsTombstonedID(t *testing.T) {
	engine, store := newTestEngine(t)
	store.put(testBucket, ScopeResources, CollectionTombstones, "Patient/dead",
		mustJSON(t, map[string]interface{}{"id": "dead"}))

	resource := map[string]interface{}{"resourceType": "Patient", "id": "dead"}
	_, err := engine.Post(context.Background(), FreshTx(store, testBucket), resource, "")
	if !IsGone(err) {
		t.Fatalf("err = %v, want ErrGone", err)
	}
}

func TestPutCreatesWhenAbsent(t *testing.T) {
	engine, store := newTestEngine(t)

	resource := map[string]interface{}{"gender": "female"}
	result, err := engine.Put(context.Background(), FreshTx(store, testBucket), "Patient", "p9", resource)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !result.Created {
		t.Error("Created = false, want true")
	}
	if result.VersionID != "1" {
		t.Errorf("versionId = %q, want 1", result.VersionID)
	}
	if store.has(testBucket, ScopeResources, CollectionVersions, "Patient/p9/1") {
		t.Error("create archived a version, want no archive")
	}
}

func TestPutArchivesAndIncrements(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedResource(t, store, map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"gender":       "male",
		"meta":         map[string]interface{}{"versionId": "2"},
	})

	result, err := engine.Put(ctx, FreshTx(store, testBucket), "Patient", "p1", map[string]interface{}{"gender": "other"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if result.Created {
		t.Error("Created = true, want false")
	}
	if result.VersionID != "3" {
		t.Errorf("versionId = %q, want 3", result.VersionID)
	}

	archived, err := store.KVGet(ctx, testBucket, ScopeResources, CollectionVersions, "Patient/p1/2")
	if err != nil {
		t.Fatalf("prior version not archived: %v", err)
	}
	if RawVersionID(archived) != "2" {
		t.Errorf("archived versionId = %q, want 2", RawVersionID(archived))
	}

	live, _ := store.KVGet(ctx, testBucket, ScopeResources, "Patient", "Patient/p1")
	if RawVersionID(live) != "3" {
		t.Errorf("live versionId = %q, want 3", RawVersionID(live))
	}
}

func TestPutRejectsTombstonedID(t *testing.T) {
	engine, store := newTestEngine(t)
	store.put(testBucket, ScopeResources, CollectionTombstones, "Patient/dead",
		mustJSON(t, map[string]interface{}{"id": "dead"}))

	_, err := engine.Put(context.Background(), FreshTx(store, testBucket), "Patient", "dead", map[string]interface{}{})
	if !IsGone(err) {
		t.Fatalf("err = %v, want ErrGone", err)
	}
}

func TestPutRequiresID(t *testing.T) {
	engine, store := newTestEngine(t)
	_, err := engine.Put(context.Background(), FreshTx(store, testBucket), "Patient", "", map[string]interface{}{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestDeleteArchivesTombstonesAndRemoves(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedResource(t, store, map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"meta":         map[string]interface{}{"versionId": "5"},
	})

	result, err := engine.Delete(ctx, FreshTx(store, testBucket), "Patient", "p1", "cleanup")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !result.Deleted {
		t.Error("Deleted = false, want true")
	}
	if result.LastVersionID != "5" {
		t.Errorf("LastVersionID = %q, want 5", result.LastVersionID)
	}

	if store.has(testBucket, ScopeResources, "Patient", "Patient/p1") {
		t.Error("live document still present after delete")
	}
	if !store.has(testBucket, ScopeResources, CollectionVersions, "Patient/p1/5") {
		t.Error("deleted document was not archived")
	}

	raw, err := store.KVGet(ctx, testBucket, ScopeResources, CollectionTombstones, "Patient/p1")
	if err != nil {
		t.Fatalf("tombstone missing: %v", err)
	}
	var ts Tombstone
	if err := unmarshalRow(raw, &ts); err != nil {
		t.Fatalf("decode tombstone: %v", err)
	}
	if ts.LastVersionID != "5" || ts.Reason != "cleanup" || !ts.Restorable {
		t.Errorf("tombstone = %+v", ts)
	}

	// Reads now report Gone rather than NotFound.
	if _, err := engine.Read(ctx, testBucket, "Patient", "p1"); !IsGone(err) {
		t.Errorf("Read after delete: err = %v, want ErrGone", err)
	}
}

func TestDeleteAbsentIsNoOp(t *testing.T) {
	engine, store := newTestEngine(t)

	result, err := engine.Delete(context.Background(), FreshTx(store, testBucket), "Patient", "nobody", "")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if result.Deleted {
		t.Error("Deleted = true, want false for absent id")
	}
	if store.has(testBucket, ScopeResources, CollectionTombstones, "Patient/nobody") {
		t.Error("no-op delete wrote a tombstone")
	}
}

func TestDeleteRepeatedKeepsOriginalTombstone(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedResource(t, store, map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
		"meta": map[string]interface{}{"versionId": "1"},
	})

	if _, err := engine.Delete(ctx, FreshTx(store, testBucket), "Patient", "p1", "first"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	original, _ := store.KVGet(ctx, testBucket, ScopeResources, CollectionTombstones, "Patient/p1")

	result, err := engine.Delete(ctx, FreshTx(store, testBucket), "Patient", "p1", "second")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if result.Deleted {
		t.Error("second delete reported Deleted = true")
	}

	after, _ := store.KVGet(ctx, testBucket, ScopeResources, CollectionTombstones, "Patient/p1")
	if string(after) != string(original) {
		t.Error("repeated delete rewrote the tombstone")
	}
}
