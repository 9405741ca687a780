package fhir

import (
	"context"
	"fmt"
	"time"
)

// Vread returns the archived version of a resource: a direct KV get in the
// Versions collection at Type/id/vid.
func (e *Engine) Vread(ctx context.Context, bucket, resourceType, id, versionID string) ([]byte, error) {
	if !e.mapping.IsSupported(resourceType) {
		return nil, UnsupportedTypeError(resourceType)
	}
	key := VersionKey(resourceType, id, versionID)
	doc, err := e.store.KVGet(ctx, bucket, ScopeResources, CollectionVersions, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return doc, nil
}

// History lists the versions of Type/id, newest first: the current live
// document followed by the archived versions found through the Versions
// index. The external bundle builder composes the history bundle from the
// returned pairs.
func (e *Engine) History(ctx context.Context, bucket, resourceType, id string, since *time.Time) ([]KVPair, error) {
	collection, err := e.mapping.TargetCollection(resourceType)
	if err != nil {
		return nil, err
	}

	var entries []KVPair
	liveKey := LiveKey(resourceType, id)
	live, err := e.store.KVGet(ctx, bucket, ScopeResources, collection, liveKey)
	switch {
	case err == nil:
		entries = append(entries, KVPair{Key: VersionKey(resourceType, id, RawVersionID(live)), Value: live})
	case !IsNotFound(err):
		return nil, err
	}

	index, ok := e.mapping.VersionsIndex(bucket)
	if !ok {
		return entries, nil
	}

	queries := []SearchQuery{
		TermQuery{Field: "resourceType", Term: resourceType},
		TermQuery{Field: "id", Term: id},
	}
	if since != nil {
		queries = append(queries, DateRangeQuery{
			Field:          "meta.lastUpdated",
			Start:          since,
			InclusiveStart: true,
		})
	}

	result, err := e.store.Search(ctx, index, Conjoin(queries...), SearchOptions{
		Limit: e.keyCap,
		Sort:  []SearchSort{{Field: "meta.lastUpdated", Descending: true}},
	})
	if err != nil {
		return nil, err
	}

	pairs, err := e.store.KVGetMany(ctx, bucket, ScopeResources, CollectionVersions, result.Keys)
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		if p.Value != nil {
			entries = append(entries, p)
		}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no history for %s", ErrNotFound, liveKey)
	}
	return entries, nil
}
