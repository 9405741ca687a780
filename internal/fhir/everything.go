package fhir

import (
	"context"
	"time"
)

// $everything paging bounds.
const (
	EverythingDefaultCount = 50
	EverythingMaxCount     = 200
)

// clinicalDateFields are the date paths bounded by the start/end window of
// $everything.
var clinicalDateFields = []string{
	"effectiveDateTime",
	"issued",
	"recordedDate",
	"performedDateTime",
	"occurrenceDateTime",
	"authoredOn",
}

// EverythingRequest parameterizes Patient/$everything.
type EverythingRequest struct {
	PatientID string
	Types     []string // optional _type filter
	Start     *time.Time
	End       *time.Time
	Since     *time.Time
	Count     int
}

// EverythingSet is the first page of an $everything result: the Patient
// itself plus its related resources. Subsequent pages resume through the
// pagination token.
type EverythingSet struct {
	Patient KVPair
	Related []KVPair
	Total   int
	Token   string
	Count   int
}

// Everything harvests every resource related to one Patient across all
// mapped collections. Each collection contributes one FTS query matching
// patient/subject references, optionally windowed by clinical dates and
// meta.lastUpdated. Per-collection failures are logged and skipped; that
// collection contributes zero keys.
func (e *Engine) Everything(ctx context.Context, bucket string, req EverythingRequest) (*EverythingSet, error) {
	patientDoc, err := e.Read(ctx, bucket, "Patient", req.PatientID)
	if err != nil {
		return nil, err
	}
	patientKey := LiveKey("Patient", req.PatientID)

	count := req.Count
	if count <= 0 {
		count = EverythingDefaultCount
	}
	if count > EverythingMaxCount {
		count = EverythingMaxCount
	}

	collections, err := e.everythingCollections(req.Types)
	if err != nil {
		return nil, err
	}

	query := e.everythingQuery(patientKey, req)
	sorts := []SearchSort{{Field: "meta.lastUpdated", Descending: true}}

	var keys []string
	seen := map[string]bool{patientKey: true}
	for _, collection := range collections {
		index, ok := e.mapping.CollectionIndex(collection, bucket)
		if !ok {
			continue
		}
		result, err := e.store.Search(ctx, index, query, SearchOptions{Limit: e.keyCap, Sort: sorts})
		if err != nil {
			e.log.Warn().Err(err).
				Str("bucket", bucket).
				Str("collection", collection).
				Msg("$everything collection search failed, skipping")
			continue
		}
		for _, key := range result.Keys {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}

	set := &EverythingSet{
		Patient: KVPair{Key: patientKey, Value: patientDoc},
		Total:   len(keys) + 1,
		Count:   count,
	}

	page := keys
	if len(keys) > count {
		set.Token = e.pages.Register(bucket, keys, count)
		page = keys[:count]
	}

	related, err := e.fetchByType(ctx, bucket, page)
	if err != nil {
		return nil, err
	}
	set.Related = related
	return set, nil
}

// everythingCollections resolves the collection fan-out: all mapped
// collections (Versions and Tombstones are never mapped), optionally
// restricted by _type.
func (e *Engine) everythingCollections(types []string) ([]string, error) {
	if len(types) == 0 {
		return e.mapping.Collections(), nil
	}
	seen := map[string]bool{}
	var out []string
	for _, typ := range types {
		collection, err := e.mapping.TargetCollection(typ)
		if err != nil {
			return nil, err
		}
		if !seen[collection] {
			seen[collection] = true
			out = append(out, collection)
		}
	}
	return out, nil
}

func (e *Engine) everythingQuery(patientKey string, req EverythingRequest) SearchQuery {
	queries := []SearchQuery{
		DisjunctionQuery{Queries: []SearchQuery{
			TermQuery{Field: "patient.reference", Term: patientKey},
			TermQuery{Field: "subject.reference", Term: patientKey},
		}},
	}

	if req.Start != nil || req.End != nil {
		var dates []SearchQuery
		for _, field := range clinicalDateFields {
			dates = append(dates, DateRangeQuery{
				Field:          field,
				Start:          req.Start,
				End:            req.End,
				InclusiveStart: true,
				InclusiveEnd:   true,
			})
		}
		queries = append(queries, DisjunctionQuery{Queries: dates})
	}

	if req.Since != nil {
		queries = append(queries, DateRangeQuery{
			Field:          "meta.lastUpdated",
			Start:          req.Since,
			InclusiveStart: true,
		})
	}

	return Conjoin(queries...)
}

// ResumeEverything serves a later $everything page from its token. The
// state's bucket is authoritative; the caller's bucket resolution does not
// redirect an existing continuation.
func (e *Engine) ResumeEverything(ctx context.Context, bucket, token string, offset, count int) (*EverythingSet, error) {
	state, err := e.pages.Lookup(token)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = state.PageSize
	}
	if count > EverythingMaxCount {
		count = EverythingMaxCount
	}

	related, err := e.fetchByType(ctx, state.Bucket, state.Page(offset, count))
	if err != nil {
		return nil, err
	}
	return &EverythingSet{
		Related: related,
		Total:   len(state.Keys) + 1,
		Token:   state.Token,
		Count:   count,
	}, nil
}
