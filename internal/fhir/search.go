package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SearchRequest is a compiled-down search: criteria plus the control
// parameters the engine honors. Count < 0 means "not supplied".
type SearchRequest struct {
	ResourceType string
	Criteria     map[string]string
	Includes     []string
	RevIncludes  []string

	Count    int
	Sort     string
	Summary  string // true|false|text|data|count
	Elements []string
	Total    string // none|estimate|accurate

	// Token/Offset resume a previous result through its pagination state.
	Token  string
	Offset int
}

// SearchSet is the engine-side result of a search: raw primary and included
// documents plus pagination facts. Bundle assembly happens in the fast
// bundle writer.
type SearchSet struct {
	Primaries []KVPair
	Includes  []KVPair
	Total     int
	Token     string
	Offset    int
	Count     int
}

// Search executes the phases of a FHIR search: compile criteria, run the FTS
// phase for ordered keys, cut a page (registering pagination state when the
// result exceeds it), batch-fetch the page from KV, and expand includes.
func (e *Engine) Search(ctx context.Context, bucket string, req SearchRequest) (*SearchSet, error) {
	if req.Token != "" {
		return e.resumePage(ctx, req)
	}

	count := clampCount(req.Count)

	query, err := e.CompileCriteria(req.ResourceType, req.Criteria)
	if err != nil {
		return nil, err
	}
	sorts, err := e.CompileSort(req.ResourceType, req.Sort)
	if err != nil {
		return nil, err
	}
	if len(sorts) == 0 {
		// Pagination continuity needs a deterministic key order.
		sorts = []SearchSort{{Field: "meta.lastUpdated", Descending: true}}
	}

	index, ok := e.mapping.SearchIndex(req.ResourceType, bucket)
	if !ok {
		return nil, fmt.Errorf("%w: no search index for %s", ErrValidation, req.ResourceType)
	}

	result, err := e.store.Search(ctx, index, query, SearchOptions{Limit: e.keyCap, Sort: sorts})
	if err != nil {
		return nil, err
	}

	total := int(result.TotalRows)
	if total < len(result.Keys) {
		total = len(result.Keys)
	}

	// Count-only short circuit: _summary=count, or accurate total with an
	// explicit _count=0.
	if req.Summary == "count" || (req.Total == "accurate" && req.Count == 0) {
		return &SearchSet{Total: total, Count: count}, nil
	}

	keys := result.Keys
	set := &SearchSet{Total: total, Count: count}
	if len(keys) > count {
		set.Token = e.pages.Register(bucket, keys, count)
		keys = keys[:count]
	}

	if err := e.fillPage(ctx, bucket, req, keys, set); err != nil {
		return nil, err
	}
	return set, nil
}

// resumePage serves a page out of a registered pagination state. The state's
// key list is fixed and the state's bucket is authoritative, regardless of the
// bucket the continuation request resolved to. Resources may have changed
// underneath the keys, so keys that no longer resolve are dropped from the
// page.
func (e *Engine) resumePage(ctx context.Context, req SearchRequest) (*SearchSet, error) {
	state, err := e.pages.Lookup(req.Token)
	if err != nil {
		return nil, err
	}

	count := req.Count
	if count <= 0 {
		count = state.PageSize
	}
	count = clampCount(count)

	keys := state.Page(req.Offset, count)
	set := &SearchSet{
		Total:  len(state.Keys),
		Token:  state.Token,
		Offset: req.Offset,
		Count:  count,
	}
	if err := e.fillPage(ctx, state.Bucket, req, keys, set); err != nil {
		return nil, err
	}
	return set, nil
}

// fillPage batch-fetches the page keys, expands includes, and applies any
// serializer-visible filters.
func (e *Engine) fillPage(ctx context.Context, bucket string, req SearchRequest, keys []string, set *SearchSet) error {
	primaries, err := e.fetchByType(ctx, bucket, keys)
	if err != nil {
		return err
	}

	if len(req.Includes) > 0 || len(req.RevIncludes) > 0 {
		includes, err := e.expandIncludes(ctx, bucket, req.ResourceType, primaries, req.Includes, req.RevIncludes)
		if err != nil {
			return err
		}
		set.Includes = includes
	}

	if len(req.Elements) > 0 || req.Summary == "text" || req.Summary == "data" || req.Summary == "true" {
		primaries = filterDocs(primaries, req.Elements, req.Summary)
		set.Includes = filterDocs(set.Includes, req.Elements, req.Summary)
	}
	set.Primaries = primaries
	return nil
}

// fetchByType groups keys by resource type, issues one bounded batch KV fetch
// per target collection, and reassembles the results in input order. A key
// whose fetch failed or whose document is gone is dropped; the rest of the
// page still forms the response.
func (e *Engine) fetchByType(ctx context.Context, bucket string, keys []string) ([]KVPair, error) {
	byCollection := make(map[string][]string)
	for _, key := range keys {
		resourceType, _, ok := SplitKey(key)
		if !ok {
			continue
		}
		collection, err := e.mapping.TargetCollection(resourceType)
		if err != nil {
			e.log.Warn().Str("key", key).Msg("unmapped key in page, dropping")
			continue
		}
		byCollection[collection] = append(byCollection[collection], key)
	}

	fetched := make(map[string][]byte, len(keys))
	for collection, collKeys := range byCollection {
		pairs, err := e.store.KVGetMany(ctx, bucket, ScopeResources, collection, collKeys)
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			if p.Value != nil {
				fetched[p.Key] = p.Value
			}
		}
	}

	out := make([]KVPair, 0, len(keys))
	for _, key := range keys {
		if doc, ok := fetched[key]; ok {
			out = append(out, KVPair{Key: key, Value: doc})
		}
	}
	return out, nil
}

// SplitKey parses a live document key "Type/id".
func SplitKey(key string) (resourceType, id string, ok bool) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func clampCount(count int) int {
	if count < 0 {
		return DefaultPageSize
	}
	if count > MaxPageSize {
		return MaxPageSize
	}
	return count
}

// filterDocs applies _elements and _summary to stored documents. These
// filters force a decode/re-encode, so the zero-copy path is bypassed only
// when a caller asks for them.
func filterDocs(pairs []KVPair, elements []string, summary string) []KVPair {
	out := make([]KVPair, 0, len(pairs))
	for _, p := range pairs {
		doc := applyDocFilter(p.Value, elements, summary)
		out = append(out, KVPair{Key: p.Key, Value: doc})
	}
	return out
}

func applyDocFilter(doc []byte, elements []string, summary string) []byte {
	var m map[string]interface{}
	if err := json.Unmarshal(doc, &m); err != nil {
		return doc
	}

	switch summary {
	case "text":
		// Narrative plus the mandatory skeleton.
		m = retainFields(m, []string{"text"})
	case "data", "true":
		// Without structure definitions the per-type summary element set is
		// unknown, so _summary=true approximates _summary=data and drops only
		// the narrative.
		delete(m, "text")
	}

	if len(elements) > 0 {
		m = retainFields(m, elements)
	}

	filtered, err := json.Marshal(m)
	if err != nil {
		return doc
	}
	return filtered
}

// retainFields keeps the listed top-level fields; id, resourceType, and meta
// are always retained.
func retainFields(m map[string]interface{}, fields []string) map[string]interface{} {
	keep := map[string]bool{"id": true, "resourceType": true, "meta": true}
	for _, f := range fields {
		if root := strings.SplitN(strings.TrimSpace(f), ".", 2)[0]; root != "" {
			keep[root] = true
		}
	}
	out := make(map[string]interface{}, len(keep))
	for k, v := range m {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}
