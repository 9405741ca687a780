package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeStore is an in-memory Store for engine tests. Documents live in nested
// maps, FTS queries are evaluated directly against decoded documents, and
// transactions stage their writes until commit.
type fakeStore struct {
	mu      sync.Mutex
	docs    map[string][]byte            // docKey(bucket,scope,collection,key) -> doc
	indexes map[string]fakeIndex         // fully qualified index -> definition
	searchE map[string]error             // index -> injected search failure
	txErr   error                        // injected transaction failure

	lastQueryReadOnly bool
}

type fakeIndex struct {
	bucket      string
	collections []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:    map[string][]byte{},
		indexes: map[string]fakeIndex{},
		searchE: map[string]error{},
	}
}

func docKey(bucket, scope, collection, key string) string {
	return bucket + "|" + scope + "|" + collection + "|" + key
}

func (f *fakeStore) registerIndex(index, bucket string, collections ...string) {
	f.indexes[index] = fakeIndex{bucket: bucket, collections: collections}
}

func (f *fakeStore) put(bucket, scope, collection, key string, doc []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[docKey(bucket, scope, collection, key)] = doc
}

func (f *fakeStore) has(bucket, scope, collection, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[docKey(bucket, scope, collection, key)]
	return ok
}

func (f *fakeStore) KVGet(ctx context.Context, bucket, scope, collection, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[docKey(bucket, scope, collection, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return doc, nil
}

func (f *fakeStore) KVGetMany(ctx context.Context, bucket, scope, collection string, keys []string) ([]KVPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pairs := make([]KVPair, len(keys))
	for i, key := range keys {
		pairs[i].Key = key
		if doc, ok := f.docs[docKey(bucket, scope, collection, key)]; ok {
			pairs[i].Value = doc
		}
	}
	return pairs, nil
}

func (f *fakeStore) KVUpsert(ctx context.Context, bucket, scope, collection, key string, doc []byte) error {
	f.put(bucket, scope, collection, key, doc)
	return nil
}

func (f *fakeStore) KVInsert(ctx context.Context, bucket, scope, collection, key string, doc []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := docKey(bucket, scope, collection, key)
	if _, ok := f.docs[k]; ok {
		return fmt.Errorf("%w: %s already exists", ErrConflict, key)
	}
	f.docs[k] = doc
	return nil
}

func (f *fakeStore) KVRemove(ctx context.Context, bucket, scope, collection, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := docKey(bucket, scope, collection, key)
	if _, ok := f.docs[k]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(f.docs, k)
	return nil
}

// Query only understands the tombstone existence template.
func (f *fakeStore) Query(ctx context.Context, bucket, statement string, params []interface{}, readOnly bool) ([][]byte, error) {
	f.mu.Lock()
	f.lastQueryReadOnly = readOnly
	f.mu.Unlock()
	if !strings.Contains(statement, CollectionTombstones) {
		return nil, fmt.Errorf("fake store: unsupported statement %q", statement)
	}
	key, _ := params[0].(string)
	count := 0
	if f.has(bucket, ScopeResources, CollectionTombstones, key) {
		count = 1
	}
	return [][]byte{[]byte(fmt.Sprintf(`{"count":%d}`, count))}, nil
}

func (f *fakeStore) Search(ctx context.Context, index string, query SearchQuery, opts SearchOptions) (*SearchResult, error) {
	if err := f.searchE[index]; err != nil {
		return nil, err
	}
	def, ok := f.indexes[index]
	if !ok {
		return nil, fmt.Errorf("fake store: unknown index %q", index)
	}

	f.mu.Lock()
	type hit struct {
		key string
		doc map[string]interface{}
	}
	var hits []hit
	for _, collection := range def.collections {
		prefix := docKey(def.bucket, ScopeResources, collection, "")
		for k, doc := range f.docs {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			var m map[string]interface{}
			if err := json.Unmarshal(doc, &m); err != nil {
				continue
			}
			if evalQuery(m, query) {
				hits = append(hits, hit{key: strings.TrimPrefix(k, prefix), doc: m})
			}
		}
	}
	f.mu.Unlock()

	if len(opts.Sort) > 0 {
		s := opts.Sort[0]
		sort.SliceStable(hits, func(i, j int) bool {
			a := firstPathValue(hits[i].doc, s.Field)
			b := firstPathValue(hits[j].doc, s.Field)
			if s.Descending {
				return a > b
			}
			return a < b
		})
	} else {
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].key < hits[j].key })
	}

	total := uint64(len(hits))
	if opts.Skip > 0 {
		if opts.Skip >= len(hits) {
			hits = nil
		} else {
			hits = hits[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}

	result := &SearchResult{TotalRows: total, Took: time.Millisecond}
	for _, h := range hits {
		result.Keys = append(result.Keys, h.key)
	}
	return result, nil
}

func (f *fakeStore) RunTransaction(ctx context.Context, bucket string, fn func(tx Tx) error) error {
	if f.txErr != nil {
		return f.txErr
	}
	tx := &fakeTx{store: f, bucket: bucket, staged: map[string]*[]byte{}}
	if err := fn(tx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, doc := range tx.staged {
		if doc == nil {
			delete(f.docs, k)
			continue
		}
		f.docs[k] = *doc
	}
	return nil
}

// fakeTx stages mutations against the shared doc map and applies them on
// commit, discarding everything when fn errors.
type fakeTx struct {
	store  *fakeStore
	bucket string
	staged map[string]*[]byte
}

func (t *fakeTx) lookup(scope, collection, key string) ([]byte, bool) {
	k := docKey(t.bucket, scope, collection, key)
	if doc, ok := t.staged[k]; ok {
		if doc == nil {
			return nil, false
		}
		return *doc, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	doc, ok := t.store.docs[k]
	return doc, ok
}

func (t *fakeTx) Get(scope, collection, key string) ([]byte, bool, error) {
	doc, ok := t.lookup(scope, collection, key)
	return doc, ok, nil
}

func (t *fakeTx) Insert(scope, collection, key string, doc []byte) error {
	if _, ok := t.lookup(scope, collection, key); ok {
		return fmt.Errorf("%w: %s already exists", ErrConflict, key)
	}
	t.staged[docKey(t.bucket, scope, collection, key)] = &doc
	return nil
}

func (t *fakeTx) Replace(scope, collection, key string, doc []byte) error {
	if _, ok := t.lookup(scope, collection, key); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	t.staged[docKey(t.bucket, scope, collection, key)] = &doc
	return nil
}

func (t *fakeTx) Remove(scope, collection, key string) error {
	if _, ok := t.lookup(scope, collection, key); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	t.staged[docKey(t.bucket, scope, collection, key)] = nil
	return nil
}

// evalQuery interprets the query tree against one decoded document.
func evalQuery(doc map[string]interface{}, q SearchQuery) bool {
	switch query := q.(type) {
	case MatchAllQuery:
		return true
	case TermQuery:
		for _, v := range pathValues(doc, query.Field) {
			if v == query.Term {
				return true
			}
		}
		return false
	case MatchQuery:
		needle := strings.ToLower(query.Match)
		for _, v := range pathValues(doc, query.Field) {
			if strings.Contains(strings.ToLower(v), needle) {
				return true
			}
		}
		return false
	case DateRangeQuery:
		for _, v := range pathValues(doc, query.Field) {
			t, err := parseAnyDate(v)
			if err != nil {
				continue
			}
			if inDateRange(t, query) {
				return true
			}
		}
		return false
	case ConjunctionQuery:
		for _, sub := range query.Queries {
			if !evalQuery(doc, sub) {
				return false
			}
		}
		return true
	case DisjunctionQuery:
		for _, sub := range query.Queries {
			if evalQuery(doc, sub) {
				return true
			}
		}
		return false
	}
	return false
}

func inDateRange(t time.Time, q DateRangeQuery) bool {
	if q.Start != nil {
		if q.InclusiveStart {
			if t.Before(*q.Start) {
				return false
			}
		} else if !t.After(*q.Start) {
			return false
		}
	}
	if q.End != nil {
		if q.InclusiveEnd {
			if t.After(*q.End) {
				return false
			}
		} else if !t.Before(*q.End) {
			return false
		}
	}
	return true
}

func parseAnyDate(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", v)
}

// pathValues collects the string values at a dotted path, flattening arrays
// at every level.
func pathValues(v interface{}, path string) []string {
	segments := strings.Split(path, ".")
	var out []string
	collect(v, segments, &out)
	return out
}

func collect(v interface{}, segments []string, out *[]string) {
	switch val := v.(type) {
	case []interface{}:
		for _, item := range val {
			collect(item, segments, out)
		}
	case map[string]interface{}:
		if len(segments) == 0 {
			return
		}
		if child, ok := val[segments[0]]; ok {
			collect(child, segments[1:], out)
		}
	case string:
		if len(segments) == 0 {
			*out = append(*out, val)
		}
	case float64:
		if len(segments) == 0 {
			*out = append(*out, fmt.Sprintf("%v", val))
		}
	case bool:
		if len(segments) == 0 {
			*out = append(*out, fmt.Sprintf("%v", val))
		}
	}
}

func firstPathValue(doc map[string]interface{}, path string) string {
	values := pathValues(doc, path)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
