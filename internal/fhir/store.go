package fhir

import (
	"context"
	"time"
)

// Collection layout shared by every bucket.
const (
	ScopeResources = "Resources"
	ScopeAdmin     = "Admin"

	CollectionVersions   = "Versions"
	CollectionTombstones = "Tombstones"
	CollectionConfig     = "config"

	// ConfigDocKey is the key of the per-bucket configuration document in
	// bucket.Admin.config.
	ConfigDocKey = "fhir-config"
)

// KVPair is one slot of a batch read. Value is nil when the key was absent or
// its individual fetch failed; callers tolerate the gap.
type KVPair struct {
	Key   string
	Value []byte
}

// Store is the storage gateway contract. It is the only subsystem that speaks
// to the database; the Couchbase implementation lives in
// internal/platform/couchbase and tests substitute an in-memory fake.
type Store interface {
	// KVGet reads one document. Absence surfaces as ErrNotFound.
	KVGet(ctx context.Context, bucket, scope, collection, key string) ([]byte, error)

	// KVGetMany reads many documents with bounded concurrency. The result
	// order equals the input order; absent keys carry a nil Value.
	KVGetMany(ctx context.Context, bucket, scope, collection string, keys []string) ([]KVPair, error)

	KVUpsert(ctx context.Context, bucket, scope, collection, key string, doc []byte) error
	KVInsert(ctx context.Context, bucket, scope, collection, key string, doc []byte) error
	KVRemove(ctx context.Context, bucket, scope, collection, key string) error

	// Query executes a parameterized N1QL statement and returns the raw rows.
	// readOnly marks statements with no mutations so the server can reject
	// writes and route the request accordingly.
	Query(ctx context.Context, bucket, statement string, params []interface{}, readOnly bool) ([][]byte, error)

	// Search executes an FTS query against a fully qualified index and
	// returns the matching document keys in index order.
	Search(ctx context.Context, index string, query SearchQuery, opts SearchOptions) (*SearchResult, error)

	// RunTransaction runs fn inside one ACID transaction against the bucket.
	// An error from fn aborts the transaction and is returned unchanged.
	RunTransaction(ctx context.Context, bucket string, fn func(tx Tx) error) error
}

// Tx is the operation set available inside a transaction: get, insert,
// replace, remove. Get reports absence as a tagged result rather than an
// error so write pipelines can branch without exception-style control flow.
type Tx interface {
	Get(scope, collection, key string) (doc []byte, found bool, err error)
	Insert(scope, collection, key string, doc []byte) error
	Replace(scope, collection, key string, doc []byte) error
	Remove(scope, collection, key string) error
}

// SearchResult carries the FTS phase output: ordered keys plus metrics.
type SearchResult struct {
	Keys      []string
	TotalRows uint64
	Took      time.Duration
}

// SearchSort is one sort term of an FTS query.
type SearchSort struct {
	Field      string
	Descending bool
}

// SearchOptions bound an FTS execution.
type SearchOptions struct {
	Limit   int
	Skip    int
	Sort    []SearchSort
	Timeout time.Duration
}

// SearchQuery is the FTS query tree the engine compiles search parameters
// into. The gateway translates it to the server's native query shape; the
// test fake evaluates it directly.
type SearchQuery interface {
	isSearchQuery()
}

// TermQuery matches a field against an exact (non-analyzed) term.
type TermQuery struct {
	Field string
	Term  string
}

// MatchQuery matches a field through the index analyzer.
type MatchQuery struct {
	Field string
	Match string
}

// DateRangeQuery bounds a date field. Nil endpoints are open.
type DateRangeQuery struct {
	Field          string
	Start, End     *time.Time
	InclusiveStart bool
	InclusiveEnd   bool
}

// ConjunctionQuery requires every sub-query to match.
type ConjunctionQuery struct {
	Queries []SearchQuery
}

// DisjunctionQuery requires at least one sub-query to match.
type DisjunctionQuery struct {
	Queries []SearchQuery
}

// MatchAllQuery matches every document in the index.
type MatchAllQuery struct{}

func (TermQuery) isSearchQuery()        {}
func (MatchQuery) isSearchQuery()       {}
func (DateRangeQuery) isSearchQuery()   {}
func (ConjunctionQuery) isSearchQuery() {}
func (DisjunctionQuery) isSearchQuery() {}
func (MatchAllQuery) isSearchQuery()    {}

// Conjoin flattens the given queries into a single conjunction, collapsing
// the degenerate zero- and one-element cases.
func Conjoin(queries ...SearchQuery) SearchQuery {
	switch len(queries) {
	case 0:
		return MatchAllQuery{}
	case 1:
		return queries[0]
	default:
		return ConjunctionQuery{Queries: queries}
	}
}
