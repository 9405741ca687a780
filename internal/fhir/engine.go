package fhir

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Engine defaults; _count and include caps per the search contract.
const (
	DefaultPageSize   = 20
	MaxPageSize       = 100
	DefaultKeyCap     = 1000
	DefaultMaxInclude = 100
	DefaultPageTTL    = 5 * time.Minute
)

// Engine is the resource orchestration core. It translates FHIR REST
// semantics into KV, FTS, and transactional operations through the storage
// gateway, and owns no other I/O.
type Engine struct {
	store   Store
	mapping *Mapping
	params  *ParamRegistry
	pages   *PageStore
	log     zerolog.Logger

	keyCap      int
	maxIncludes int
}

// EngineOptions tune the engine. Zero values fall back to defaults.
type EngineOptions struct {
	Logger          zerolog.Logger
	PageTTL         time.Duration
	SearchKeyCap    int
	MaxIncludeCount int

	// Params overrides the built-in search parameter registry.
	Params *ParamRegistry
}

// NewEngine builds an engine over the given gateway and routing mapping.
func NewEngine(store Store, mapping *Mapping, opts EngineOptions) *Engine {
	ttl := opts.PageTTL
	if ttl <= 0 {
		ttl = DefaultPageTTL
	}
	keyCap := opts.SearchKeyCap
	if keyCap <= 0 {
		keyCap = DefaultKeyCap
	}
	maxInc := opts.MaxIncludeCount
	if maxInc <= 0 {
		maxInc = DefaultMaxInclude
	}
	params := opts.Params
	if params == nil {
		params = DefaultParamRegistry()
	}
	return &Engine{
		store:       store,
		mapping:     mapping,
		params:      params,
		pages:       NewPageStore(ttl),
		log:         opts.Logger,
		keyCap:      keyCap,
		maxIncludes: maxInc,
	}
}

// Mapping exposes the routing table for callers that need collection or
// index resolution alongside engine calls.
func (e *Engine) Mapping() *Mapping {
	return e.mapping
}

// Pages exposes the pagination state store.
func (e *Engine) Pages() *PageStore {
	return e.pages
}

// Store exposes the storage gateway so callers can open transaction contexts.
func (e *Engine) Store() Store {
	return e.store
}

// Read returns the live document bytes at Type/id. A tombstoned id surfaces
// as ErrGone, an absent one as ErrNotFound.
func (e *Engine) Read(ctx context.Context, bucket, resourceType, id string) ([]byte, error) {
	collection, err := e.mapping.TargetCollection(resourceType)
	if err != nil {
		return nil, err
	}
	key := LiveKey(resourceType, id)
	doc, err := e.store.KVGet(ctx, bucket, ScopeResources, collection, key)
	if err == nil {
		return doc, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	deleted, terr := e.tombstoneExists(ctx, bucket, key)
	if terr != nil {
		return nil, terr
	}
	if deleted {
		return nil, fmt.Errorf("%w: %s", ErrGone, key)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// tombstoneExists runs the tombstone existence check template against the
// Tombstones collection.
func (e *Engine) tombstoneExists(ctx context.Context, bucket, key string) (bool, error) {
	statement := fmt.Sprintf(
		"SELECT COUNT(*) AS count FROM `%s`.`%s`.`%s` USE KEYS $1",
		bucket, ScopeResources, CollectionTombstones,
	)
	rows, err := e.store.Query(ctx, bucket, statement, []interface{}{key}, true)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		var count struct {
			Count int `json:"count"`
		}
		if err := unmarshalRow(row, &count); err != nil {
			return false, err
		}
		return count.Count > 0, nil
	}
	return false, nil
}
