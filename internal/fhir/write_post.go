package fhir

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/couchfhir/couchfhir/internal/platform/security"
)

// WriteResult describes a committed create or update.
type WriteResult struct {
	ResourceType string
	ID           string
	Key          string
	VersionID    string
	LastUpdated  time.Time
	Created      bool
}

// Post creates a resource under a server-assigned id; a client-supplied body
// id is discarded. Standalone POST is a single idempotent upsert; inside a
// bundle the insert joins the ambient transaction.
func (e *Engine) Post(ctx context.Context, txc TxContext, resource map[string]interface{}, versionSeed string) (*WriteResult, error) {
	return e.post(ctx, txc, resource, versionSeed, false)
}

// post is the shared create path. keepID preserves the resource's id instead
// of assigning a fresh one; only the bundle processor sets it, for entries
// whose id the urn:uuid pre-pass pinned so intra-bundle references resolve.
func (e *Engine) post(ctx context.Context, txc TxContext, resource map[string]interface{}, versionSeed string, keepID bool) (*WriteResult, error) {
	resourceType, _ := resource["resourceType"].(string)
	collection, err := e.mapping.TargetCollection(resourceType)
	if err != nil {
		return nil, err
	}

	id, _ := resource["id"].(string)
	if id == "" || !keepID {
		id = uuid.NewString()
		resource["id"] = id
	}
	key := LiveKey(resourceType, id)

	deleted, err := e.tombstoneExists(ctx, txc.Bucket(), key)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, fmt.Errorf("%w: id %s was deleted", ErrGone, key)
	}

	now := time.Now()
	principal := security.FromContext(ctx)
	if err := ApplyMeta(resource, MetaRequest{Operation: OpCreate, VersionID: versionSeed}, principal, now); err != nil {
		return nil, err
	}

	doc, err := marshalResource(resource)
	if err != nil {
		return nil, err
	}

	if txc.Ambient() {
		err = txc.Run(ctx, func(tx Tx) error {
			return tx.Insert(ScopeResources, collection, key, doc)
		})
	} else {
		err = e.store.KVUpsert(ctx, txc.Bucket(), ScopeResources, collection, key, doc)
	}
	if err != nil {
		return nil, err
	}

	e.log.Debug().Str("bucket", txc.Bucket()).Str("key", key).Msg("resource created")
	return &WriteResult{
		ResourceType: resourceType,
		ID:           id,
		Key:          key,
		VersionID:    RawVersionID(doc),
		LastUpdated:  now.UTC(),
		Created:      true,
	}, nil
}
