package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchfhir/couchfhir/internal/platform/security"
)

// DeleteResult describes a terminal delete. Deleted is false when no live
// document was present; the call still succeeds (idempotency).
type DeleteResult struct {
	Key           string
	Deleted       bool
	LastVersionID string
}

// Delete soft-deletes Type/id: the live document is archived to Versions, a
// tombstone is written, and the live key is removed, all in one transaction.
// Deleting an absent or already-deleted id is a no-op success and leaves any
// existing tombstone untouched.
func (e *Engine) Delete(ctx context.Context, txc TxContext, resourceType, id, reason string) (*DeleteResult, error) {
	collection, err := e.mapping.TargetCollection(resourceType)
	if err != nil {
		return nil, err
	}
	key := LiveKey(resourceType, id)
	principal := security.FromContext(ctx)
	result := &DeleteResult{Key: key}

	err = txc.Run(ctx, func(tx Tx) error {
		live, found, err := tx.Get(ScopeResources, collection, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		versionID := RawVersionID(live)
		if err := tx.Insert(ScopeResources, CollectionVersions, VersionKey(resourceType, id, versionID), live); err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}

		tombstone, err := json.Marshal(Tombstone{
			ResourceType:  resourceType,
			ID:            id,
			DeletedAt:     time.Now().UTC(),
			LastVersionID: versionID,
			DeletedBy:     principal.String(),
			Reason:        reason,
			Restorable:    true,
		})
		if err != nil {
			return fmt.Errorf("encode tombstone: %w", err)
		}
		if err := txUpsert(tx, ScopeResources, CollectionTombstones, key, tombstone); err != nil {
			return fmt.Errorf("tombstone %s: %w", key, err)
		}

		if err := tx.Remove(ScopeResources, collection, key); err != nil {
			return err
		}

		result.Deleted = true
		result.LastVersionID = versionID
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug().
		Str("bucket", txc.Bucket()).
		Str("key", key).
		Bool("deleted", result.Deleted).
		Msg("resource deleted")
	return result, nil
}

// txUpsert emulates upsert with the transaction's get/insert/replace set.
func txUpsert(tx Tx, scope, collection, key string, doc []byte) error {
	_, found, err := tx.Get(scope, collection, key)
	if err != nil {
		return err
	}
	if found {
		return tx.Replace(scope, collection, key, doc)
	}
	return tx.Insert(scope, collection, key, doc)
}
