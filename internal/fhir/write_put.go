package fhir

import (
	"context"
	"fmt"
	"time"

	"github.com/couchfhir/couchfhir/internal/platform/security"
)

// Put creates or updates the resource at Type/id (client-assigned id). The
// prior live document, if any, is archived to Versions and the new version is
// currentVersion+1; archive and live mutation commit atomically. A tombstoned
// id cannot be re-used.
func (e *Engine) Put(ctx context.Context, txc TxContext, resourceType, id string, resource map[string]interface{}) (*WriteResult, error) {
	collection, err := e.mapping.TargetCollection(resourceType)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: update requires a resource id", ErrValidation)
	}
	resource["resourceType"] = resourceType
	resource["id"] = id
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
	result := &WriteResult{ResourceType: resourceType, ID: id, Key: key, LastUpdated: now.UTC()}

	err = txc.Run(ctx, func(tx Tx) error {
		live, found, err := tx.Get(ScopeResources, collection, key)
		if err != nil {
			return err
		}

		currentVersion := ""
		if found {
			currentVersion = RawVersionID(live)
			if err := tx.Insert(ScopeResources, CollectionVersions, VersionKey(resourceType, id, currentVersion), live); err != nil {
				return fmt.Errorf("archive %s: %w", key, err)
			}
		}

		if err := ApplyMeta(resource, MetaRequest{Operation: OpUpdate, CurrentVersionID: currentVersion}, principal, now); err != nil {
			return err
		}
		doc, err := marshalResource(resource)
		if err != nil {
			return err
		}

		if found {
			err = tx.Replace(ScopeResources, collection, key, doc)
		} else {
			err = tx.Insert(ScopeResources, collection, key, doc)
		}
		if err != nil {
			return err
		}

		result.VersionID = RawVersionID(doc)
		result.Created = !found
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug().
		Str("bucket", txc.Bucket()).
		Str("key", key).
		Str("versionId", result.VersionID).
		Bool("created", result.Created).
		Msg("resource written")
	return result, nil
}
