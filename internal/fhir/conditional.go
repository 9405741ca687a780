package fhir

import (
	"context"
	"fmt"
)

// ConditionalOutcome is the three-way result of a conditional criteria
// resolution.
type ConditionalOutcome int

const (
	ConditionalZero ConditionalOutcome = iota
	ConditionalOne
	ConditionalMany
)

// ResolveConditional compiles the criteria and executes the FTS query with a
// limit of two, projecting only the document keys. The limit guarantees the
// ambiguity check never inspects more than two rows.
func (e *Engine) ResolveConditional(ctx context.Context, bucket, resourceType string, criteria map[string]string) (ConditionalOutcome, string, error) {
	if len(criteria) == 0 {
		return ConditionalZero, "", fmt.Errorf("%w: conditional operation requires search criteria", ErrValidation)
	}

	query, err := e.CompileCriteria(resourceType, criteria)
	if err != nil {
		return ConditionalZero, "", err
	}
	index, ok := e.mapping.SearchIndex(resourceType, bucket)
	if !ok {
		return ConditionalZero, "", fmt.Errorf("%w: no search index for %s", ErrValidation, resourceType)
	}

	result, err := e.store.Search(ctx, index, query, SearchOptions{Limit: 2})
	if err != nil {
		return ConditionalZero, "", err
	}

	switch len(result.Keys) {
	case 0:
		return ConditionalZero, "", nil
	case 1:
		_, id, ok := SplitKey(result.Keys[0])
		if !ok {
			return ConditionalZero, "", fmt.Errorf("malformed document key %q", result.Keys[0])
		}
		return ConditionalOne, id, nil
	default:
		return ConditionalMany, "", nil
	}
}

// ConditionalPut performs a conditional update: ZERO matches creates a new
// resource under a fresh id, ONE match updates that resource in place, MANY
// matches fails the precondition without mutating anything.
func (e *Engine) ConditionalPut(ctx context.Context, txc TxContext, resourceType string, criteria map[string]string, resource map[string]interface{}) (*WriteResult, error) {
	outcome, id, err := e.ResolveConditional(ctx, txc.Bucket(), resourceType, criteria)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case ConditionalZero:
		resource["resourceType"] = resourceType
		delete(resource, "id")
		return e.Post(ctx, txc, resource, "")
	case ConditionalOne:
		return e.Put(ctx, txc, resourceType, id, resource)
	default:
		return nil, fmt.Errorf("%w: criteria match multiple %s resources", ErrPreconditionFailed, resourceType)
	}
}
