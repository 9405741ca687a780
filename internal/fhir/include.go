package fhir

import (
	"context"
	"fmt"
	"strings"
)

// expandIncludes computes the included resources for a page of primaries:
// _include directives harvest reference strings out of the primary documents,
// _revinclude directives run a reverse FTS lookup per source type. Harvested
// keys are globally deduplicated, capped, and batch-fetched grouped by type.
func (e *Engine) expandIncludes(ctx context.Context, bucket, primaryType string, primaries []KVPair, includes, revIncludes []string) ([]KVPair, error) {
	if len(primaries) == 0 {
		return nil, nil
	}

	primaryKeys := make(map[string]bool, len(primaries))
	for _, p := range primaries {
		primaryKeys[p.Key] = true
	}

	seen := make(map[string]bool)
	var keys []string
	add := func(key string) {
		if key == "" || primaryKeys[key] || seen[key] {
			return
		}
		seen[key] = true
		keys = append(keys, key)
	}

	for _, directive := range includes {
		if err := e.harvestInclude(directive, primaries, add); err != nil {
			return nil, err
		}
	}
	for _, directive := range revIncludes {
		if err := e.harvestRevInclude(ctx, bucket, directive, primaries, add); err != nil {
			return nil, err
		}
	}

	if len(keys) > e.maxIncludes {
		keys = keys[:e.maxIncludes]
	}
	return e.fetchByType(ctx, bucket, keys)
}

// harvestInclude resolves one "Source:param[:target]" directive against the
// in-hand primary documents.
func (e *Engine) harvestInclude(directive string, primaries []KVPair, add func(string)) error {
	sourceType, param, targetType, err := parseIncludeDirective(directive)
	if err != nil {
		return err
	}

	def, ok := e.params.LookupInclude(sourceType, param)
	if !ok {
		return fmt.Errorf("%w: unknown include %q", ErrValidation, directive)
	}
	if targetType == "" {
		targetType = def.Target
	}

	for _, p := range primaries {
		if RawResourceType(p.Value) != sourceType {
			continue
		}
		for _, ref := range HarvestReferences(p.Value, def.Path) {
			refType, _, ok := SplitKey(ref)
			if !ok {
				continue
			}
			if targetType != "" && refType != targetType {
				continue
			}
			add(ref)
		}
	}
	return nil
}

// harvestRevInclude resolves one "Source:param" directive by querying the
// source type's index for references pointing at any primary key.
func (e *Engine) harvestRevInclude(ctx context.Context, bucket, directive string, primaries []KVPair, add func(string)) error {
	sourceType, param, _, err := parseIncludeDirective(directive)
	if err != nil {
		return err
	}

	def, ok := e.params.Lookup(sourceType, param)
	if !ok || def.Type != ParamReference {
		return fmt.Errorf("%w: unknown revinclude %q", ErrValidation, directive)
	}
	index, ok := e.mapping.SearchIndex(sourceType, bucket)
	if !ok {
		return fmt.Errorf("%w: no search index for %s", ErrValidation, sourceType)
	}

	var targets []SearchQuery
	for _, p := range primaries {
		targets = append(targets, TermQuery{Field: def.Path, Term: p.Key})
	}

	query := Conjoin(DisjunctionQuery{Queries: targets})
	if collection, err := e.mapping.TargetCollection(sourceType); err == nil && e.mapping.CollectionShared(collection) {
		query = Conjoin(DisjunctionQuery{Queries: targets}, TermQuery{Field: "resourceType", Term: sourceType})
	}

	result, err := e.store.Search(ctx, index, query, SearchOptions{Limit: e.maxIncludes})
	if err != nil {
		return err
	}
	for _, key := range result.Keys {
		add(key)
	}
	return nil
}

// parseIncludeDirective splits "Source:param" or "Source:param:target".
func parseIncludeDirective(directive string) (sourceType, param, targetType string, err error) {
	parts := strings.Split(directive, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: malformed include directive %q", ErrValidation, directive)
	}
	sourceType, param = parts[0], parts[1]
	if len(parts) > 2 {
		targetType = parts[2]
	}
	return sourceType, param, targetType, nil
}
