package couchbase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2/search"

	"github.com/couchfhir/couchfhir/internal/fhir"
)

// translateQuery lowers the engine's query tree into the SDK's FTS query
// types.
func translateQuery(q fhir.SearchQuery) (search.Query, error) {
	switch query := q.(type) {
	case fhir.TermQuery:
		return search.NewTermQuery(query.Term).Field(query.Field), nil

	case fhir.MatchQuery:
		return search.NewMatchQuery(query.Match).Field(query.Field), nil

	case fhir.DateRangeQuery:
		// The SDK takes range bounds as RFC3339 strings.
		dr := search.NewDateRangeQuery().Field(query.Field)
		if query.Start != nil {
			dr = dr.Start(query.Start.UTC().Format(time.RFC3339), query.InclusiveStart)
		}
		if query.End != nil {
			dr = dr.End(query.End.UTC().Format(time.RFC3339), query.InclusiveEnd)
		}
		return dr, nil

	case fhir.ConjunctionQuery:
		subs, err := translateAll(query.Queries)
		if err != nil {
			return nil, err
		}
		return search.NewConjunctionQuery(subs...), nil

	case fhir.DisjunctionQuery:
		subs, err := translateAll(query.Queries)
		if err != nil {
			return nil, err
		}
		return search.NewDisjunctionQuery(subs...), nil

	case fhir.MatchAllQuery:
		return search.NewMatchAllQuery(), nil

	default:
		return nil, fmt.Errorf("unsupported search query %T", q)
	}
}

func translateAll(queries []fhir.SearchQuery) ([]search.Query, error) {
	out := make([]search.Query, 0, len(queries))
	for _, q := range queries {
		native, err := translateQuery(q)
		if err != nil {
			return nil, err
		}
		out = append(out, native)
	}
	return out, nil
}

// jsonRaw wraps stored document bytes so the SDK's JSON serializer passes
// them through untouched.
func jsonRaw(doc []byte) json.RawMessage {
	return json.RawMessage(doc)
}

func marshalRow(row interface{}) ([]byte, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode query row: %w", err)
	}
	return raw, nil
}
