package fhir

import (
	"fmt"
	"strings"
	"time"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
)

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
)

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// datePeriod expands a partial FHIR date into its implicit period [lo, hi).
// "2023" covers the year, "2023-05" the month, "2023-05-10" the day, and a
// full timestamp covers a single instant.
func datePeriod(value string) (time.Time, time.Time, error) {
	type layout struct {
		format string
		step   func(time.Time) time.Time
	}
	layouts := []layout{
		{time.RFC3339, func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.format, value); err == nil {
			return t, l.step(t), nil
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%w: unable to parse date %q", ErrValidation, value)
}

// dateRangeQuery compiles a prefixed date value into an FTS sub-query on the
// given path.
func dateRangeQuery(path, value string) (SearchQuery, error) {
	parsed := ParseSearchValue(value)
	lo, hi, err := datePeriod(parsed.Value)
	if err != nil {
		return nil, err
	}

	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		return DateRangeQuery{Field: path, Start: &hi, InclusiveStart: true}, nil
	case PrefixGe:
		return DateRangeQuery{Field: path, Start: &lo, InclusiveStart: true}, nil
	case PrefixLt, PrefixEb:
		return DateRangeQuery{Field: path, End: &lo}, nil
	case PrefixLe:
		return DateRangeQuery{Field: path, End: &hi}, nil
	case PrefixNe:
		return DisjunctionQuery{Queries: []SearchQuery{
			DateRangeQuery{Field: path, End: &lo},
			DateRangeQuery{Field: path, Start: &hi, InclusiveStart: true},
		}}, nil
	default: // eq
		return DateRangeQuery{Field: path, Start: &lo, InclusiveStart: true, End: &hi}, nil
	}
}
