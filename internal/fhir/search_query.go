package fhir

import (
	"fmt"
	"sort"
	"strings"
)

// ParamType is the kind of a search parameter. Compilation dispatches on it.
type ParamType int

const (
	ParamToken ParamType = iota
	ParamString
	ParamDate
	ParamReference
)

// ParamDef declares one search parameter of a resource type: its kind and
// the indexed path(s) it compiles against.
type ParamDef struct {
	Type ParamType

	// Path is the indexed path: the code path for tokens, the text path for
	// strings, the date path for dates, the reference path for references.
	Path string

	// SystemPath is the companion system path for token parameters indexed
	// as system/code pairs.
	SystemPath string

	// Target is the referenced resource type for reference parameters with a
	// single allowed target (lets bare-id values compile to a term match).
	Target string
}

// IncludeDef declares a reference path usable in an _include directive.
// Path omits the terminal ".reference"; choice-type references are already
// canonicalized (e.g. "medicationReference").
type IncludeDef struct {
	Path   string
	Target string
}

// ParamRegistry holds per-type search parameter and include metadata. The
// registry is built at startup and read-only afterwards.
type ParamRegistry struct {
	params   map[string]map[string]ParamDef
	includes map[string]map[string]IncludeDef
}

// NewParamRegistry returns an empty registry.
func NewParamRegistry() *ParamRegistry {
	return &ParamRegistry{
		params:   make(map[string]map[string]ParamDef),
		includes: make(map[string]map[string]IncludeDef),
	}
}

// Register adds a search parameter definition for a resource type.
func (r *ParamRegistry) Register(resourceType, name string, def ParamDef) {
	if r.params[resourceType] == nil {
		r.params[resourceType] = make(map[string]ParamDef)
	}
	r.params[resourceType][name] = def
	if def.Type == ParamReference {
		r.RegisterInclude(resourceType, name, IncludeDef{
			Path:   strings.TrimSuffix(def.Path, ".reference"),
			Target: def.Target,
		})
	}
}

// RegisterInclude adds an include path for a resource type's parameter.
func (r *ParamRegistry) RegisterInclude(resourceType, name string, def IncludeDef) {
	if r.includes[resourceType] == nil {
		r.includes[resourceType] = make(map[string]IncludeDef)
	}
	r.includes[resourceType][name] = def
}

// Lookup resolves a parameter definition.
func (r *ParamRegistry) Lookup(resourceType, name string) (ParamDef, bool) {
	def, ok := r.params[resourceType][name]
	return def, ok
}

// LookupInclude resolves an include path definition.
func (r *ParamRegistry) LookupInclude(resourceType, name string) (IncludeDef, bool) {
	def, ok := r.includes[resourceType][name]
	return def, ok
}

// ReferenceParams lists the reference parameters of a resource type, used by
// _revinclude directive resolution.
func (r *ParamRegistry) ReferenceParams(resourceType string) map[string]ParamDef {
	out := make(map[string]ParamDef)
	for name, def := range r.params[resourceType] {
		if def.Type == ParamReference {
			out[name] = def
		}
	}
	return out
}

// DefaultParamRegistry builds the built-in table for the commonly served
// resource types. Deployments extend it through Register before the engine
// starts serving.
func DefaultParamRegistry() *ParamRegistry {
	r := NewParamRegistry()

	r.Register("Patient", "identifier", ParamDef{Type: ParamToken, Path: "identifier.value", SystemPath: "identifier.system"})
	r.Register("Patient", "family", ParamDef{Type: ParamString, Path: "name.family"})
	r.Register("Patient", "given", ParamDef{Type: ParamString, Path: "name.given"})
	r.Register("Patient", "name", ParamDef{Type: ParamString, Path: "name.family"})
	r.Register("Patient", "gender", ParamDef{Type: ParamToken, Path: "gender"})
	r.Register("Patient", "birthdate", ParamDef{Type: ParamDate, Path: "birthDate"})
	r.Register("Patient", "general-practitioner", ParamDef{Type: ParamReference, Path: "generalPractitioner.reference", Target: "Practitioner"})
	r.Register("Patient", "organization", ParamDef{Type: ParamReference, Path: "managingOrganization.reference", Target: "Organization"})

	r.Register("Observation", "identifier", ParamDef{Type: ParamToken, Path: "identifier.value", SystemPath: "identifier.system"})
	r.Register("Observation", "code", ParamDef{Type: ParamToken, Path: "code.coding.code", SystemPath: "code.coding.system"})
	r.Register("Observation", "status", ParamDef{Type: ParamToken, Path: "status"})
	r.Register("Observation", "category", ParamDef{Type: ParamToken, Path: "category.coding.code", SystemPath: "category.coding.system"})
	r.Register("Observation", "date", ParamDef{Type: ParamDate, Path: "effectiveDateTime"})
	r.Register("Observation", "issued", ParamDef{Type: ParamDate, Path: "issued"})
	r.Register("Observation", "subject", ParamDef{Type: ParamReference, Path: "subject.reference"})
	r.Register("Observation", "patient", ParamDef{Type: ParamReference, Path: "subject.reference", Target: "Patient"})
	r.Register("Observation", "encounter", ParamDef{Type: ParamReference, Path: "encounter.reference", Target: "Encounter"})
	r.Register("Observation", "performer", ParamDef{Type: ParamReference, Path: "performer.reference"})

	r.Register("Encounter", "identifier", ParamDef{Type: ParamToken, Path: "identifier.value", SystemPath: "identifier.system"})
	r.Register("Encounter", "status", ParamDef{Type: ParamToken, Path: "status"})
	r.Register("Encounter", "class", ParamDef{Type: ParamToken, Path: "class.code"})
	r.Register("Encounter", "date", ParamDef{Type: ParamDate, Path: "period.start"})
	r.Register("Encounter", "subject", ParamDef{Type: ParamReference, Path: "subject.reference"})
	r.Register("Encounter", "patient", ParamDef{Type: ParamReference, Path: "subject.reference", Target: "Patient"})
	r.Register("Encounter", "participant", ParamDef{Type: ParamReference, Path: "participant.individual.reference", Target: "Practitioner"})
	r.RegisterInclude("Encounter", "participant-individual", IncludeDef{Path: "participant.individual", Target: "Practitioner"})

	r.Register("Condition", "code", ParamDef{Type: ParamToken, Path: "code.coding.code", SystemPath: "code.coding.system"})
	r.Register("Condition", "clinical-status", ParamDef{Type: ParamToken, Path: "clinicalStatus.coding.code"})
	r.Register("Condition", "recorded-date", ParamDef{Type: ParamDate, Path: "recordedDate"})
	r.Register("Condition", "subject", ParamDef{Type: ParamReference, Path: "subject.reference"})
	r.Register("Condition", "patient", ParamDef{Type: ParamReference, Path: "subject.reference", Target: "Patient"})
	r.Register("Condition", "encounter", ParamDef{Type: ParamReference, Path: "encounter.reference", Target: "Encounter"})

	r.Register("Procedure", "code", ParamDef{Type: ParamToken, Path: "code.coding.code", SystemPath: "code.coding.system"})
	r.Register("Procedure", "status", ParamDef{Type: ParamToken, Path: "status"})
	r.Register("Procedure", "date", ParamDef{Type: ParamDate, Path: "performedDateTime"})
	r.Register("Procedure", "subject", ParamDef{Type: ParamReference, Path: "subject.reference"})
	r.Register("Procedure", "patient", ParamDef{Type: ParamReference, Path: "subject.reference", Target: "Patient"})

	r.Register("MedicationRequest", "status", ParamDef{Type: ParamToken, Path: "status"})
	r.Register("MedicationRequest", "intent", ParamDef{Type: ParamToken, Path: "intent"})
	r.Register("MedicationRequest", "authoredon", ParamDef{Type: ParamDate, Path: "authoredOn"})
	r.Register("MedicationRequest", "subject", ParamDef{Type: ParamReference, Path: "subject.reference"})
	r.Register("MedicationRequest", "patient", ParamDef{Type: ParamReference, Path: "subject.reference", Target: "Patient"})
	r.Register("MedicationRequest", "medication", ParamDef{Type: ParamReference, Path: "medicationReference.reference", Target: "Medication"})
	r.Register("MedicationRequest", "requester", ParamDef{Type: ParamReference, Path: "requester.reference"})

	r.Register("DiagnosticReport", "code", ParamDef{Type: ParamToken, Path: "code.coding.code", SystemPath: "code.coding.system"})
	r.Register("DiagnosticReport", "status", ParamDef{Type: ParamToken, Path: "status"})
	r.Register("DiagnosticReport", "issued", ParamDef{Type: ParamDate, Path: "issued"})
	r.Register("DiagnosticReport", "subject", ParamDef{Type: ParamReference, Path: "subject.reference"})
	r.Register("DiagnosticReport", "patient", ParamDef{Type: ParamReference, Path: "subject.reference", Target: "Patient"})
	r.Register("DiagnosticReport", "result", ParamDef{Type: ParamReference, Path: "result.reference", Target: "Observation"})

	r.Register("Practitioner", "identifier", ParamDef{Type: ParamToken, Path: "identifier.value", SystemPath: "identifier.system"})
	r.Register("Practitioner", "family", ParamDef{Type: ParamString, Path: "name.family"})
	r.Register("Practitioner", "name", ParamDef{Type: ParamString, Path: "name.family"})

	r.Register("Organization", "identifier", ParamDef{Type: ParamToken, Path: "identifier.value", SystemPath: "identifier.system"})
	r.Register("Organization", "name", ParamDef{Type: ParamString, Path: "name"})

	return r
}

// CompileCriteria compiles a criteria map into the conjunction of FTS
// sub-queries serving a search over the resource type. When the target
// collection is shared, a resourceType discriminator is appended.
func (e *Engine) CompileCriteria(resourceType string, criteria map[string]string) (SearchQuery, error) {
	collection, err := e.mapping.TargetCollection(resourceType)
	if err != nil {
		return nil, err
	}

	var queries []SearchQuery
	// Stable compile order keeps query shapes deterministic.
	for _, name := range sortedKeys(criteria) {
		q, err := e.compileParam(resourceType, name, criteria[name])
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}

	if e.mapping.CollectionShared(collection) {
		queries = append(queries, TermQuery{Field: "resourceType", Term: resourceType})
	}
	return Conjoin(queries...), nil
}

func (e *Engine) compileParam(resourceType, rawName, value string) (SearchQuery, error) {
	name, modifier := ParseParamModifier(rawName)
	def, ok := e.params.Lookup(resourceType, name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown search parameter %q for %s", ErrValidation, name, resourceType)
	}

	switch def.Type {
	case ParamToken:
		return compileToken(def, value)
	case ParamString:
		return compileString(def, modifier, value)
	case ParamDate:
		if modifier != "" {
			return nil, fmt.Errorf("%w: modifier %q not valid for date parameter %q", ErrValidation, modifier, name)
		}
		return dateRangeQuery(def.Path, value)
	case ParamReference:
		return compileReference(def, value)
	}
	return nil, fmt.Errorf("%w: unsupported parameter kind for %q", ErrValidation, name)
}

// compileToken handles "code", "system|code", "|code" and "system|" forms.
func compileToken(def ParamDef, value string) (SearchQuery, error) {
	if !strings.Contains(value, "|") {
		return TermQuery{Field: def.Path, Term: value}, nil
	}

	parts := strings.SplitN(value, "|", 2)
	system, code := parts[0], parts[1]
	switch {
	case system != "" && code != "":
		if def.SystemPath == "" {
			return TermQuery{Field: def.Path, Term: code}, nil
		}
		return ConjunctionQuery{Queries: []SearchQuery{
			TermQuery{Field: def.SystemPath, Term: system},
			TermQuery{Field: def.Path, Term: code},
		}}, nil
	case system != "":
		if def.SystemPath == "" {
			return nil, fmt.Errorf("%w: parameter has no indexed system path", ErrValidation)
		}
		return TermQuery{Field: def.SystemPath, Term: system}, nil
	case code != "":
		return TermQuery{Field: def.Path, Term: code}, nil
	}
	return nil, fmt.Errorf("%w: empty token value", ErrValidation)
}

func compileString(def ParamDef, modifier SearchModifier, value string) (SearchQuery, error) {
	switch modifier {
	case "":
		return MatchQuery{Field: def.Path, Match: value}, nil
	case ModifierExact:
		return TermQuery{Field: def.Path, Term: value}, nil
	case ModifierContains:
		return MatchQuery{Field: def.Path, Match: value}, nil
	default:
		return nil, fmt.Errorf("%w: unknown string modifier %q", ErrValidation, modifier)
	}
}

// compileReference matches the stored reference string. "Type/id" values and
// bare ids with a single known target compile to a term match; anything else
// is an analyzed match on the reference path.
func compileReference(def ParamDef, value string) (SearchQuery, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: empty reference value", ErrValidation)
	}
	if strings.Contains(value, "/") {
		return TermQuery{Field: def.Path, Term: value}, nil
	}
	if def.Target != "" {
		return TermQuery{Field: def.Path, Term: def.Target + "/" + value}, nil
	}
	return MatchQuery{Field: def.Path, Match: value}, nil
}

// CompileSort maps a _sort expression to FTS sort terms. Each comma-separated
// term may carry a "-" prefix for descending order; _lastUpdated and _id map
// to their meta paths, anything else resolves through the parameter registry.
func (e *Engine) CompileSort(resourceType, expr string) ([]SearchSort, error) {
	if expr == "" {
		return nil, nil
	}
	var out []SearchSort
	for _, term := range strings.Split(expr, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		desc := strings.HasPrefix(term, "-")
		term = strings.TrimPrefix(term, "-")

		var field string
		switch term {
		case "_lastUpdated":
			field = "meta.lastUpdated"
		case "_id":
			field = "id"
		default:
			def, ok := e.params.Lookup(resourceType, term)
			if !ok {
				return nil, fmt.Errorf("%w: cannot sort by unknown parameter %q", ErrValidation, term)
			}
			field = def.Path
		}
		out = append(out, SearchSort{Field: field, Descending: desc})
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
