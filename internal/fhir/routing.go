package fhir

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Mapping is the single source of truth for resource routing: type →
// collection, type → FTS index, type supported?. It is loaded once at startup
// and read-only thereafter, so no locking is needed.
type Mapping struct {
	entries       map[string]mappingEntry
	versionsIndex string
	collections   []string            // mapped collections, stable order
	collectionIdx map[string]string   // collection → FTS index
	collectionTys map[string][]string // collection → resource types
}

type mappingEntry struct {
	Collection  string
	SearchIndex string
}

type mappingFile struct {
	Resources map[string]struct {
		Collection  string `yaml:"collection"`
		SearchIndex string `yaml:"searchIndex"`
	} `yaml:"resources"`
	VersionsIndex string `yaml:"versionsIndex"`
}

// LoadMapping parses a mapping declaration from YAML bytes.
func LoadMapping(data []byte) (*Mapping, error) {
	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if len(f.Resources) == 0 {
		return nil, fmt.Errorf("mapping declares no resources")
	}

	m := &Mapping{
		entries:       make(map[string]mappingEntry, len(f.Resources)),
		versionsIndex: f.VersionsIndex,
		collectionIdx: make(map[string]string),
		collectionTys: make(map[string][]string),
	}
	for typ, e := range f.Resources {
		if e.Collection == "" {
			return nil, fmt.Errorf("mapping for %s has no collection", typ)
		}
		if e.Collection == CollectionVersions || e.Collection == CollectionTombstones {
			return nil, fmt.Errorf("mapping for %s targets reserved collection %s", typ, e.Collection)
		}
		m.entries[typ] = mappingEntry{Collection: e.Collection, SearchIndex: e.SearchIndex}
		if _, seen := m.collectionIdx[e.Collection]; !seen {
			m.collectionIdx[e.Collection] = e.SearchIndex
			m.collections = append(m.collections, e.Collection)
		}
		m.collectionTys[e.Collection] = append(m.collectionTys[e.Collection], typ)
	}
	sort.Strings(m.collections)
	for _, types := range m.collectionTys {
		sort.Strings(types)
	}
	return m, nil
}

// LoadMappingFile reads and parses a mapping declaration from disk.
func LoadMappingFile(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	return LoadMapping(data)
}

// IsSupported reports whether the resource type has a mapping entry.
func (m *Mapping) IsSupported(resourceType string) bool {
	_, ok := m.entries[resourceType]
	return ok
}

// TargetCollection resolves the physical collection for a resource type.
func (m *Mapping) TargetCollection(resourceType string) (string, error) {
	e, ok := m.entries[resourceType]
	if !ok {
		return "", UnsupportedTypeError(resourceType)
	}
	return e.Collection, nil
}

// SearchIndex resolves the fully qualified FTS index serving reads for the
// resource type in the given bucket. ok is false when no index is declared.
func (m *Mapping) SearchIndex(resourceType, bucket string) (string, bool) {
	e, found := m.entries[resourceType]
	if !found || e.SearchIndex == "" {
		return "", false
	}
	return FullyQualify(e.SearchIndex, bucket), true
}

// CollectionIndex resolves the fully qualified FTS index serving a mapped
// collection.
func (m *Mapping) CollectionIndex(collection, bucket string) (string, bool) {
	idx, ok := m.collectionIdx[collection]
	if !ok || idx == "" {
		return "", false
	}
	return FullyQualify(idx, bucket), true
}

// VersionsIndex resolves the fully qualified index over the Versions
// collection.
func (m *Mapping) VersionsIndex(bucket string) (string, bool) {
	if m.versionsIndex == "" {
		return "", false
	}
	return FullyQualify(m.versionsIndex, bucket), true
}

// Collections returns every mapped collection in stable order. Versions and
// Tombstones are never included.
func (m *Mapping) Collections() []string {
	out := make([]string, len(m.collections))
	copy(out, m.collections)
	return out
}

// ResourceTypes returns every mapped resource type, sorted.
func (m *Mapping) ResourceTypes() []string {
	out := make([]string, 0, len(m.entries))
	for typ := range m.entries {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// CollectionShared reports whether more than one resource type maps into the
// collection, in which case searches need a resourceType discriminator.
func (m *Mapping) CollectionShared(collection string) bool {
	return len(m.collectionTys[collection]) > 1
}

// FullyQualify renders "{bucket}.Resources.{index}".
func FullyQualify(index, bucket string) string {
	return bucket + "." + ScopeResources + "." + index
}
