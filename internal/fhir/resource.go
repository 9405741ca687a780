package fhir

import (
	"strings"
	"time"
)

// Resource is the base FHIR resource representation. The engine treats
// resources as opaque JSON except for the discriminator, id, and meta.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
	Tag         []Coding  `json:"tag,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Tombstone is the soft-delete marker written to the Tombstones collection.
// Its presence bars re-use of the id.
type Tombstone struct {
	ResourceType  string    `json:"resourceType"`
	ID            string    `json:"id"`
	DeletedAt     time.Time `json:"deletedAt"`
	LastVersionID string    `json:"lastVersionId"`
	DeletedBy     string    `json:"deletedBy"`
	Reason        string    `json:"reason,omitempty"`
	Restorable    bool      `json:"restorable"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

// LiveKey is the canonical key of a live resource: "Type/id".
func LiveKey(resourceType, id string) string {
	return resourceType + "/" + id
}

// VersionKey is the key of an archived version: "Type/id/versionId".
func VersionKey(resourceType, id, versionID string) string {
	return resourceType + "/" + id + "/" + versionID
}

// SplitVersionKey splits "Type/id/versionId" back into its parts.
func SplitVersionKey(key string) (resourceType, id, versionID string, ok bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
