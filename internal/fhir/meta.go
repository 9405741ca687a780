package fhir

import (
	"fmt"
	"strconv"
	"time"

	"github.com/couchfhir/couchfhir/internal/platform/security"
)

// AuditTagSystem is the coding system of the audit tag appended to every
// mutated resource.
const AuditTagSystem = "couchbase.fhir.com/custom-tags"

// Audit tag codes per operation.
const (
	AuditCreatedBy = "created-by"
	AuditUpdatedBy = "updated-by"
	AuditDeletedBy = "deleted-by"
)

// Operation names the write path requesting a meta update.
type Operation int

const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
)

// MetaRequest controls how ApplyMeta stamps a resource.
type MetaRequest struct {
	Operation Operation

	// VersionID, when set, is the target version. CREATE accepts a numeric
	// seed; UPDATE uses it verbatim.
	VersionID string

	// CurrentVersionID is the version of the live document being replaced,
	// empty on create.
	CurrentVersionID string

	// LastUpdated overrides the stamp time when the caller supplies one.
	LastUpdated *time.Time

	// Profiles are merged into meta.profile as a set union, stable order.
	Profiles []string

	// BumpVersionIfMissing makes DELETE increment the version; otherwise the
	// current version is preserved.
	BumpVersionIfMissing bool
}

// ApplyMeta applies the uniform meta update to a resource across
// CREATE/UPDATE/DELETE: lastUpdated, versionId per the version rules, profile
// union, and the audit tag naming the acting principal.
func ApplyMeta(resource map[string]interface{}, req MetaRequest, principal security.Principal, now time.Time) error {
	versionID, err := resolveVersionID(req)
	if err != nil {
		return err
	}

	meta, _ := resource["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		resource["meta"] = meta
	}

	stamp := now.UTC()
	if req.LastUpdated != nil {
		stamp = req.LastUpdated.UTC()
	}
	meta["versionId"] = versionID
	meta["lastUpdated"] = stamp.Format(time.RFC3339Nano)

	if len(req.Profiles) > 0 {
		meta["profile"] = mergeProfiles(meta["profile"], req.Profiles)
	}

	meta["tag"] = appendAuditTag(meta["tag"], auditCode(req.Operation), principal.String())
	return nil
}

func resolveVersionID(req MetaRequest) (string, error) {
	switch req.Operation {
	case OpCreate:
		if req.VersionID == "" {
			return "1", nil
		}
		if _, err := strconv.Atoi(req.VersionID); err != nil {
			return "", fmt.Errorf("%w: version seed %q is not numeric", ErrValidation, req.VersionID)
		}
		return req.VersionID, nil

	case OpUpdate:
		if req.VersionID != "" {
			return req.VersionID, nil
		}
		if req.CurrentVersionID != "" {
			v, err := strconv.Atoi(req.CurrentVersionID)
			if err != nil {
				return "", fmt.Errorf("%w: current versionId %q is not numeric", ErrValidation, req.CurrentVersionID)
			}
			return strconv.Itoa(v + 1), nil
		}
		return "1", nil

	case OpDelete:
		if req.CurrentVersionID == "" {
			return "1", nil
		}
		if !req.BumpVersionIfMissing {
			return req.CurrentVersionID, nil
		}
		v, err := strconv.Atoi(req.CurrentVersionID)
		if err != nil {
			return "", fmt.Errorf("%w: current versionId %q is not numeric", ErrValidation, req.CurrentVersionID)
		}
		return strconv.Itoa(v + 1), nil
	}
	return "", fmt.Errorf("%w: unknown meta operation", ErrValidation)
}

func auditCode(op Operation) string {
	switch op {
	case OpCreate:
		return AuditCreatedBy
	case OpUpdate:
		return AuditUpdatedBy
	default:
		return AuditDeletedBy
	}
}

// mergeProfiles unions the existing meta.profile list with the requested
// profiles, preserving the existing order and appending new entries in
// request order.
func mergeProfiles(existing interface{}, requested []string) []interface{} {
	seen := map[string]bool{}
	var out []interface{}
	if list, ok := existing.([]interface{}); ok {
		for _, p := range list {
			if s, ok := p.(string); ok && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	for _, p := range requested {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// appendAuditTag replaces any prior audit coding and appends the new one, so
// a resource always carries exactly one audit tag.
func appendAuditTag(existing interface{}, code, display string) []interface{} {
	var out []interface{}
	if list, ok := existing.([]interface{}); ok {
		for _, t := range list {
			tag, ok := t.(map[string]interface{})
			if ok && tag["system"] == AuditTagSystem {
				continue
			}
			out = append(out, t)
		}
	}
	return append(out, map[string]interface{}{
		"system":  AuditTagSystem,
		"code":    code,
		"display": display,
	})
}
