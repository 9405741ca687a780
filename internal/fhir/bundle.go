package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BundleEntryRequest represents the request details for an entry in a
// transaction or batch Bundle.
type BundleEntryRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

// BundleEntryResponse represents the response details for an entry after a
// transaction or batch Bundle has been processed.
type BundleEntryResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// TransactionEntry is a single entry of a transaction or batch Bundle.
type TransactionEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Request  BundleEntryRequest     `json:"request"`
}

// TransactionBundle is the parsed representation of a FHIR transaction or
// batch Bundle ready for processing.
type TransactionBundle struct {
	ResourceType string
	Type         string
	Entries      []TransactionEntry
}

// ResponseBundle is the transaction-response or batch-response emitted after
// processing, one entry per request entry.
type ResponseBundle struct {
	ResourceType string                `json:"resourceType"`
	ID           string                `json:"id"`
	Type         string                `json:"type"`
	Timestamp    time.Time             `json:"timestamp"`
	Entry        []ResponseBundleEntry `json:"entry"`
}

type ResponseBundleEntry struct {
	Response *BundleEntryResponse `json:"response"`
}

var validBundleMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
}

// ParseTransactionBundle parses a raw JSON body into a TransactionBundle.
func ParseTransactionBundle(body []byte) (*TransactionBundle, error) {
	var raw struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string              `json:"fullUrl,omitempty"`
			Resource json.RawMessage     `json:"resource,omitempty"`
			Request  *BundleEntryRequest `json:"request,omitempty"`
		} `json:"entry,omitempty"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if raw.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: expected resourceType Bundle, got %q", ErrValidation, raw.ResourceType)
	}
	if raw.Type != "transaction" && raw.Type != "batch" {
		return nil, fmt.Errorf("%w: bundle type must be 'transaction' or 'batch', got %q", ErrValidation, raw.Type)
	}

	bundle := &TransactionBundle{
		ResourceType: raw.ResourceType,
		Type:         raw.Type,
		Entries:      make([]TransactionEntry, 0, len(raw.Entry)),
	}
	for i, e := range raw.Entry {
		entry := TransactionEntry{FullURL: e.FullURL}
		if len(e.Resource) > 0 {
			var res map[string]interface{}
			if err := json.Unmarshal(e.Resource, &res); err != nil {
				return nil, fmt.Errorf("%w: invalid resource in entry %d: %v", ErrValidation, i, err)
			}
			entry.Resource = res
		}
		if e.Request == nil {
			return nil, fmt.Errorf("%w: entry %d has no request", ErrValidation, i)
		}
		entry.Request = *e.Request
		if !validBundleMethods[entry.Request.Method] {
			return nil, fmt.Errorf("%w: entry %d: unsupported method %q", ErrValidation, i, entry.Request.Method)
		}
		if entry.Request.URL == "" {
			return nil, fmt.Errorf("%w: entry %d: request.url is required", ErrValidation, i)
		}
		bundle.Entries = append(bundle.Entries, entry)
	}
	return bundle, nil
}

// ProcessBundle applies a transaction or batch Bundle. Transaction entries
// share one storage transaction and any failure aborts them all; batch
// entries run independently with per-entry outcomes.
func (e *Engine) ProcessBundle(ctx context.Context, bucket string, bundle *TransactionBundle) (*ResponseBundle, error) {
	if err := ResolvePlaceholders(bundle); err != nil {
		return nil, err
	}

	response := &ResponseBundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Entry:        make([]ResponseBundleEntry, len(bundle.Entries)),
	}

	switch bundle.Type {
	case "transaction":
		response.Type = "transaction-response"
		err := e.store.RunTransaction(ctx, bucket, func(tx Tx) error {
			txc := AmbientTx(e.store, bucket, tx)
			for i := range bundle.Entries {
				resp, err := e.applyEntry(ctx, txc, &bundle.Entries[i])
				if err != nil {
					return fmt.Errorf("entry %d (%s %s): %w", i, bundle.Entries[i].Request.Method, bundle.Entries[i].Request.URL, err)
				}
				response.Entry[i] = ResponseBundleEntry{Response: resp}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

	case "batch":
		response.Type = "batch-response"
		for i := range bundle.Entries {
			txc := FreshTx(e.store, bucket)
			resp, err := e.applyEntry(ctx, txc, &bundle.Entries[i])
			if err != nil {
				resp = &BundleEntryResponse{
					Status:  fmt.Sprintf("%d", StatusFor(err)),
					Outcome: NewOperationOutcome("error", IssueCodeFor(err), err.Error()),
				}
			}
			response.Entry[i] = ResponseBundleEntry{Response: resp}
		}

	default:
		return nil, fmt.Errorf("%w: unsupported bundle type %q", ErrValidation, bundle.Type)
	}

	return response, nil
}

// applyEntry dispatches one bundle entry to the write pipeline.
func (e *Engine) applyEntry(ctx context.Context, txc TxContext, entry *TransactionEntry) (*BundleEntryResponse, error) {
	resourceType, id, isSearch := ParseEntryURL(entry.Request.URL)
	criteria := parseEntryCriteria(entry.Request.URL)

	switch entry.Request.Method {
	case "POST":
		if entry.Resource == nil {
			return nil, fmt.Errorf("%w: POST entry has no resource", ErrValidation)
		}
		// Only an id pinned by the urn:uuid pre-pass survives; any other
		// body id is replaced like on the standalone path.
		pinned := strings.HasPrefix(entry.FullURL, "urn:uuid:")
		result, err := e.post(ctx, txc, entry.Resource, "", pinned)
		if err != nil {
			return nil, err
		}
		return writeResponse("201 Created", result), nil

	case "PUT":
		if entry.Resource == nil {
			return nil, fmt.Errorf("%w: PUT entry has no resource", ErrValidation)
		}
		if isSearch {
			result, err := e.ConditionalPut(ctx, txc, resourceType, criteria, entry.Resource)
			if err != nil {
				return nil, err
			}
			status := "200 OK"
			if result.Created {
				status = "201 Created"
			}
			return writeResponse(status, result), nil
		}
		result, err := e.Put(ctx, txc, resourceType, id, entry.Resource)
		if err != nil {
			return nil, err
		}
		status := "200 OK"
		if result.Created {
			status = "201 Created"
		}
		return writeResponse(status, result), nil

	case "DELETE":
		if _, err := e.Delete(ctx, txc, resourceType, id, ""); err != nil {
			return nil, err
		}
		return &BundleEntryResponse{Status: "204 No Content", Location: LiveKey(resourceType, id)}, nil
	}
	return nil, fmt.Errorf("%w: unsupported method %q", ErrValidation, entry.Request.Method)
}

func writeResponse(status string, result *WriteResult) *BundleEntryResponse {
	return &BundleEntryResponse{
		Status:       status,
		Location:     result.Key,
		ETag:         fmt.Sprintf(`W/"%s"`, result.VersionID),
		LastModified: result.LastUpdated.Format(time.RFC3339Nano),
	}
}

// ResolvePlaceholders runs the urn:uuid pre-pass: every entry with a
// urn:uuid fullUrl gets its resource id pinned to the UUID suffix (or a
// generated one), then every reference in every entry is rewritten to the
// mapped Type/id. A urn:uuid reference with no mapped entry is an error.
func ResolvePlaceholders(bundle *TransactionBundle) error {
	idMap := make(map[string]string)

	for i := range bundle.Entries {
		entry := &bundle.Entries[i]
		if !strings.HasPrefix(entry.FullURL, "urn:uuid:") || entry.Resource == nil {
			continue
		}
		resourceType, _ := entry.Resource["resourceType"].(string)
		if resourceType == "" {
			return fmt.Errorf("%w: entry %d: urn:uuid entry has no resourceType", ErrValidation, i)
		}
		id := strings.TrimPrefix(entry.FullURL, "urn:uuid:")
		if id == "" {
			id = uuid.NewString()
		}
		entry.Resource["id"] = id
		idMap[entry.FullURL] = LiveKey(resourceType, id)
	}

	for i := range bundle.Entries {
		entry := &bundle.Entries[i]
		if entry.Resource != nil {
			if err := rewriteReferences(entry.Resource, idMap); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		entry.Request.URL = replacePlaceholders(entry.Request.URL, idMap)
	}
	return nil
}

// rewriteReferences walks a resource and substitutes mapped urn:uuid
// placeholders, both as whole reference values and embedded after a slash.
func rewriteReferences(resource map[string]interface{}, idMap map[string]string) error {
	var unresolved []string
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				if k == "reference" {
					if ref, ok := child.(string); ok && strings.Contains(ref, "urn:uuid:") {
						rewritten := replacePlaceholders(ref, idMap)
						if strings.Contains(rewritten, "urn:uuid:") {
							unresolved = append(unresolved, ref)
						}
						val[k] = rewritten
					}
					continue
				}
				val[k] = walk(child)
			}
			return val
		case []interface{}:
			for i, item := range val {
				val[i] = walk(item)
			}
			return val
		default:
			return val
		}
	}
	walk(resource)
	if len(unresolved) > 0 {
		return fmt.Errorf("%w: unresolved bundle references: %s", ErrValidation, strings.Join(unresolved, ", "))
	}
	return nil
}

func replacePlaceholders(s string, idMap map[string]string) string {
	for urn, actual := range idMap {
		s = strings.ReplaceAll(s, urn, actual)
	}
	return s
}

// ParseEntryURL parses a relative FHIR URL from a Bundle entry request.
// It returns the resource type, resource id (if present), and whether the
// URL represents a search (contains a query string).
//
// Examples:
//
//	"Patient/123"        -> ("Patient", "123", false)
//	"Patient?name=Smith" -> ("Patient", "", true)
//	"Patient"            -> ("Patient", "", false)
func ParseEntryURL(entryURL string) (resourceType, id string, isSearch bool) {
	if idx := strings.Index(entryURL, "?"); idx >= 0 {
		return entryURL[:idx], "", true
	}
	parts := strings.SplitN(entryURL, "/", 3)
	resourceType = parts[0]
	if len(parts) >= 2 {
		id = parts[1]
	}
	return resourceType, id, false
}

// parseEntryCriteria extracts the search criteria map from a conditional
// entry URL like "Patient?identifier=sys|val". Percent-encoded values
// ("sys%7Cval") are decoded; an undecodable value is kept raw.
func parseEntryCriteria(entryURL string) map[string]string {
	idx := strings.Index(entryURL, "?")
	if idx < 0 {
		return nil
	}
	criteria := map[string]string{}
	for _, part := range strings.Split(entryURL[idx+1:], "&") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		name, value := kv[0], kv[1]
		if decoded, err := url.QueryUnescape(name); err == nil {
			name = decoded
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		criteria[name] = value
	}
	return criteria
}
