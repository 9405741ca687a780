package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BundleLinks carries the paging links of a result bundle. Self is always
// emitted; Next and Previous only when non-empty.
type BundleLinks struct {
	Self     string
	Next     string
	Previous string
}

// WriteSearchBundle assembles a searchset Bundle by splicing the stored
// document bytes verbatim into the output. The documents are never decoded;
// only the envelope (id, links, entry metadata) is generated. Primaries are
// emitted with search.mode "match", includes with "include".
func WriteSearchBundle(base string, set *SearchSet, links BundleLinks) []byte {
	var buf bytes.Buffer
	buf.Grow(estimateSize(set.Primaries) + estimateSize(set.Includes) + 512)

	openBundle(&buf, "searchset", &set.Total, links)

	buf.WriteString(`,"entry":[`)
	first := true
	for _, p := range set.Primaries {
		writeEntry(&buf, &first, base, p, "match")
	}
	for _, inc := range set.Includes {
		writeEntry(&buf, &first, base, inc, "include")
	}
	buf.WriteString("]}")
	return buf.Bytes()
}

// WriteHistoryBundle assembles a history Bundle from version entries, newest
// first. Entry keys are Type/id/vid; the fullUrl drops the version suffix.
func WriteHistoryBundle(base string, entries []KVPair, links BundleLinks) []byte {
	var buf bytes.Buffer
	buf.Grow(estimateSize(entries) + 512)

	total := len(entries)
	openBundle(&buf, "history", &total, links)

	buf.WriteString(`,"entry":[`)
	first := true
	for _, entry := range entries {
		resourceType, id, _, ok := SplitVersionKey(entry.Key)
		if !ok || entry.Value == nil {
			continue
		}
		writeEntry(&buf, &first, base, KVPair{Key: LiveKey(resourceType, id), Value: entry.Value}, "")
	}
	buf.WriteString("]}")
	return buf.Bytes()
}

// WriteEverythingBundle assembles the searchset Bundle of Patient/$everything:
// the Patient first, then the related resources, all in "match" mode.
func WriteEverythingBundle(base string, set *EverythingSet, links BundleLinks) []byte {
	var buf bytes.Buffer
	buf.Grow(len(set.Patient.Value) + estimateSize(set.Related) + 512)

	openBundle(&buf, "searchset", &set.Total, links)

	buf.WriteString(`,"entry":[`)
	first := true
	if set.Patient.Value != nil {
		writeEntry(&buf, &first, base, set.Patient, "match")
	}
	for _, p := range set.Related {
		writeEntry(&buf, &first, base, p, "match")
	}
	buf.WriteString("]}")
	return buf.Bytes()
}

// openBundle writes the shared bundle prologue up to, but not including, the
// entry array. Total is omitted when nil.
func openBundle(buf *bytes.Buffer, bundleType string, total *int, links BundleLinks) {
	buf.WriteString(`{"resourceType":"Bundle","id":"`)
	buf.WriteString(uuid.NewString())
	buf.WriteString(`","meta":{"lastUpdated":"`)
	buf.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	buf.WriteString(`"},"type":"`)
	buf.WriteString(bundleType)
	buf.WriteString(`"`)
	if total != nil {
		fmt.Fprintf(buf, `,"total":%d`, *total)
	}

	buf.WriteString(`,"link":[`)
	writeLink(buf, "self", links.Self, true)
	writeLink(buf, "next", links.Next, false)
	writeLink(buf, "previous", links.Previous, false)
	buf.WriteString(`]`)
}

func writeLink(buf *bytes.Buffer, relation, url string, force bool) {
	if url == "" && !force {
		return
	}
	if buf.Bytes()[buf.Len()-1] != '[' {
		buf.WriteByte(',')
	}
	buf.WriteString(`{"relation":"`)
	buf.WriteString(relation)
	buf.WriteString(`","url":`)
	buf.Write(jsonString(url))
	buf.WriteByte('}')
}

func writeEntry(buf *bytes.Buffer, first *bool, base string, pair KVPair, mode string) {
	if !*first {
		buf.WriteByte(',')
	}
	*first = false
	buf.WriteString(`{"fullUrl":`)
	buf.Write(jsonString(base + "/" + pair.Key))
	buf.WriteString(`,"resource":`)
	buf.Write(pair.Value)
	if mode != "" {
		buf.WriteString(`,"search":{"mode":"`)
		buf.WriteString(mode)
		buf.WriteString(`"}`)
	}
	buf.WriteByte('}')
}

// jsonString renders s as a JSON string literal with proper escaping.
func jsonString(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return b
}

func estimateSize(pairs []KVPair) int {
	n := 0
	for _, p := range pairs {
		n += len(p.Value) + 128
	}
	return n
}
