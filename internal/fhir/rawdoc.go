package fhir

import (
	"bytes"
	"strings"

	"github.com/buger/jsonparser"
)

// Helpers for inspecting stored documents without a full decode. Read paths
// keep resources as raw bytes end to end; only the handful of fields the
// engine cares about are extracted here.

// RawResourceType extracts the resourceType discriminator from stored bytes.
func RawResourceType(doc []byte) string {
	v, _ := jsonparser.GetString(doc, "resourceType")
	return v
}

// RawID extracts the resource id from stored bytes.
func RawID(doc []byte) string {
	v, _ := jsonparser.GetString(doc, "id")
	return v
}

// RawVersionID extracts meta.versionId, defaulting to "1" when absent.
func RawVersionID(doc []byte) string {
	v, err := jsonparser.GetString(doc, "meta", "versionId")
	if err != nil || v == "" {
		return "1"
	}
	return v
}

// RawLastUpdated extracts meta.lastUpdated as its stored string form.
func RawLastUpdated(doc []byte) string {
	v, _ := jsonparser.GetString(doc, "meta", "lastUpdated")
	return v
}

// ContainsURNUUID reports whether any urn:uuid placeholder survives in the
// document. Used as a post-condition after bundle reference resolution.
func ContainsURNUUID(doc []byte) bool {
	return bytes.Contains(doc, []byte("urn:uuid:"))
}

// HarvestReferences flattens all reference strings reachable at the given
// dotted path in a stored document. Intermediate arrays are walked element by
// element, so "participant.individual" collects one reference per participant.
// The terminal "reference" segment is implied and appended when missing.
func HarvestReferences(doc []byte, path string) []string {
	segments := strings.Split(path, ".")
	if segments[len(segments)-1] != "reference" {
		segments = append(segments, "reference")
	}
	var out []string
	harvest(doc, segments, &out)
	return out
}

func harvest(value []byte, segments []string, out *[]string) {
	if len(segments) == 0 {
		if s, err := jsonparser.ParseString(value); err == nil && s != "" {
			*out = append(*out, s)
		}
		return
	}

	v, dt, _, err := jsonparser.Get(value, segments[0])
	if err != nil {
		// The path may sit behind an array at this level.
		if _, adt, _, aerr := jsonparser.Get(value); aerr == nil && adt == jsonparser.Array {
			jsonparser.ArrayEach(value, func(item []byte, _ jsonparser.ValueType, _ int, _ error) {
				harvest(item, segments, out)
			})
		}
		return
	}

	switch dt {
	case jsonparser.Array:
		jsonparser.ArrayEach(v, func(item []byte, _ jsonparser.ValueType, _ int, _ error) {
			harvest(item, segments[1:], out)
		})
	case jsonparser.Object:
		harvest(v, segments[1:], out)
	case jsonparser.String:
		if len(segments) == 1 {
			if s, err := jsonparser.ParseString(v); err == nil && s != "" {
				*out = append(*out, s)
			}
		}
	}
}
