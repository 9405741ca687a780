package api

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/couchfhir/couchfhir/internal/fhir"
)

func TestParseSearchRequest(t *testing.T) {
	values := url.Values{
		"gender":      {"female"},
		"identifier":  {"s|123"},
		"_count":      {"10"},
		"_sort":       {"-_lastUpdated"},
		"_summary":    {"count"},
		"_elements":   {"name, gender"},
		"_total":      {"accurate"},
		"_include":    {"Observation:patient"},
		"_revinclude": {"Observation:patient"},
		"_format":     {"json"},
	}

	req, err := parseSearchRequest("Patient", values)
	if err != nil {
		t.Fatalf("parseSearchRequest: %v", err)
	}

	if req.ResourceType != "Patient" {
		t.Errorf("resource type = %q", req.ResourceType)
	}
	if req.Criteria["gender"] != "female" || req.Criteria["identifier"] != "s|123" {
		t.Errorf("criteria = %v", req.Criteria)
	}
	if _, leaked := req.Criteria["_format"]; leaked {
		t.Error("_format leaked into criteria")
	}
	if req.Count != 10 || req.Sort != "-_lastUpdated" || req.Summary != "count" || req.Total != "accurate" {
		t.Errorf("control = %+v", req)
	}
	if len(req.Elements) != 2 || req.Elements[0] != "name" || req.Elements[1] != "gender" {
		t.Errorf("elements = %v", req.Elements)
	}
	if len(req.Includes) != 1 || len(req.RevIncludes) != 1 {
		t.Errorf("includes = %v, revincludes = %v", req.Includes, req.RevIncludes)
	}
}

func TestParseSearchRequestDefaults(t *testing.T) {
	req, err := parseSearchRequest("Patient", url.Values{})
	if err != nil {
		t.Fatalf("parseSearchRequest: %v", err)
	}
	// -1 lets the engine apply its default page size.
	if req.Count != -1 {
		t.Errorf("count = %d, want -1", req.Count)
	}
	if len(req.Criteria) != 0 {
		t.Errorf("criteria = %v, want empty", req.Criteria)
	}
}

func TestParseSearchRequestInvalidNumbers(t *testing.T) {
	for _, values := range []url.Values{
		{"_count": {"abc"}},
		{"_count": {"-1"}},
		{"_getpagesoffset": {"x"}},
		{"_getpagesoffset": {"-5"}},
	} {
		if _, err := parseSearchRequest("Patient", values); !errors.Is(err, fhir.ErrValidation) {
			t.Errorf("values %v: err = %v, want ErrValidation", values, err)
		}
	}
}

func TestSplitSearchParams(t *testing.T) {
	criteria, control := splitSearchParams(url.Values{
		"identifier": {"s|123"},
		"_count":     {"5"},
		"_format":    {"json"},
	})
	if criteria["identifier"] != "s|123" || len(criteria) != 1 {
		t.Errorf("criteria = %v", criteria)
	}
	if control.Get("_count") != "5" || control.Get("_format") != "json" {
		t.Errorf("control = %v", control)
	}
}

func TestParseFHIRDate(t *testing.T) {
	for _, raw := range []string{"2026", "2026-05", "2026-05-10", "2026-05-10T12:30:00Z"} {
		if _, err := parseFHIRDate(raw); err != nil {
			t.Errorf("parseFHIRDate(%q): %v", raw, err)
		}
	}
	if _, err := parseFHIRDate("next tuesday"); err == nil {
		t.Error("parseFHIRDate accepted garbage")
	}
}

func newLinkServer() *Server {
	return &Server{baseURL: "http://api.example.org/fhir"}
}

func TestPagingLinks(t *testing.T) {
	s := newLinkServer()

	set := &fhir.SearchSet{Token: "tok", Offset: 20, Count: 20, Total: 50}
	links := s.pagingLinks("/fhir/Patient?gender=female", set)

	if links.Self != "http://api.example.org/fhir/Patient?gender=female" {
		t.Errorf("self = %q", links.Self)
	}
	if !strings.Contains(links.Next, "_getpages=tok") || !strings.Contains(links.Next, "_getpagesoffset=40") {
		t.Errorf("next = %q", links.Next)
	}
	if !strings.Contains(links.Previous, "_getpagesoffset=0") {
		t.Errorf("previous = %q", links.Previous)
	}
}

func TestPagingLinksFirstPage(t *testing.T) {
	s := newLinkServer()

	set := &fhir.SearchSet{Token: "tok", Offset: 0, Count: 20, Total: 50}
	links := s.pagingLinks("/fhir/Patient", set)
	if links.Previous != "" {
		t.Errorf("first page has a previous link: %q", links.Previous)
	}
	if links.Next == "" {
		t.Error("first page of a larger set has no next link")
	}
}

func TestPagingLinksLastPage(t *testing.T) {
	s := newLinkServer()

	set := &fhir.SearchSet{Token: "tok", Offset: 40, Count: 20, Total: 50}
	links := s.pagingLinks("/fhir/Patient", set)
	if links.Next != "" {
		t.Errorf("last page has a next link: %q", links.Next)
	}
	if links.Previous == "" {
		t.Error("last page has no previous link")
	}
}

func TestPagingLinksNoToken(t *testing.T) {
	s := newLinkServer()

	set := &fhir.SearchSet{Total: 3, Count: 20}
	links := s.pagingLinks("/fhir/Patient", set)
	if links.Next != "" || links.Previous != "" {
		t.Errorf("single-page result grew paging links: %+v", links)
	}
}

func TestEverythingLinks(t *testing.T) {
	s := newLinkServer()

	set := &fhir.EverythingSet{Token: "tok", Count: 50, Total: 151}
	links := s.everythingLinks("/fhir/Patient/p1/$everything", "p1", set, 0)
	if !strings.Contains(links.Next, "/Patient/p1/$everything?_getpages=tok&_getpagesoffset=50") {
		t.Errorf("next = %q", links.Next)
	}
	if links.Previous != "" {
		t.Errorf("previous = %q on the first page", links.Previous)
	}

	links = s.everythingLinks("/fhir/Patient/p1/$everything", "p1", set, 100)
	if links.Next != "" {
		t.Errorf("next = %q past the final page", links.Next)
	}
	if !strings.Contains(links.Previous, "_getpagesoffset=50") {
		t.Errorf("previous = %q", links.Previous)
	}
}

func TestAbsoluteURI(t *testing.T) {
	base := "http://api.example.org/fhir"
	if got := absoluteURI(base, "/fhir/Patient?x=1"); got != "http://api.example.org/fhir/Patient?x=1" {
		t.Errorf("relative: %q", got)
	}
	if got := absoluteURI(base, "https://other.example.org/x"); got != "https://other.example.org/x" {
		t.Errorf("absolute passthrough: %q", got)
	}
}
