package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/couchfhir/couchfhir/internal/fhir"
)

// controlParams are the FHIR result parameters the engine interprets; every
// other query parameter is a search criterion.
var controlParams = map[string]bool{
	"_include":        true,
	"_revinclude":     true,
	"_count":          true,
	"_sort":           true,
	"_summary":        true,
	"_elements":       true,
	"_total":          true,
	"_getpages":       true,
	"_getpagesoffset": true,
	"_format":         true,
}

// parseSearchRequest splits the query string into criteria and control
// parameters.
func parseSearchRequest(resourceType string, values url.Values) (fhir.SearchRequest, error) {
	req := fhir.SearchRequest{
		ResourceType: resourceType,
		Criteria:     map[string]string{},
		Count:        -1,
	}

	for name, vals := range values {
		if len(vals) == 0 || vals[0] == "" {
			continue
		}
		value := vals[0]

		switch {
		case name == "_include":
			req.Includes = append(req.Includes, vals...)
		case name == "_revinclude":
			req.RevIncludes = append(req.RevIncludes, vals...)
		case name == "_count":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return req, fmt.Errorf("%w: invalid _count %q", fhir.ErrValidation, value)
			}
			req.Count = n
		case name == "_sort":
			req.Sort = value
		case name == "_summary":
			req.Summary = value
		case name == "_elements":
			for _, e := range strings.Split(value, ",") {
				if e = strings.TrimSpace(e); e != "" {
					req.Elements = append(req.Elements, e)
				}
			}
		case name == "_total":
			req.Total = value
		case name == "_getpages":
			req.Token = value
		case name == "_getpagesoffset":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return req, fmt.Errorf("%w: invalid _getpagesoffset %q", fhir.ErrValidation, value)
			}
			req.Offset = n
		case controlParams[name]:
			// Recognized but not interpreted (_format).
		default:
			req.Criteria[name] = value
		}
	}
	return req, nil
}

// splitSearchParams separates search criteria from control parameters without
// interpreting the latter.
func splitSearchParams(values url.Values) (criteria map[string]string, control url.Values) {
	criteria = map[string]string{}
	control = url.Values{}
	for name, vals := range values {
		if len(vals) == 0 {
			continue
		}
		if controlParams[name] {
			control[name] = vals
			continue
		}
		criteria[name] = vals[0]
	}
	return criteria, control
}

func parseEverythingRequest(c echo.Context) (fhir.EverythingRequest, error) {
	req := fhir.EverythingRequest{
		PatientID: c.Param("id"),
		Count:     intQueryParam(c, "_count", 0),
	}

	if raw := c.QueryParam("_type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.Types = append(req.Types, t)
			}
		}
	}

	for _, p := range []struct {
		name   string
		target **time.Time
	}{
		{"start", &req.Start},
		{"end", &req.End},
		{"_since", &req.Since},
	} {
		raw := c.QueryParam(p.name)
		if raw == "" {
			continue
		}
		t, err := parseFHIRDate(raw)
		if err != nil {
			return req, fmt.Errorf("%w: invalid %s %q", fhir.ErrValidation, p.name, raw)
		}
		*p.target = &t
	}
	return req, nil
}

func parseFHIRDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", raw)
}

func intQueryParam(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// pagingLinks builds self/next/previous links for a search result. Paging
// links route through the system-level _getpages endpoint.
func (s *Server) pagingLinks(selfURI string, set *fhir.SearchSet) fhir.BundleLinks {
	links := fhir.BundleLinks{Self: absoluteURI(s.baseURL, selfURI)}
	if set.Token == "" {
		return links
	}
	if set.Offset+set.Count < set.Total {
		links.Next = s.pageLink(set.Token, set.Offset+set.Count, set.Count)
	}
	if set.Offset > 0 {
		prev := set.Offset - set.Count
		if prev < 0 {
			prev = 0
		}
		links.Previous = s.pageLink(set.Token, prev, set.Count)
	}
	return links
}

// everythingLinks mirrors pagingLinks for $everything, which pages through
// its own operation URL.
func (s *Server) everythingLinks(selfURI, patientID string, set *fhir.EverythingSet, offset int) fhir.BundleLinks {
	links := fhir.BundleLinks{Self: absoluteURI(s.baseURL, selfURI)}
	if set.Token == "" {
		return links
	}
	base := s.baseURL + "/Patient/" + url.PathEscape(patientID) + "/$everything"
	related := set.Total - 1
	if offset+set.Count < related {
		links.Next = fmt.Sprintf("%s?_getpages=%s&_getpagesoffset=%d&_count=%d", base, url.QueryEscape(set.Token), offset+set.Count, set.Count)
	}
	if offset > 0 {
		prev := offset - set.Count
		if prev < 0 {
			prev = 0
		}
		links.Previous = fmt.Sprintf("%s?_getpages=%s&_getpagesoffset=%d&_count=%d", base, url.QueryEscape(set.Token), prev, set.Count)
	}
	return links
}

func (s *Server) pageLink(token string, offset, count int) string {
	return fmt.Sprintf("%s?_getpages=%s&_getpagesoffset=%d&_count=%d", s.baseURL, url.QueryEscape(token), offset, count)
}

// absoluteURI joins the advertised base with the request URI when the latter
// is relative.
func absoluteURI(base, uri string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return uri
	}
	return parsed.Scheme + "://" + parsed.Host + uri
}
