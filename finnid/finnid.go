// Package finnid extracts the canonical numeric posting identifier
// (finnkode) from the many URL shapes the job board serves.
//
// Extraction is a fixed-priority rule list: the first rule that matches
// wins. The order matters — the last rule ("any 8+ digit run at the end of
// the path") would shadow the specific ones if it ran first. A URL that
// matches no rule yields ok=false; the identifier is never guessed.
package finnid

import (
	"net/url"
	"regexp"
)

// rule is one extraction pattern. re must expose the identifier as its
// first capture group.
type rule struct {
	name string
	re   *regexp.Regexp
	// query names the query parameter to read instead of matching re
	// against the path. Query rules run on the parsed query string so
	// digits elsewhere in the URL cannot leak into the result.
	query string
}

// rules are evaluated in order; keep the loosest pattern last.
var rules = []rule{
	{name: "finnkode-param", query: "finnkode", re: regexp.MustCompile(`^(\d+)$`)},
	{name: "adid-param", query: "adId", re: regexp.MustCompile(`^(\d+)$`)},
	{name: "job-segment", re: regexp.MustCompile(`/job/(\d+)(?:\.html)?(?:$|[/?#])`)},
	{name: "ad-segment", re: regexp.MustCompile(`/ad[/.](\d+)(?:\.html)?(?:$|[/?#])`)},
	{name: "job-nested", re: regexp.MustCompile(`/job/[^/]+/(\d+)(?:\.html)?/?$`)},
	{name: "trailing-digits", re: regexp.MustCompile(`/(\d{8,})/?$`)},
}

// Extract returns the canonical posting identifier for rawURL.
// ok is false when no rule matches; callers must treat that as a hard stop.
func Extract(rawURL string) (id string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}

	for _, r := range rules {
		if r.query != "" {
			v := u.Query().Get(r.query)
			if v == "" {
				continue
			}
			if m := r.re.FindStringSubmatch(v); m != nil {
				return m[1], true
			}
			continue
		}
		if m := r.re.FindStringSubmatch(u.Path); m != nil {
			return m[1], true
		}
	}
	return "", false
}
