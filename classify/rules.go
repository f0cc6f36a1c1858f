package classify

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/SmmShaman/jobbot-no/markup"
)

// decision is what a posting rule concludes. resolve=true means the external
// URL still needs cache/fetch resolution to pick between form and
// registration.
type decision struct {
	result  Result
	resolve bool
}

// postingRule inspects a posting page. Rules run in order; the first one
// that fires wins. The external-apply rule deliberately precedes the
// quick-apply rule: when a posting carries both controls, the external one
// is the one a candidate must actually click.
type postingRule struct {
	name   string
	detect func(u *url.URL, doc *markup.Doc) (decision, bool)
}

var postingRules = []postingRule{
	{name: "email-apply", detect: func(_ *url.URL, doc *markup.Doc) (decision, bool) {
		c, ok := doc.FindApplyControl()
		if !ok || !c.Mailto {
			return decision{}, false
		}
		return decision{result: Result{FormType: Email, ExternalURL: c.Href}}, true
	}},
	{name: "external-apply", detect: func(_ *url.URL, doc *markup.Doc) (decision, bool) {
		c, ok := doc.FindApplyControl()
		if !ok || c.Mailto {
			return decision{}, false
		}
		return decision{result: Result{ExternalURL: c.Href}, resolve: true}, true
	}},
	{name: "quick-apply", detect: func(_ *url.URL, doc *markup.Doc) (decision, bool) {
		if !doc.HasQuickApply() {
			return decision{}, false
		}
		return decision{result: Result{FormType: Native}}, true
	}},
}

// externalRule classifies a fetched external page. Registration signals are
// checked before form signals: a page with both a password field and an
// upload control is a registration wall.
type externalRule struct {
	name   string
	detect func(doc *markup.Doc) (FormType, bool)
}

var externalRules = []externalRule{
	{name: "password-wall", detect: func(doc *markup.Doc) (FormType, bool) {
		if doc.HasPasswordInput() {
			return ExternalRegistration, true
		}
		return Unknown, false
	}},
	{name: "social-login", detect: func(doc *markup.Doc) (FormType, bool) {
		if doc.HasSocialLogin() {
			return ExternalRegistration, true
		}
		return Unknown, false
	}},
	{name: "direct-form", detect: func(doc *markup.Doc) (FormType, bool) {
		if doc.HasFileUpload() || doc.HasSubmitControl() {
			return ExternalForm, true
		}
		return Unknown, false
	}},
}

// searchPagePatterns match listing/search URLs that must never be treated
// as postings.
var searchPagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`/search(\.html)?(/|$)`),
	regexp.MustCompile(`/browse(/|$)`),
	regexp.MustCompile(`/(stillinger|positions)/?$`),
}

// IsSearchURL reports whether rawURL is a search or listing page.
func IsSearchURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, re := range searchPagePatterns {
		if re.MatchString(path) {
			return true
		}
	}
	q := u.Query()
	// Listing pages carry filter parameters single postings never do.
	return q.Has("occupation") || q.Has("q") || q.Has("page")
}

// classifyPosting runs the posting rules in order.
func classifyPosting(u *url.URL, doc *markup.Doc) decision {
	for _, r := range postingRules {
		if d, ok := r.detect(u, doc); ok {
			return d
		}
	}
	return decision{result: Result{FormType: Unknown}}
}

// classifyExternal runs the external-page rules in order.
func classifyExternal(doc *markup.Doc) FormType {
	for _, r := range externalRules {
		if t, ok := r.detect(doc); ok {
			return t
		}
	}
	return Unknown
}
