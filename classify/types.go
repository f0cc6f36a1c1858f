// Package classify decides how a job posting can be applied to.
//
// A posting is either natively submittable through the board's quick-apply
// flow, routed to an external ATS form, gated behind account registration on
// an external site, answered by email, or unknown. Classification is a
// priority-ordered rule list over scraped markup plus a domain cache that
// avoids re-fetching external sites the service has seen before.
//
// Mis-classifying an external form as native makes the automation engine
// attempt a login flow on a site that never had one, which fails
// irrecoverably mid-run. Whenever signals conflict the rules therefore bias
// toward unknown/external over native.
package classify

import "errors"

// FormType describes how a posting accepts applications.
type FormType string

const (
	Native               FormType = "native"
	ExternalForm         FormType = "external_form"
	ExternalRegistration FormType = "external_registration"
	Email                FormType = "email"
	Unknown              FormType = "unknown"
)

// Valid reports whether t is one of the defined form types.
func (t FormType) Valid() bool {
	switch t {
	case Native, ExternalForm, ExternalRegistration, Email, Unknown:
		return true
	}
	return false
}

// Result is the outcome of classifying one posting.
type Result struct {
	FormType    FormType
	ExternalURL string // set for external_form / external_registration / email
}

// ErrNotAPosting is returned when the URL is a search or listing page rather
// than a single posting. Callers must not create job rows or cache entries
// for it.
var ErrNotAPosting = errors.New("classify: not a single posting page")
