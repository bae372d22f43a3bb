// Package flow implements the setup wizard that creates config entries
// and the options form that edits them. Both are step machines whose
// results are one of: show a form (possibly with inline errors), create
// an entry, or abort.
package flow

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nugget/matomo-bridge/internal/entries"
	"github.com/nugget/matomo-bridge/internal/matomo"
)

// ResultType is the outcome of a flow step.
type ResultType string

// Result types.
const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Step IDs.
const (
	StepUser = "user" // base URL + token
	StepSite = "site" // site selection + include_aggregate
	StepInit = "init" // options form
)

// Form fields. FieldBase carries errors not tied to one field.
const (
	FieldURL              = "url"
	FieldToken            = "token"
	FieldSiteID           = "site_id"
	FieldIncludeAggregate = "include_aggregate"
	FieldBase             = "base"
)

// Error codes shown next to form fields.
const (
	ErrInvalidURL    = "invalid_url"
	ErrInvalidAuth   = "invalid_auth"
	ErrCannotConnect = "cannot_connect"
	ErrNoSites       = "no_sites"
	ErrInvalidSite   = "invalid_site"
)

// AbortAlreadyConfigured is the abort reason for a duplicate
// (base URL, site ID) pair.
const AbortAlreadyConfigured = "already_configured"

// Result is returned by every step.
type Result struct {
	FlowID string            `json:"flow_id"`
	Type   ResultType        `json:"type"`
	StepID string            `json:"step_id,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`

	// Sites are the choices for the site step.
	Sites []matomo.Site `json:"sites,omitempty"`

	// Defaults pre-fill form fields.
	Defaults map[string]string `json:"defaults,omitempty"`

	// Entry is set for create_entry.
	Entry *entries.Entry `json:"entry,omitempty"`

	// Reason is set for abort.
	Reason string `json:"reason,omitempty"`
}

// FormError reports a form that was re-shown with errors during a
// non-interactive import.
type FormError struct {
	StepID string
	Errors map[string]string
}

func (e *FormError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, field := range slices.Sorted(maps.Keys(e.Errors)) {
		parts = append(parts, field+": "+e.Errors[field])
	}
	return fmt.Sprintf("step %s: %s", e.StepID, strings.Join(parts, ", "))
}
