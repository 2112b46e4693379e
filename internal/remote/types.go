// Package remote talks to the hosted relational page database that the local store
// mirrors. Records are "pages" living in "databases" (containers); relations between
// pages are lists of remote page ids.
package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	// CodeRateLimited is reported with HTTP 429.
	CodeRateLimited = "rate_limited"
	// CodeUnauthorized is reported when the integration token is invalid.
	CodeUnauthorized = "unauthorized"
	// CodeRestricted is reported when the token lacks access to the resource.
	CodeRestricted = "restricted_resource"
	// CodeObjectNotFound is reported for unknown or inaccessible page ids.
	CodeObjectNotFound = "object_not_found"
	// CodeValidation is reported for malformed properties.
	CodeValidation = "validation_error"
	// CodeConflict is reported when a concurrent write raced the request.
	CodeConflict = "conflict_error"
)

// ErrUnreachable wraps transport-level failures: the remote API could not be reached at all.
var ErrUnreachable = errors.New("remote: api unreachable")

// Page is one remote record.
type Page struct {
	ID             string
	Archived       bool
	LastEditedTime time.Time
	Properties     map[string]any
}

// QueryRequest bounds one page of a container query.
type QueryRequest struct {
	// EditedOnOrAfter filters to pages last edited at or after the instant; zero means no filter.
	EditedOnOrAfter time.Time
	// NewestFirst sorts by last edited time descending.
	NewestFirst bool
	StartCursor string
	PageSize    int
}

// QueryResult is one page of query results.
type QueryResult struct {
	Results    []Page
	HasMore    bool
	NextCursor string
}

// Error is a non-2xx answer from the remote API.
type Error struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("remote: status %d (%s): %s", e.Status, e.Code, e.Message)
}

// RateLimited reports whether the server asked the caller to slow down.
func (e *Error) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.Code == CodeRateLimited
}

// Unauthorized reports credential or permission failures.
func (e *Error) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden ||
		e.Code == CodeUnauthorized || e.Code == CodeRestricted
}

// NotFound reports a missing page.
func (e *Error) NotFound() bool {
	return e.Status == http.StatusNotFound || e.Code == CodeObjectNotFound
}

// Temporary reports server-side failures worth retrying.
func (e *Error) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusConflict ||
		e.Status == http.StatusRequestTimeout || e.Code == CodeConflict
}
