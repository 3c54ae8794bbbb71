package ingest

import (
	"errors"
	"fmt"
)

// FailureCode classifies per-feed failures surfaced to the orchestrator.
type FailureCode string

// Failure codes reported in run summaries.
const (
	CodeIDNotFound       FailureCode = "ID_NOT_FOUND"
	CodeAmbiguousMatch   FailureCode = "AMBIGUOUS_MATCH"
	CodeUnsupported      FailureCode = "UNSUPPORTED"
	CodeRobotsDisallowed FailureCode = "ROBOTS_DISALLOWED"
	CodeHTTP4xx          FailureCode = "HTTP_4XX"
	CodeHTTP5xx          FailureCode = "HTTP_5XX"
	CodeParserInvalidXML FailureCode = "PARSER_INVALID_XML"
	CodeSchemaViolation  FailureCode = "SCHEMA_VIOLATION"
)

// FeedError is a classified failure for one feed's unit of work.
type FeedError struct {
	Code FailureCode
	URL  string
	Err  error
}

// Error implements the error interface.
func (e *FeedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.URL)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.URL, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *FeedError) Unwrap() error {
	return e.Err
}

// NewFeedError wraps err with a failure code and the affected URL.
func NewFeedError(code FailureCode, url string, err error) *FeedError {
	return &FeedError{Code: code, URL: url, Err: err}
}

// CodeOf extracts the failure code from err, or empty when unclassified.
func CodeOf(err error) FailureCode {
	var fe *FeedError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
