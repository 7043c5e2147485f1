package crawler

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotStored is returned by Repository.Stat and Open when no content is
// stored for the url.
var ErrNotStored = errors.New("content not stored")

// FetchErrorKind partitions fetch failures for the retry policy.
type FetchErrorKind int

// Fetch failure kinds.
const (
	// KindIO is a plain transport failure, retried with a fixed cap.
	KindIO FetchErrorKind = iota
	KindRetryable
	KindUnretryable
	KindFatal
	KindRedirectOutsideSpec
	KindRepository
)

func (k FetchErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindUnretryable:
		return "unretryable"
	case KindFatal:
		return "fatal"
	case KindRedirectOutsideSpec:
		return "redirect_outside_spec"
	case KindRepository:
		return "repository"
	default:
		return "io"
	}
}

// FetchError is a classified fetch or store failure.
type FetchError struct {
	Kind FetchErrorKind
	URL  string
	// StatusCode is the HTTP status when the failure came from a response.
	StatusCode int
	// RetryCount and RetryDelay are suggestions; zero means no suggestion.
	RetryCount int
	RetryDelay time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Kind.String()
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, msg, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, msg)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the failure must stop the crawl.
func (e *FetchError) IsFatal() bool {
	return e.Kind == KindFatal || e.Kind == KindRedirectOutsideSpec
}

// NewFetchError builds a FetchError of kind for url.
func NewFetchError(kind FetchErrorKind, url string, err error) *FetchError {
	return &FetchError{Kind: kind, URL: url, Err: err}
}

// KindOf classifies err. Unclassified errors are treated as KindIO.
func KindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindIO
}
