// Package fetcher holds what the network fetchers share: mapping HTTP
// result codes onto crawl failure kinds.
package fetcher

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// MaxRetryAfter caps the pause honoured from a Retry-After header.
const MaxRetryAfter = 10 * time.Minute

var (
	deadLinkCodes = codes(204, 404, 410, 451)
	authCodes     = codes(401, 402, 403, 407, 495, 496, 511, 526, 561)
	transient     = codes(408, 409, 413, 429, 440, 460, 499, 500, 502, 503, 504,
		507, 509, 521, 522, 523, 524, 527, 529, 598)
)

func codes(cs ...int) map[int]struct{} {
	m := make(map[int]struct{}, len(cs))
	for _, c := range cs {
		m[c] = struct{}{}
	}
	return m
}

// ClassifyStatus returns nil for codes that yield content (200, 203) and
// for 304, and a *crawler.FetchError otherwise. Transient server
// conditions are retryable, honouring Retry-After when the header is set.
func ClassifyStatus(url string, code int, header http.Header) error {
	switch code {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNotModified:
		return nil
	}
	fe := &crawler.FetchError{URL: url, StatusCode: code, Kind: crawler.KindUnretryable}
	switch {
	case in(transient, code):
		fe.Kind = crawler.KindRetryable
		fe.RetryDelay = retryAfter(header)
	case in(deadLinkCodes, code):
		fe.Err = fmt.Errorf("dead link")
	case in(authCodes, code):
		fe.Err = fmt.Errorf("access denied")
	default:
		fe.Err = fmt.Errorf("unexpected response %s", http.StatusText(code))
	}
	return fe
}

func in(set map[int]struct{}, code int) bool {
	_, ok := set[code]
	return ok
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Missing or unparsable values return zero.
func retryAfter(header http.Header) time.Duration {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	if d < 0 {
		return 0
	}
	return min(d, MaxRetryAfter)
}

// ContentType returns the declared content type, defaulting to
// application/octet-stream.
func ContentType(header http.Header) string {
	if ct := header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
