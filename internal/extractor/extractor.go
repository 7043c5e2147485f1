// Package extractor finds links in fetched HTML and CSS content.
package extractor

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// Mime types with a built-in extractor.
const (
	MimeHTML  = "text/html"
	MimeXHTML = "application/xhtml+xml"
	MimeCSS   = "text/css"
)

// ForMimeType returns the extractor for a normalized mime type, or nil when
// content of that type is not parsed.
func ForMimeType(mimeType string) crawler.LinkExtractor {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case MimeHTML, MimeXHTML:
		return HTML{}
	case MimeCSS:
		return CSS{}
	default:
		return nil
	}
}

// decode wraps r to convert from encoding to UTF-8. An empty or unknown
// label leaves r untouched.
func decode(r io.Reader, encoding string) (io.Reader, error) {
	if encoding == "" {
		return r, nil
	}
	dr, err := charset.NewReaderLabel(encoding, r)
	if err != nil {
		return nil, fmt.Errorf("decode %s content: %w", encoding, err)
	}
	return dr, nil
}

// skippable reports whether a raw link can never be fetched.
func skippable(link string) bool {
	l := strings.ToLower(strings.TrimSpace(link))
	if l == "" || strings.HasPrefix(l, "#") {
		return true
	}
	for _, p := range []string{"javascript:", "mailto:", "data:", "tel:", "about:"} {
		if strings.HasPrefix(l, p) {
			return true
		}
	}
	return false
}
