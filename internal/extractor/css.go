package extractor

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	cssURL    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)\s]*))\s*\)`)
	cssImport = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// CSS extracts url() references and @import targets from stylesheets.
type CSS struct{}

// Extract implements crawler.LinkExtractor.
func (CSS) Extract(ctx context.Context, r io.Reader, encoding, _ string, emit func(string)) error {
	dr, err := decode(r, encoding)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(dr)
	if err != nil {
		return fmt.Errorf("read stylesheet: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cssLinks(string(data), emit)
	return nil
}

func cssLinks(text string, emit func(string)) {
	for _, re := range []*regexp.Regexp{cssURL, cssImport} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			for _, g := range m[1:] {
				if g = strings.TrimSpace(g); g != "" && !skippable(g) {
					emit(g)
					break
				}
			}
		}
	}
}
