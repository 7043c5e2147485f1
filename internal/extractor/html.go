package extractor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// linkAttrs lists the selector and attribute pairs that carry links.
var linkAttrs = []struct{ selector, attr string }{
	{"a[href]", "href"},
	{"area[href]", "href"},
	{"link[href]", "href"},
	{"img[src]", "src"},
	{"script[src]", "src"},
	{"iframe[src]", "src"},
	{"frame[src]", "src"},
	{"embed[src]", "src"},
	{"source[src]", "src"},
	{"audio[src]", "src"},
	{"video[src]", "src"},
	{"video[poster]", "poster"},
	{"input[src]", "src"},
	{"object[data]", "data"},
	{"applet[code]", "code"},
	{"form[action]", "action"},
	{"body[background]", "background"},
	{"table[background]", "background"},
	{"td[background]", "background"},
}

// HTML extracts links from HTML documents: element attributes, srcset
// candidates, meta refresh targets and stylesheet urls. Relative links are
// resolved against <base href> when present.
type HTML struct{}

// Extract implements crawler.LinkExtractor.
func (HTML) Extract(ctx context.Context, r io.Reader, encoding, srcURL string, emit func(string)) error {
	dr, err := decode(r, encoding)
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(dr)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	base := srcURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if abs, err := crawler.ResolveURL(srcURL, href); err == nil {
			base = abs
		}
	}
	out := func(link string) {
		if skippable(link) {
			return
		}
		if abs, err := crawler.ResolveURL(base, link); err == nil {
			emit(abs)
		}
	}

	for _, la := range linkAttrs {
		doc.Find(la.selector).Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(la.attr)
			out(v)
		})
	}
	doc.Find("[srcset]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("srcset")
		for _, candidate := range strings.Split(v, ",") {
			if fields := strings.Fields(candidate); len(fields) > 0 {
				out(fields[0])
			}
		}
	})
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(equiv, "refresh") {
			return
		}
		content, _ := s.Attr("content")
		if target := refreshTarget(content); target != "" {
			out(target)
		}
	})
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		cssLinks(s.Text(), out)
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("style")
		cssLinks(v, out)
	})
	return nil
}

// refreshTarget returns the url of a meta refresh value "5; url=/next".
func refreshTarget(content string) string {
	_, rest, ok := strings.Cut(content, ";")
	if !ok {
		return ""
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 4 || !strings.EqualFold(rest[:4], "url=") {
		return ""
	}
	return strings.Trim(strings.TrimSpace(rest[4:]), `"'`)
}
