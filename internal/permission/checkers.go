package permission

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// LOCKSSStatement is the canonical permission statement.
const LOCKSSStatement = "LOCKSS system has permission to collect, preserve, and serve this Archival Unit"

var whitespace = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(whitespace.ReplaceAllString(s, " ")))
}

// StringChecker grants permission when the page text contains Statement,
// ignoring case and whitespace differences.
type StringChecker struct {
	Statement string
}

// NewStringChecker returns a checker for statement, or for the LOCKSS
// statement when statement is empty.
func NewStringChecker(statement string) *StringChecker {
	if strings.TrimSpace(statement) == "" {
		statement = LOCKSSStatement
	}
	return &StringChecker{Statement: statement}
}

// Name implements crawler.PermissionChecker.
func (c *StringChecker) Name() string { return "string" }

// CheckPermission implements crawler.PermissionChecker.
func (c *StringChecker) CheckPermission(_ context.Context, r io.Reader, _ string) bool {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return false
	}
	doc.Find("script, style").Remove()
	return strings.Contains(normalizeText(doc.Text()), normalizeText(c.Statement))
}

var ccLicense = regexp.MustCompile(`^https?://(www\.)?creativecommons\.org/(licenses|publicdomain)/`)

// CreativeCommonsChecker grants permission when the page links to a
// Creative Commons license with rel="license".
type CreativeCommonsChecker struct{}

// Name implements crawler.PermissionChecker.
func (CreativeCommonsChecker) Name() string { return "creative_commons" }

// CheckPermission implements crawler.PermissionChecker.
func (CreativeCommonsChecker) CheckPermission(_ context.Context, r io.Reader, _ string) bool {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return false
	}
	found := false
	doc.Find("a[rel], link[rel]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		rels := strings.Fields(strings.ToLower(sel.AttrOr("rel", "")))
		for _, rel := range rels {
			if rel == "license" && ccLicense.MatchString(strings.TrimSpace(sel.AttrOr("href", ""))) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// AnyOf grants permission when any of its checkers grants it.
type AnyOf struct {
	Label    string
	Checkers []crawler.PermissionChecker
}

// Name implements crawler.PermissionChecker.
func (a AnyOf) Name() string {
	if a.Label != "" {
		return a.Label
	}
	names := make([]string, 0, len(a.Checkers))
	for _, c := range a.Checkers {
		names = append(names, c.Name())
	}
	return "any(" + strings.Join(names, ",") + ")"
}

// CheckPermission implements crawler.PermissionChecker.
func (a AnyOf) CheckPermission(ctx context.Context, r io.Reader, permissionURL string) bool {
	body, err := io.ReadAll(r)
	if err != nil {
		return false
	}
	for _, c := range a.Checkers {
		if c.CheckPermission(ctx, bytes.NewReader(body), permissionURL) {
			return true
		}
	}
	return false
}
