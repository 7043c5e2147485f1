package permission

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

func TestStringChecker(t *testing.T) {
	t.Parallel()

	c := NewStringChecker("")
	page := `<html><body><p>The LOCKSS   system has permission
		to collect, preserve, and serve this
		Archival Unit</p></body></html>`
	require.True(t, c.CheckPermission(context.Background(), strings.NewReader(page), "http://x.org/perm"))
	require.False(t, c.CheckPermission(context.Background(), strings.NewReader("<p>nothing here</p>"), "http://x.org/perm"))

	hidden := `<script>var s = "LOCKSS system has permission to collect, preserve, and serve this Archival Unit";</script>`
	require.False(t, c.CheckPermission(context.Background(), strings.NewReader(hidden), "http://x.org/perm"))

	custom := NewStringChecker("Crawling permitted")
	require.True(t, custom.CheckPermission(context.Background(), strings.NewReader("<b>crawling PERMITTED</b>"), ""))
}

func TestCreativeCommonsChecker(t *testing.T) {
	t.Parallel()

	var c CreativeCommonsChecker
	ok := `<a rel="license" href="http://creativecommons.org/licenses/by/4.0/">CC BY</a>`
	require.True(t, c.CheckPermission(context.Background(), strings.NewReader(ok), ""))

	noRel := `<a href="http://creativecommons.org/licenses/by/4.0/">CC BY</a>`
	require.False(t, c.CheckPermission(context.Background(), strings.NewReader(noRel), ""))

	other := `<link rel="license" href="https://example.org/license">`
	require.False(t, c.CheckPermission(context.Background(), strings.NewReader(other), ""))
}

type staticChecker struct {
	name  string
	grant bool
	seen  []string
}

func (s *staticChecker) Name() string { return s.name }

func (s *staticChecker) CheckPermission(_ context.Context, r io.Reader, _ string) bool {
	body, _ := io.ReadAll(r)
	s.seen = append(s.seen, string(body))
	return s.grant
}

func TestAnyOfReplaysBody(t *testing.T) {
	t.Parallel()

	deny := &staticChecker{name: "deny"}
	grant := &staticChecker{name: "grant", grant: true}
	anyOf := AnyOf{Checkers: []crawler.PermissionChecker{deny, grant}}

	require.Equal(t, "any(deny,grant)", anyOf.Name())
	require.True(t, anyOf.CheckPermission(context.Background(), strings.NewReader("page"), ""))
	require.Equal(t, []string{"page"}, deny.seen)
	require.Equal(t, []string{"page"}, grant.seen)

	none := AnyOf{Label: "none", Checkers: []crawler.PermissionChecker{deny}}
	require.Equal(t, "none", none.Name())
	require.False(t, none.CheckPermission(context.Background(), strings.NewReader("page"), ""))
}
