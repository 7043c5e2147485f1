package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"HTTP://Example.COM:80/a#frag": "http://example.com/a",
		"https://example.com:443":      "https://example.com/",
		"http://example.com:8080/x?b=1": "http://example.com:8080/x?b=1",
	}
	for in, want := range tests {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}

	_, err := NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := ResolveURL("http://example.com/dir/page.html", "../other.html#top")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/other.html", got)

	_, err = ResolveURL("http://example.com/", "mailto:someone@example.com")
	require.Error(t, err)
}

func TestStemsAndHosts(t *testing.T) {
	t.Parallel()

	stem, err := StemOf("HTTPS://Pub.Example.org:8443/issue/1")
	require.NoError(t, err)
	require.Equal(t, "https://pub.example.org:8443/", stem)
	require.Equal(t, "pub.example.org", HostOf("https://Pub.Example.org:8443/x"))
	require.True(t, UnderStems("http://a.org/x", []string{"http://b.org/", "http://A.org/"}))
	require.False(t, UnderStems("http://c.org/x", []string{"http://b.org/"}))
}
