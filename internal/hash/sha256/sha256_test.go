package sha256

import "testing"

func TestHasherDigests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty body", in: "", want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{name: "start url", in: "http://example.org/", want: ""},
		{name: "content", in: "hello world", want: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	h := New()
	if h.Algorithm() != "SHA-256" {
		t.Fatalf("unexpected algorithm %q", h.Algorithm())
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := h.Hash([]byte(tc.in))
			if err != nil {
				t.Fatalf("Hash(%q) error = %v", tc.in, err)
			}
			if len(got) != 64 {
				t.Fatalf("expected 64 hex chars, got %d (%s)", len(got), got)
			}
			if tc.want != "" && got != tc.want {
				t.Fatalf("Hash(%q) = %s, want %s", tc.in, got, tc.want)
			}
			again, _ := h.Hash([]byte(tc.in))
			if again != got {
				t.Fatalf("digest not deterministic: %s vs %s", got, again)
			}
		})
	}
}
