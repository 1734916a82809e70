package links

import (
	"strings"
	"testing"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		text     string
		want     []string
		wantErrs int
	}{
		{"valid https", "Check out https://example.com", []string{"https://example.com"}, 0},
		{"valid http", "Check out http://example.com", []string{"http://example.com"}, 0},
		{"with path and query", "read https://blog.example.com/posts/42?ref=feed later", []string{"https://blog.example.com/posts/42?ref=feed"}, 0},
		{"no dot in host", "Visit http://malformed", nil, 1},
		{"trailing dot no tld", "Check these: https://example.com and http://invalid.", []string{"https://example.com"}, 1},
		{"multiple urls", "Multiple links: https://example.com and http://test.com", []string{"https://example.com", "http://test.com"}, 0},
		{"non-http scheme ignored", "Check ftp://example.com", nil, 0},
		{"empty", "", nil, 0},
		{"no urls", "Hello world!", nil, 0},
		{"duplicate collapsed", "https://example.com https://example.com", []string{"https://example.com"}, 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, errs := Extract(tc.text)
			if len(got) != len(tc.want) {
				t.Fatalf("urls = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("urls = %v, want %v", got, tc.want)
				}
			}
			if len(errs) != tc.wantErrs {
				t.Fatalf("errors = %v, want %d", errs, tc.wantErrs)
			}
		})
	}
}

func TestValidateLength(t *testing.T) {
	t.Parallel()

	long := "https://example.com/" + strings.Repeat("a", MaxURLLength)
	if err := Validate(long); err == nil || err.Reason != reasonTooLong {
		t.Fatalf("Validate(long) = %v, want too-long rejection", err)
	}

	// Exactly at the cap is still accepted.
	exact := "https://example.com/" + strings.Repeat("a", MaxURLLength-len("https://example.com/"))
	if len(exact) != MaxURLLength {
		t.Fatalf("setup: len = %d", len(exact))
	}
	if err := Validate(exact); err != nil {
		t.Fatalf("Validate(exact cap) = %v", err)
	}
}
