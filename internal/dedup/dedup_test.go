package dedup

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"http upgraded", "http://Example.com/Watch", "https://example.com/Watch"},
		{"tracking params stripped", "https://x.com/w?v=abc&utm_source=y&fbclid=z", "https://x.com/w?v=abc"},
		{"query keys sorted", "https://example.com/p?b=2&a=1", "https://example.com/p?a=1&b=2"},
		{"trailing slash stripped", "https://example.com/path/", "https://example.com/path"},
		{"root slash kept", "https://example.com/", "https://example.com/"},
		{"fragment dropped", "https://example.com/p#section", "https://example.com/p"},
		{"whitespace trimmed", "  https://example.com/p  ", "https://example.com/p"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestHashMatchesAcrossTracking(t *testing.T) {
	a := Hash("https://x.com/w?v=abc&utm_source=y")
	b := Hash("https://x.com/w?v=abc")
	if a != b {
		t.Fatalf("hashes differ for tracking-only variants: %s vs %s", a, b)
	}
	c := Hash("https://x.com/w?v=other")
	if a == c {
		t.Fatalf("distinct URLs hashed identically")
	}
}

func TestPlatformID(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "youtube:dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "youtube:dQw4w9WgXcQ"},
		{"https://twitter.com/user/status/12345", "twitter:12345"},
		{"https://x.com/user/status/12345", "twitter:12345"},
		{"https://www.reddit.com/r/golang/comments/abc123/title/", "reddit:abc123"},
		{"https://www.xvideos.com/video1234567/some_title", "xvideos:1234567"},
		{"https://example.com/video/123", ""},
	}
	for _, tc := range cases {
		if got := PlatformID(tc.url); got != tc.want {
			t.Fatalf("PlatformID(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestPlatformIDIgnoresQueryNoise(t *testing.T) {
	a := PlatformID("https://www.youtube.com/watch?v=abc&t=42s")
	b := PlatformID("https://www.youtube.com/watch?v=abc&feature=share")
	if a == "" || a != b {
		t.Fatalf("expected same platform id, got %q vs %q", a, b)
	}
}
