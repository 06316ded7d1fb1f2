package urlnorm

import "testing"

func TestNormalizeStripsTrackingParams(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"utm only", "https://ex.com/a?utm_source=t&utm_medium=m", "https://ex.com/a"},
		{"fbclid", "https://ex.com/a?fbclid=x", "https://ex.com/a"},
		{"gclid mixed with real param", "https://ex.com/a?gclid=1&page=2", "https://ex.com/a?page=2"},
		{"utm_campaign", "https://ex.com/a?utm_campaign=s", "https://ex.com/a"},
		{"amazon tag", "https://amazon.com/dp/B01?tag=aff-20&th=1", "https://amazon.com/dp/b01?th=1"},
		{"youtube share token", "https://youtube.com/watch?v=abc123&si=track", "https://youtube.com/watch?v=abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeKeepsSemanticParams(t *testing.T) {
	a := Normalize("https://www.youtube.com/watch?v=abc123")
	b := Normalize("https://www.youtube.com/watch?v=xyz789")
	if a == b {
		t.Fatalf("distinct videos collapsed to %q", a)
	}

	cats := Normalize("https://www.google.com/search?q=cats")
	dogs := Normalize("https://www.google.com/search?q=dogs")
	if cats == dogs {
		t.Fatalf("distinct searches collapsed to %q", cats)
	}
}

func TestNormalizeCollapsesTrackedVariants(t *testing.T) {
	base := Normalize("https://ex.com/a")
	variants := []string{
		"https://ex.com/a?utm_source=t&fbclid=x",
		"https://ex.com/a?utm_campaign=s",
		"https://www.ex.com/a",
		"https://ex.com/a#section",
		"https://ex.com:443/a",
		"https://ex.com/a/",
	}
	for _, v := range variants {
		if got := Normalize(v); got != base {
			t.Fatalf("Normalize(%q) = %q, want %q", v, got, base)
		}
	}
}

func TestNormalizeSortsQueryParams(t *testing.T) {
	a := Normalize("https://ex.com/p?b=2&a=1")
	b := Normalize("https://ex.com/p?a=1&b=2")
	if a != b {
		t.Fatalf("param order not canonical: %q vs %q", a, b)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"https://www.YouTube.com/watch?v=abc123&utm_source=x",
		"https://ex.com:443/a/b/?q=1#frag",
		"http://ex.com:80/",
		"https://ex.com/p?b=2&a=1&fbclid=z",
		"not a url at all",
		"example.com/page",
		"about:blank",
		"chrome://extensions/",
		"https://ex.com/path%2Fwith%2Fslashes",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalizeInvalidInput(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"NOT A URL", "not a url"},
		{"example.com/Page", "example.com/page"},
		{"://missing-scheme", "://missing-scheme"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeDefaultPortsAndFragments(t *testing.T) {
	if got := Normalize("http://ex.com:80/a"); got != "http://ex.com/a" {
		t.Fatalf("http default port kept: %q", got)
	}
	if got := Normalize("https://ex.com:443/a"); got != "https://ex.com/a" {
		t.Fatalf("https default port kept: %q", got)
	}
	if got := Normalize("http://ex.com:8080/a"); got != "http://ex.com:8080/a" {
		t.Fatalf("explicit port lost: %q", got)
	}
	if got := Normalize("https://ex.com/a#x"); got != "https://ex.com/a" {
		t.Fatalf("fragment kept: %q", got)
	}
}

func TestNormalizeTrailingSlash(t *testing.T) {
	if got := Normalize("https://ex.com/a/"); got != "https://ex.com/a" {
		t.Fatalf("trailing slash kept: %q", got)
	}
	if got := Normalize("https://ex.com/"); got != "https://ex.com/" {
		t.Fatalf("root path mangled: %q", got)
	}
	if got := Normalize("https://ex.com"); got != "https://ex.com/" {
		t.Fatalf("empty path not canonicalized: %q", got)
	}
}

func TestDomain(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://www.Example.com/a", "example.com"},
		{"https://news.ycombinator.com/item?id=1", "news.ycombinator.com"},
		{"http://ex.com:8080/", "ex.com"},
		{"not a url", ""},
		{"example.com/page", ""},
		{"about:blank", ""},
	}
	for _, tc := range cases {
		if got := Domain(tc.in); got != tc.want {
			t.Fatalf("Domain(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
