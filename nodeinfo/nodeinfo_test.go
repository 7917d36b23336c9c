package nodeinfo

import "testing"

func TestSemVerRoundTrip(t *testing.T) {
	v, err := ParseSemVer("4.2.1-beta.1+build5")
	if err != nil {
		t.Fatal(err)
	}
	if v.Major != 4 || v.Minor != 2 || v.Patch != 1 || v.Pre != "beta.1" || v.Build != "build5" {
		t.Fatalf("unexpected parse: %+v", v)
	}
	if got := FormatSemVer(v); got != "4.2.1-beta.1+build5" {
		t.Fatalf("FormatSemVer = %q", got)
	}
}

func TestCompare(t *testing.T) {
	a, _ := ParseSemVer("1.2.0")
	b, _ := ParseSemVer("1.10.0")
	if Compare(a, b) != -1 {
		t.Fatalf("expected 1.2.0 < 1.10.0")
	}
}

func TestBestLinkPrefersHighestKnownVersion(t *testing.T) {
	disc := discoveryDoc{}
	disc.Links = append(disc.Links, struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	}{Rel: "http://nodeinfo.diaspora.software/ns/schema/2.0", Href: "https://x/nodeinfo/2.0"})
	disc.Links = append(disc.Links, struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	}{Rel: "http://nodeinfo.diaspora.software/ns/schema/2.1", Href: "https://x/nodeinfo/2.1"})
	if got := bestLink(disc); got != "https://x/nodeinfo/2.1" {
		t.Fatalf("bestLink = %q, want 2.1 link", got)
	}
}
