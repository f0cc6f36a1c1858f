package finnid

import "testing"

func TestExtract(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want string
		ok   bool
	}{
		{"finnkode param", "https://www.finn.no/job/fulltime/ad.html?finnkode=439273812", "439273812", true},
		{"finnkode wins over path digits", "https://www.finn.no/job/fulltime/12345678?finnkode=439273812", "439273812", true},
		{"legacy adId param", "https://www.finn.no/job/apply?adId=98765432", "98765432", true},
		{"finnkode beats adId", "https://www.finn.no/ad.html?finnkode=111222333&adId=98765432", "111222333", true},
		{"job segment", "https://www.finn.no/job/439273812", "439273812", true},
		{"job segment html", "https://www.finn.no/job/439273812.html", "439273812", true},
		{"ad slash segment", "https://www.finn.no/ad/439273812", "439273812", true},
		{"ad dot segment", "https://www.finn.no/ad.439273812", "439273812", true},
		{"nested job path", "https://www.finn.no/job/fulltime/439273812", "439273812", true},
		{"nested job path html", "https://www.finn.no/job/parttime/439273812.html", "439273812", true},
		{"trailing digits last resort", "https://www.finn.no/recruitment/positions/43927381", "43927381", true},
		{"trailing digits too short", "https://www.finn.no/recruitment/positions/1234567", "", false},
		{"non-numeric finnkode rejected", "https://www.finn.no/ad.html?finnkode=abc123", "", false},
		{"search page", "https://www.finn.no/job/fulltime/search.html?occupation=0.23", "", false},
		{"no identifier anywhere", "https://www.finn.no/job/fulltime/", "", false},
		{"empty string", "", "", false},
		{"garbage", "://not a url", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Extract(tc.url)
			if ok != tc.ok {
				t.Fatalf("ok: got %v, want %v", ok, tc.ok)
			}
			if got != tc.want {
				t.Fatalf("id: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRuleOrderIsStable(t *testing.T) {
	// The nested-path rule must not steal from the flat /job/<id> rule,
	// and the trailing-digits rule must stay last.
	wantOrder := []string{
		"finnkode-param", "adid-param", "job-segment",
		"ad-segment", "job-nested", "trailing-digits",
	}
	if len(rules) != len(wantOrder) {
		t.Fatalf("rule count: got %d, want %d", len(rules), len(wantOrder))
	}
	for i, r := range rules {
		if r.name != wantOrder[i] {
			t.Fatalf("rule %d: got %q, want %q", i, r.name, wantOrder[i])
		}
	}
}
