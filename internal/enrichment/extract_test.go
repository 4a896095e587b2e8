package enrichment

import "testing"

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
		key  string
	}{
		{"plain object", `{"name":"Stripe"}`, true, "name"},
		{"prose around object", "Here you go:\n```json\n{\"name\":\"Stripe\"}\n```\nThanks!", true, "name"},
		{"skips broken first brace", `{not json} then {"summary":"ok"}`, true, "summary"},
		{"nested object returned whole", `x {"leadership":[{"name":"A B"}]} y`, true, "leadership"},
		{"array is not an object", `[1,2,3]`, false, ""},
		{"no braces", "nothing to see", false, ""},
		{"truncated", `{"name":"Str`, false, ""},
		{"empty", "", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, ok := ExtractJSON(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v; want %v (obj=%v)", ok, tt.ok, obj)
			}
			if ok {
				if _, has := obj[tt.key]; !has {
					t.Fatalf("expected key %q in %v", tt.key, obj)
				}
			}
		})
	}
}

func TestParse_FallbackAndNoUpdates(t *testing.T) {
	res := Parse("the service is down, try later")
	if res.Profile["raw"] != "the service is down, try later" || res.NoUpdates {
		t.Fatalf("fallback = %+v", res)
	}

	res = Parse(`Nothing changed. {"no_updates": true}`)
	if !res.NoUpdates {
		t.Fatalf("expected NoUpdates, got %+v", res)
	}

	res = Parse(`{"no_updates": "yes"}`)
	if res.NoUpdates {
		t.Fatalf("non-boolean no_updates must not count")
	}
}
