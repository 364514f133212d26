package locale

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in       string
		language string
		region   string
	}{
		{"en_US", "en", "US"},
		{"fr_FR", "fr", "FR"},
		{"de", "de", ""},
		{"pt_BR_extra", "pt", "BR"},
		{"es_", "es", ""},
	}
	for _, tc := range cases {
		loc, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if loc.Language != tc.language || loc.Region != tc.region {
			t.Fatalf("parse %q: got %+v", tc.in, loc)
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "   ", "_US", "1234_US", "en_12345"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidLocale) {
			t.Fatalf("parse %q: expected ErrInvalidLocale, got %v", in, err)
		}
	}
}

func TestStringAndTag(t *testing.T) {
	loc := Locale{Language: "en", Region: "US"}
	if loc.String() != "en_US" {
		t.Fatalf("unexpected string %q", loc.String())
	}
	if loc.Tag().String() != "en-US" {
		t.Fatalf("unexpected tag %q", loc.Tag().String())
	}
	if (Locale{Language: "de"}).String() != "de" {
		t.Fatal("expected language-only string")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_MESSAGES", "C")
	t.Setenv("LANG", "de_DE.UTF-8")
	if got := FromEnv(); got.String() != "de_DE" {
		t.Fatalf("expected de_DE, got %q", got.String())
	}

	t.Setenv("LC_ALL", "fr_CA@euro")
	if got := FromEnv(); got.String() != "fr_CA" {
		t.Fatalf("expected fr_CA, got %q", got.String())
	}
}

func TestFromEnvFallsBack(t *testing.T) {
	t.Setenv("LC_ALL", "POSIX")
	t.Setenv("LC_MESSAGES", "")
	t.Setenv("LANG", "")
	if got := FromEnv(); got != Default {
		t.Fatalf("expected default locale, got %+v", got)
	}
}

func TestFixed(t *testing.T) {
	if got := Fixed("it_IT")(); got.String() != "it_IT" {
		t.Fatalf("expected it_IT, got %q", got.String())
	}
	t.Setenv("LC_ALL", "es_MX")
	if got := Fixed("")(); got.String() != "es_MX" {
		t.Fatalf("expected env fallback, got %q", got.String())
	}
}
