package locale

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/language"
)

var ErrInvalidLocale = errors.New("invalid locale")

// Locale is a language with an optional region, written "en_US" on the wire.
type Locale struct {
	Language string
	Region   string
}

// Default is used when the environment names no usable locale.
var Default = Locale{Language: "en", Region: "US"}

// Parse splits id on the first underscore into language and region. Anything
// after a second underscore is ignored.
func Parse(id string) (Locale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Locale{}, fmt.Errorf("%w: empty identifier", ErrInvalidLocale)
	}
	parts := strings.SplitN(id, "_", 3)
	base, err := language.ParseBase(parts[0])
	if err != nil {
		return Locale{}, fmt.Errorf("%w: language %q: %v", ErrInvalidLocale, parts[0], err)
	}
	loc := Locale{Language: base.String()}
	if len(parts) > 1 && parts[1] != "" {
		region, err := language.ParseRegion(parts[1])
		if err != nil {
			return Locale{}, fmt.Errorf("%w: region %q: %v", ErrInvalidLocale, parts[1], err)
		}
		loc.Region = region.String()
	}
	return loc, nil
}

// String returns the wire form, e.g. "en_US".
func (l Locale) String() string {
	if l.Region == "" {
		return l.Language
	}
	return l.Language + "_" + l.Region
}

// Tag returns the BCP 47 tag for l.
func (l Locale) Tag() language.Tag {
	if l.Region == "" {
		return language.Make(l.Language)
	}
	return language.Make(l.Language + "-" + l.Region)
}

// IsZero reports whether l carries no language.
func (l Locale) IsZero() bool {
	return l.Language == ""
}

// FromEnv reads the process locale from LC_ALL, LC_MESSAGES and LANG in that
// order. Encodings and modifiers ("en_US.UTF-8", "de_DE@euro") are stripped.
func FromEnv() Locale {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if loc, ok := fromPOSIX(value); ok {
			return loc
		}
	}
	return Default
}

func fromPOSIX(value string) (Locale, bool) {
	if i := strings.IndexAny(value, ".@"); i >= 0 {
		value = value[:i]
	}
	switch value {
	case "", "C", "POSIX":
		return Locale{}, false
	}
	loc, err := Parse(value)
	if err != nil {
		return Locale{}, false
	}
	return loc, true
}

// Source supplies the current system locale.
type Source func() Locale

// Fixed returns a Source that always reports id, falling back to FromEnv
// when id is empty or invalid.
func Fixed(id string) Source {
	if id != "" {
		if loc, err := Parse(id); err == nil {
			return func() Locale { return loc }
		}
	}
	return FromEnv
}
