// Package instrument parses and validates the exchange instrument codes that
// the recommendation and prediction models return. Model output is free text,
// so codes arrive as "005930", "A005930", "005930.KS" or with whitespace.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// codeRegex matches a six-character listing code: a leading digit followed by
// digits or upper-case letters. Example: 005930, 0001A0
var codeRegex = regexp.MustCompile(`^[0-9][0-9A-Z]{5}$`)

var (
	ErrInvalidCode = errors.New("instrument: invalid code")
	ErrEmpty       = errors.New("instrument: empty code")
)

// Known exchange suffixes stripped during normalization.
var suffixes = []string{".KS", ".KQ", ".KX"}

// Instrument is a parsed listing code.
type Instrument struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

// Normalize trims the decorations model output commonly carries without
// validating the result.
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, suf := range suffixes {
		s = strings.TrimSuffix(s, suf)
	}
	// "A005930" is the brokerage-style prefix for stock codes.
	if len(s) == 7 && s[0] == 'A' {
		s = s[1:]
	}
	return s
}

// Parse normalizes raw and validates it as a listing code.
func Parse(raw string) (Instrument, error) {
	if strings.TrimSpace(raw) == "" {
		return Instrument{}, ErrEmpty
	}
	code := Normalize(raw)
	if !codeRegex.MatchString(code) {
		return Instrument{}, fmt.Errorf("%w: %q (expected six characters, e.g. 005930)", ErrInvalidCode, raw)
	}
	return Instrument{Code: code}, nil
}

// Valid reports whether raw parses.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}
