// Package phone canonicalizes destination numbers into +<country><national>.
package phone

import (
	"strings"
)

type NumberType string

const (
	Mobile   NumberType = "mobile"
	Landline NumberType = "landline"
)

// Region describes the accepted national number shapes for one country.
type Region struct {
	Code           string
	CountryCode    string
	TrunkPrefix    string
	MobileLength   int
	MobilePrefixes []string
	LandlineLength int
	LandlineFirst  byte
	LandlineLast   byte
}

const DefaultRegion = "TR"

var regions = map[string]Region{
	"TR": {
		Code:           "TR",
		CountryCode:    "90",
		TrunkPrefix:    "0",
		MobileLength:   10,
		MobilePrefixes: []string{"5"},
		LandlineLength: 10,
		LandlineFirst:  '2',
		LandlineLast:   '4',
	},
	"KG": {
		Code:           "KG",
		CountryCode:    "996",
		TrunkPrefix:    "0",
		MobileLength:   9,
		MobilePrefixes: []string{"5", "7", "9", "22"},
		LandlineLength: 9,
		LandlineFirst:  '3',
		LandlineLast:   '3',
	},
}

// Register adds or replaces a region.
func Register(r Region) {
	regions[strings.ToUpper(r.Code)] = r
}

func Lookup(code string) (Region, bool) {
	if code == "" {
		code = DefaultRegion
	}
	r, ok := regions[strings.ToUpper(code)]
	return r, ok
}

type Result struct {
	Valid      bool
	Normalized string
	Type       NumberType
}

// Normalize parses raw in the given region (DefaultRegion when empty).
// Anything that does not match a mobile or landline shape is invalid.
func Normalize(raw, region string) Result {
	r, ok := Lookup(region)
	if !ok {
		return Result{}
	}

	digits, international := clean(raw)
	if digits == "" {
		return Result{}
	}

	national, ok := r.national(digits, international)
	if !ok {
		return Result{}
	}

	typ, ok := r.classify(national)
	if !ok {
		return Result{}
	}

	return Result{Valid: true, Normalized: "+" + r.CountryCode + national, Type: typ}
}

func clean(raw string) (digits string, international bool) {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, c := range raw {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '+':
			if i != 0 {
				return "", false
			}
			international = true
		}
	}
	digits = b.String()
	if !international && strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		international = true
	}
	return digits, international
}

func (r Region) national(digits string, international bool) (string, bool) {
	if international {
		if !strings.HasPrefix(digits, r.CountryCode) {
			return "", false
		}
		return digits[len(r.CountryCode):], true
	}

	if strings.HasPrefix(digits, r.CountryCode) && r.fits(len(digits)-len(r.CountryCode)) {
		return digits[len(r.CountryCode):], true
	}
	if r.TrunkPrefix != "" && strings.HasPrefix(digits, r.TrunkPrefix) && r.fits(len(digits)-len(r.TrunkPrefix)) {
		return digits[len(r.TrunkPrefix):], true
	}
	return digits, true
}

func (r Region) fits(n int) bool {
	return n == r.MobileLength || n == r.LandlineLength
}

func (r Region) classify(national string) (NumberType, bool) {
	if len(national) == r.MobileLength {
		for _, p := range r.MobilePrefixes {
			if strings.HasPrefix(national, p) {
				return Mobile, true
			}
		}
	}
	if len(national) == r.LandlineLength && r.LandlineFirst != 0 {
		if first := national[0]; first >= r.LandlineFirst && first <= r.LandlineLast {
			return Landline, true
		}
	}
	return "", false
}
