// Package extract turns provider formatted prices and dates into canonical values.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// Amount is a price split at its decimal separator. Decimal holds the digits
// as written, so "7,5" is {7, 5, 1} and "7,50" is {7, 50, 2}.
type Amount struct {
	Integer       int64
	Decimal       int64
	DecimalDigits int
}

// Cents combines the parts into minor units, scaling the decimal part to two
// digits. Extra digits are truncated.
func (a Amount) Cents() int64 {
	dec := a.Decimal
	switch {
	case a.DecimalDigits == 1:
		dec *= 10
	case a.DecimalDigits > 2:
		for i := a.DecimalDigits; i > 2; i-- {
			dec /= 10
		}
	}
	return a.Integer*100 + dec
}

var amountPattern = regexp.MustCompile(`\d[\d.,'\x{00A0}\x{202F}]*`)

// ExtractAmount finds the first number in s. A lone separator followed by
// exactly three digits is read as thousands grouping. It returns nil when s
// holds no number.
func ExtractAmount(s string) *Amount {
	m := amountPattern.FindString(s)
	if m == "" {
		return nil
	}
	m = strings.Map(func(r rune) rune {
		switch r {
		case '\'', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, m)
	m = strings.TrimRight(m, ".,")
	if m == "" {
		return nil
	}

	lastDot := strings.LastIndexByte(m, '.')
	lastComma := strings.LastIndexByte(m, ',')
	sep := max(lastDot, lastComma)

	intPart, decPart := m, ""
	if sep >= 0 {
		sepChar := m[sep]
		tail := m[sep+1:]
		single := strings.Count(m, string(sepChar)) == 1 && (lastDot < 0 || lastComma < 0)
		switch {
		case lastDot >= 0 && lastComma >= 0:
			// both present: the later one is the decimal separator
			intPart, decPart = m[:sep], tail
		case single && len(tail) != 3:
			intPart, decPart = m[:sep], tail
		default:
			// grouping only
			intPart = m
		}
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	if strings.ContainsAny(decPart, ".,") {
		return nil
	}

	integer, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return nil
	}
	a := &Amount{Integer: integer}
	if decPart != "" {
		dec, err := strconv.ParseInt(decPart, 10, 64)
		if err != nil {
			return nil
		}
		a.Decimal = dec
		a.DecimalDigits = len(decPart)
	}
	return a
}

// ExtractCents is ExtractAmount followed by Cents.
func ExtractCents(s string) (int64, bool) {
	a := ExtractAmount(s)
	if a == nil {
		return 0, false
	}
	return a.Cents(), true
}
