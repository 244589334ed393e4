package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/subscout/api/schemas"
)

var monthNames = map[string]time.Month{
	"january": time.January, "jan": time.January, "januar": time.January, "jänner": time.January,
	"february": time.February, "feb": time.February, "februar": time.February,
	"march": time.March, "mar": time.March, "märz": time.March, "maerz": time.March, "mär": time.March, "mrz": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May, "mai": time.May,
	"june": time.June, "jun": time.June, "juni": time.June,
	"july": time.July, "jul": time.July, "juli": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October, "oktober": time.October, "okt": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December, "dezember": time.December, "dez": time.December,
}

func monthAlternation() string {
	names := make([]string, 0, len(monthNames))
	for n := range monthNames {
		names = append(names, regexp.QuoteMeta(n))
	}
	// longest first so "june" wins over "jun"
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return strings.Join(names, "|")
}

type dateFormat struct {
	re    *regexp.Regexp
	parse func(m []string, now time.Time, monthFirst bool) (time.Time, bool)
}

var dateFormats = func() []dateFormat {
	months := monthAlternation()
	return []dateFormat{
		{
			re: regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})`),
			parse: func(m []string, _ time.Time, _ bool) (time.Time, bool) {
				return ymd(atoi(m[1]), atoi(m[2]), atoi(m[3]))
			},
		},
		{
			re: regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4}|\d{2})\b`),
			parse: func(m []string, _ time.Time, _ bool) (time.Time, bool) {
				return ymd(year(m[3]), atoi(m[2]), atoi(m[1]))
			},
		},
		{
			re: regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4}|\d{2})\b`),
			parse: func(m []string, _ time.Time, monthFirst bool) (time.Time, bool) {
				a, b := atoi(m[1]), atoi(m[2])
				if monthFirst && a <= 12 || b > 12 {
					a, b = b, a
				}
				return ymd(year(m[3]), b, a)
			},
		},
		{
			re: regexp.MustCompile(`(?i)\b(\d{1,2})\.?\s+(` + months + `)\.?,?\s+(\d{4})\b`),
			parse: func(m []string, _ time.Time, _ bool) (time.Time, bool) {
				return ymd(atoi(m[3]), int(monthNames[strings.ToLower(m[2])]), atoi(m[1]))
			},
		},
		{
			re: regexp.MustCompile(`(?i)\b(` + months + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`),
			parse: func(m []string, _ time.Time, _ bool) (time.Time, bool) {
				return ymd(atoi(m[3]), int(monthNames[strings.ToLower(m[1])]), atoi(m[2]))
			},
		},
		{
			re: regexp.MustCompile(`(?i)\b(\d{1,2})\.?\s+(` + months + `)\b`),
			parse: func(m []string, now time.Time, _ bool) (time.Time, bool) {
				return nextOccurrence(now, monthNames[strings.ToLower(m[2])], atoi(m[1]))
			},
		},
		{
			re: regexp.MustCompile(`(?i)\b(` + months + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b`),
			parse: func(m []string, now time.Time, _ bool) (time.Time, bool) {
				return nextOccurrence(now, monthNames[strings.ToLower(m[1])], atoi(m[2]))
			},
		},
	}
}()

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func year(s string) int {
	y := atoi(s)
	if len(s) == 2 {
		y += 2000
	}
	return y
}

// ymd builds UTC midnight, rejecting dates time.Date would normalize.
func ymd(y, m, d int) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != m {
		return time.Time{}, false
	}
	return t, true
}

func nextOccurrence(now time.Time, m time.Month, d int) (time.Time, bool) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	t, ok := ymd(now.Year(), int(m), d)
	if !ok {
		return time.Time{}, false
	}
	if t.Before(today) {
		return ymd(now.Year()+1, int(m), d)
	}
	return t, true
}

func extractDate(s string, now time.Time, monthFirst bool) *time.Time {
	for _, f := range dateFormats {
		m := f.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if t, ok := f.parse(m, now, monthFirst); ok {
			return &t
		}
	}
	return nil
}

// ExtractDate finds the first date in s and returns it as UTC midnight.
// Formats are tried in a fixed order and the first that matches wins; slash
// dates are read day first unless that is impossible. Dates without a year
// resolve to their next occurrence after now. It returns nil when nothing matches.
func ExtractDate(s string, now time.Time) *time.Time {
	return extractDate(s, now, false)
}

// ExtractDateMonthFirst is ExtractDate for locales that write slash dates month first.
func ExtractDateMonthFirst(s string, now time.Time) *time.Time {
	return extractDate(s, now, true)
}

// ISO formats t the way subscription records carry dates.
func ISO(t time.Time) string { return schemas.FormatISO(t) }
