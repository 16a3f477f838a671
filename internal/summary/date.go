package summary

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const labels = `(?:REGISTERED|COLLECTED|REPORTED|DATE)[\s:]+`

type datePattern struct {
	re    *regexp.Regexp
	parse func(string) (time.Time, bool)
}

// Labeled patterns come first; the first parseable match in pattern order wins.
var datePatterns = []datePattern{
	{regexp.MustCompile(`(?i)` + labels + `(\d{1,2}[-/][A-Za-z]{3,9}[-/]\d{4})`), parseDayMonthName},
	{regexp.MustCompile(`(?i)` + labels + `(\d{1,2}[-/]\d{1,2}[-/]\d{4})`), parseNumericDMY},
	{regexp.MustCompile(`(?i)\b(\d{1,2}[-/][A-Za-z]{3,9}[-/]\d{4})\b`), parseDayMonthName},
	{regexp.MustCompile(`\b(\d{4}[-/]\d{1,2}[-/]\d{1,2})\b`), parseYMD},
	{regexp.MustCompile(`\b(\d{1,2}[-/]\d{1,2}[-/]\d{4})\b`), parseNumericDMY},
	{regexp.MustCompile(`(?i)\b((?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4})\b`), parseMonthNameDY},
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

var separators = regexp.MustCompile(`[-/]`)

// ExtractDate finds the document date in extracted text. It returns nil when no
// date-like token parses.
func ExtractDate(text string) *time.Time {
	for _, p := range datePatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			if d, ok := p.parse(m[1]); ok {
				return &d
			}
		}
	}
	return nil
}

func parseDayMonthName(s string) (time.Time, bool) {
	parts := separators.Split(s, -1)
	if len(parts) != 3 || len(parts[1]) < 3 {
		return time.Time{}, false
	}
	mon, ok := months[strings.ToLower(parts[1][:3])]
	if !ok {
		return time.Time{}, false
	}
	day, err1 := strconv.Atoi(parts[0])
	year, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return time.Time{}, false
	}
	return mkdate(year, mon, day)
}

func parseYMD(s string) (time.Time, bool) {
	n, ok := ints(s)
	if !ok {
		return time.Time{}, false
	}
	return mkdate(n[0], time.Month(n[1]), n[2])
}

// parseNumericDMY reads day-first, falling back to month-first when day-first is invalid.
func parseNumericDMY(s string) (time.Time, bool) {
	n, ok := ints(s)
	if !ok {
		return time.Time{}, false
	}
	if d, ok := mkdate(n[2], time.Month(n[1]), n[0]); ok {
		return d, true
	}
	return mkdate(n[2], time.Month(n[0]), n[1])
}

func parseMonthNameDY(s string) (time.Time, bool) {
	f := strings.Fields(strings.ReplaceAll(s, ",", " "))
	if len(f) != 3 {
		return time.Time{}, false
	}
	mon, ok := months[strings.ToLower(f[0][:3])]
	if !ok {
		return time.Time{}, false
	}
	day, err1 := strconv.Atoi(f[1])
	year, err2 := strconv.Atoi(f[2])
	if err1 != nil || err2 != nil {
		return time.Time{}, false
	}
	return mkdate(year, mon, day)
}

func ints(s string) ([3]int, bool) {
	var out [3]int
	parts := separators.Split(s, -1)
	if len(parts) != 3 {
		return out, false
	}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return out, false
		}
		out[i] = v
	}
	return out, true
}

// mkdate rejects values that time.Date would normalize (31-Feb, month 13).
func mkdate(year int, month time.Month, day int) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 || year < 1900 {
		return time.Time{}, false
	}
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day || d.Month() != month {
		return time.Time{}, false
	}
	return d, true
}
