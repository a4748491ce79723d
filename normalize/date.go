package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/xuri/excelize/v2"
)

// =============================================================================
// DATES
// =============================================================================

// DefaultDateLayouts is the layout cascade: abbreviated month with two-digit
// year first (the CT-e export format), then numeric day/month/year, then
// month/day/year, then ISO. Single-digit day/month verbs accept padded input.
func DefaultDateLayouts() []string {
	return []string{
		"2/Jan/06", "2-Jan-06", "2 Jan 06",
		"2/Jan/2006", "2-Jan-2006", "2 Jan 2006",
		"2/1/2006", "2-1-2006", "2.1.2006", "2/1/06", "2-1-06",
		"1/2/2006", "1-2-2006", "1/2/06",
		"2006-01-02", "2006-1-2", "2006/01/02", "20060102",
		"2/1/2006 15:04:05", "2/1/2006 15:04", "2/1/06 15:04",
		"2006-01-02 15:04:05", "2006-01-02T15:04:05", time.RFC3339,
	}
}

// DefaultMonthNames maps Portuguese, Spanish and French month names and
// abbreviations (folded) to English abbreviations. Lookups try the whole
// word first, then its first three letters.
func DefaultMonthNames() map[string]string {
	return map[string]string{
		// English, so "January" resolves through its prefix
		"jan": "Jan", "feb": "Feb", "mar": "Mar", "apr": "Apr", "may": "May", "jun": "Jun",
		"jul": "Jul", "aug": "Aug", "sep": "Sep", "oct": "Oct", "nov": "Nov", "dec": "Dec",
		// pt
		"fev": "Feb", "abr": "Apr", "mai": "May", "ago": "Aug", "set": "Sep", "out": "Oct", "dez": "Dec",
		// es
		"ene": "Jan", "dic": "Dec",
		// fr
		"janv": "Jan", "fevr": "Feb", "mars": "Mar", "avr": "Apr", "juin": "Jun",
		"juil": "Jul", "juillet": "Jul", "aout": "Aug", "sept": "Sep",
	}
}

var (
	letterRun   = regexp.MustCompile(`\p{L}+`)
	serialValue = regexp.MustCompile(`^\d{5}(\.\d+)?$`)
)

// Date parses a date cell. Each layout is tried in order; a parse whose year
// is outside [MinYear, MaxYear] is skipped so a transposed day/month cannot
// win with a far-off year. When no layout fits, month words are translated
// to English and the cascade is retried; finally Excel serial day numbers
// are accepted when enabled. The result is truncated to the calendar day.
func (n *Normalizer) Date(raw string) Result[time.Time] {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" || n.isSentinel(s) {
		return Result[time.Time]{Status: StatusMissing}
	}

	t, status := n.tryLayouts(s)
	if status == StatusOK {
		return Result[time.Time]{Value: t, Status: StatusOK}
	}

	if translated, changed := n.translateMonths(s); changed {
		t2, status2 := n.tryLayouts(translated)
		if status2 == StatusOK {
			return Result[time.Time]{Value: t2, Status: StatusOK}
		}
		if status2 == StatusOutOfRange {
			status = StatusOutOfRange
		}
	}

	if n.opts.ExcelSerialDates && serialValue.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if t3, err := excelize.ExcelDateToTime(f, false); err == nil {
				if n.inWindow(t3) {
					return Result[time.Time]{Value: dayOf(t3), Status: StatusOK}
				}
				status = StatusOutOfRange
			}
		}
	}

	return Result[time.Time]{Status: status}
}

func (n *Normalizer) tryLayouts(s string) (time.Time, Status) {
	status := StatusInvalid
	for _, layout := range n.opts.DateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if !n.inWindow(t) {
			status = StatusOutOfRange
			continue
		}
		return dayOf(t), StatusOK
	}
	return time.Time{}, status
}

func (n *Normalizer) inWindow(t time.Time) bool {
	return t.Year() >= n.opts.MinYear && t.Year() <= n.opts.MaxYear
}

// translateMonths replaces every word that names a month with its English
// abbreviation: "05/fev/24" -> "05/Feb/24".
func (n *Normalizer) translateMonths(s string) (string, bool) {
	changed := false
	out := letterRun.ReplaceAllStringFunc(s, func(word string) string {
		folded := Fold(word)
		if en, ok := n.opts.MonthNames[folded]; ok {
			changed = true
			return en
		}
		if r := []rune(folded); len(r) > 3 && unicode.IsLetter(r[0]) {
			if en, ok := n.opts.MonthNames[string(r[:3])]; ok {
				changed = true
				return en
			}
		}
		return word
	})
	return out, changed
}

// dayOf keeps the calendar date as written, dropping time and zone.
func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
