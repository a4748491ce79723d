/*
Package normalize parses locale-formatted cells into canonical values.

PURPOSE:
  Exports come from Brazilian, Spanish and US spreadsheets. Amounts look like
  "R$ 1.234,56", "1,234.56" or "(350,00)"; dates look like "05/jan/24",
  "05/01/2024" or "2024-01-05T10:00:00-03:00". This package turns such cells
  into decimal.Decimal and day-granularity time.Time values.

DEGRADATION, NOT ERRORS:
  No function here returns an error or panics on malformed input. Every
  parse returns a Result carrying the best-effort value and a Status. A
  degraded amount is 0 and a degraded date is the zero time, but the Status
  tells the caller whether the 0 was parsed or substituted. The ingestor
  counts non-OK statuses into fill-rate statistics.

CONFIGURATION:
  Sentinel strings, date layouts, month-name tables and the sane-year window
  are data (Options), loaded from the ingestion profile. Nothing is read from
  the environment.

SEE ALSO:
  - amount.go: Separator disambiguation and FormatAmount
  - date.go: Layout cascade, month translation, Excel serials
  - fold.go: Accent/case folding shared with the schema mapper
*/
package normalize

import (
	"strings"
	"unicode/utf8"
)

// =============================================================================
// STATUS - Tagged outcome of a parse
// =============================================================================

type Status int

const (
	StatusOK         Status = iota // value parsed from the cell
	StatusMissing                  // empty cell or sentinel such as "n/a"
	StatusInvalid                  // content present but unparsable
	StatusOutOfRange               // parsed, but outside the accepted window
)

func (s Status) OK() bool { return s == StatusOK }

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMissing:
		return "missing"
	case StatusInvalid:
		return "invalid"
	case StatusOutOfRange:
		return "out_of_range"
	default:
		return "unknown"
	}
}

// Result is a best-effort value plus how it was obtained.
type Result[T any] struct {
	Value  T
	Status Status
}

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures a Normalizer. Zero fields take the defaults.
type Options struct {
	// Sentinels are cell values meaning "no value" (compared after folding).
	Sentinels []string

	// DateLayouts are Go time layouts tried in order.
	DateLayouts []string

	// MonthNames maps folded local month names or abbreviations to English
	// three-letter abbreviations ("fev" -> "feb").
	MonthNames map[string]string

	// MinYear and MaxYear bound accepted dates (inclusive).
	MinYear int
	MaxYear int

	// ExcelSerialDates accepts spreadsheet day numbers ("45296") as dates.
	ExcelSerialDates bool

	// NoteMaxRunes caps free-text notes.
	NoteMaxRunes int
}

const (
	DefaultMinYear      = 2015
	DefaultMaxYear      = 2035
	DefaultNoteMaxRunes = 500
)

// DefaultOptions returns the built-in locale tables.
func DefaultOptions() Options {
	return Options{
		Sentinels:        DefaultSentinels(),
		DateLayouts:      DefaultDateLayouts(),
		MonthNames:       DefaultMonthNames(),
		MinYear:          DefaultMinYear,
		MaxYear:          DefaultMaxYear,
		ExcelSerialDates: true,
		NoteMaxRunes:     DefaultNoteMaxRunes,
	}
}

func DefaultSentinels() []string {
	return []string{"n/a", "na", "n/d", "nd", "-", "--", "null", "none", "nan", "s/n", "#n/d", "#n/a", "#value!", "#valor!", "#ref!"}
}

// =============================================================================
// NORMALIZER
// =============================================================================

// Normalizer holds the parsing tables. It is immutable after New and safe
// for concurrent use.
type Normalizer struct {
	opts      Options
	sentinels map[string]bool
}

func New(opts Options) *Normalizer {
	def := DefaultOptions()
	if opts.Sentinels == nil {
		opts.Sentinels = def.Sentinels
	}
	if len(opts.DateLayouts) == 0 {
		opts.DateLayouts = def.DateLayouts
	}
	if opts.MonthNames == nil {
		opts.MonthNames = def.MonthNames
	}
	if opts.MinYear == 0 {
		opts.MinYear = def.MinYear
	}
	if opts.MaxYear == 0 {
		opts.MaxYear = def.MaxYear
	}
	if opts.NoteMaxRunes == 0 {
		opts.NoteMaxRunes = def.NoteMaxRunes
	}

	months := make(map[string]string, len(opts.MonthNames))
	for k, v := range opts.MonthNames {
		months[Fold(k)] = v
	}
	opts.MonthNames = months

	sentinels := make(map[string]bool, len(opts.Sentinels))
	for _, s := range opts.Sentinels {
		sentinels[foldSentinel(s)] = true
	}
	return &Normalizer{opts: opts, sentinels: sentinels}
}

// Options returns the effective options.
func (n *Normalizer) Options() Options { return n.opts }

func (n *Normalizer) isSentinel(s string) bool {
	return n.sentinels[foldSentinel(s)]
}

// foldSentinel folds case and accents but keeps punctuation, so "-" and
// "#N/D" remain distinguishable.
func foldSentinel(s string) string {
	return strings.ToLower(stripMarks(strings.TrimSpace(s)))
}

// =============================================================================
// TEXT
// =============================================================================

// Text trims, collapses inner whitespace and caps the result to maxRunes
// (0 means the configured note cap). Sentinels become missing.
func (n *Normalizer) Text(raw string, maxRunes int) Result[string] {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" || n.isSentinel(s) {
		return Result[string]{Status: StatusMissing}
	}
	if maxRunes <= 0 {
		maxRunes = n.opts.NoteMaxRunes
	}
	if utf8.RuneCountInString(s) > maxRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxRunes]))
	}
	return Result[string]{Value: s, Status: StatusOK}
}
