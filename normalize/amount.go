package normalize

import (
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNTS
// =============================================================================

// Amount parses a monetary cell. Currency symbols, letters and whitespace are
// dropped; the decimal mark is picked as follows:
//
//  1. the last separator followed by one or two digits is the decimal mark
//  2. else, when both ',' and '.' occur, the last separator is the decimal mark
//  3. else a separator occurring more than once is a group separator
//  4. else a single separator followed by exactly three digits, after a
//     non-zero leading group of one to three digits, is a group separator
//  5. else the single separator is the decimal mark
//
// Leading '-', trailing '-' and accounting parentheses make the value
// negative. Empty, sentinel and unparsable cells yield 0 with a non-OK status.
func (n *Normalizer) Amount(raw string) Result[decimal.Decimal] {
	s := strings.TrimSpace(raw)
	if s == "" || n.isSentinel(s) {
		return Result[decimal.Decimal]{Value: decimal.Zero, Status: StatusMissing}
	}

	cleaned, negative, ok := cleanAmount(s)
	if !ok {
		return Result[decimal.Decimal]{Value: decimal.Zero, Status: StatusInvalid}
	}

	d, err := decimal.NewFromString(canonicalNumber(cleaned))
	if err != nil {
		return Result[decimal.Decimal]{Value: decimal.Zero, Status: StatusInvalid}
	}
	if negative {
		d = d.Neg()
	}
	return Result[decimal.Decimal]{Value: d, Status: StatusOK}
}

// cleanAmount keeps digits and separators and resolves the sign.
func cleanAmount(s string) (string, bool, bool) {
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	digits := 0
	trailingMinus := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			if trailingMinus {
				return "", false, false
			}
			b.WriteRune(r)
			digits++
		case r == '.' || r == ',':
			if trailingMinus {
				return "", false, false
			}
			b.WriteRune(r)
		case r == '-' || r == '−':
			if digits == 0 && !negative {
				negative = true
			} else if digits > 0 && !trailingMinus {
				trailingMinus = true
			} else {
				return "", false, false
			}
		}
	}
	if trailingMinus {
		if negative {
			return "", false, false
		}
		negative = true
	}
	if digits == 0 {
		return "", false, false
	}
	return strings.TrimRight(b.String(), ".,"), negative, true
}

// canonicalNumber rewrites digits-and-separators into "1234.56" form.
func canonicalNumber(s string) string {
	last := strings.LastIndexAny(s, ".,")
	if last < 0 {
		return s
	}
	sep := s[last]
	other := byte(',')
	if sep == ',' {
		other = '.'
	}
	head, tail := s[:last], s[last+1:]

	decimalMark := true
	switch {
	case len(tail) == 1 || len(tail) == 2:
	case strings.IndexByte(head, other) >= 0:
	case strings.Count(s, string(sep)) > 1:
		decimalMark = false
	case len(tail) == 3 && len(head) >= 1 && len(head) <= 3 && strings.Trim(head, "0") != "":
		decimalMark = false
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case i == last && decimalMark:
			b.WriteByte('.')
		case c == '.' || c == ',':
		default:
			b.WriteByte(c)
		}
	}
	out := b.String()
	if strings.HasPrefix(out, ".") {
		out = "0" + out
	}
	return out
}

// FormatAmount renders d the way Brazilian exports do: "." groups thousands
// and "," marks decimals, with at least two fraction digits. A fraction of
// exactly three digits is padded to four so it cannot read as a group.
func FormatAmount(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	intPart, frac, _ := strings.Cut(d.String(), ".")
	for len(frac) < 2 {
		frac += "0"
	}
	if len(frac) == 3 {
		frac += "0"
	}

	var grouped strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(c)
	}
	return sign + grouped.String() + "," + frac
}
