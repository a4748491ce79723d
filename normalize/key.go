package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	plainKey   = regexp.MustCompile(`^\d+$`)
	floatKey   = regexp.MustCompile(`^(\d+)[.,]0{1,2}$`)
	groupedKey = regexp.MustCompile(`^\d{1,3}(\.\d{3})+$`)
)

// BusinessKey parses a document number. Spreadsheet renderings such as
// "1001.0" and dot-grouped "12.345" are accepted; anything that is not a
// strictly positive integer is Invalid.
func (n *Normalizer) BusinessKey(raw string) Result[int64] {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if s == "" || n.isSentinel(s) {
		return Result[int64]{Status: StatusMissing}
	}

	switch {
	case plainKey.MatchString(s):
	case floatKey.MatchString(s):
		s = floatKey.FindStringSubmatch(s)[1]
	case groupedKey.MatchString(s):
		s = strings.ReplaceAll(s, ".", "")
	default:
		return Result[int64]{Status: StatusInvalid}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return Result[int64]{Status: StatusInvalid}
	}
	return Result[int64]{Value: v, Status: StatusOK}
}
