/*
Package schema infers which source column plays which canonical role.

PURPOSE:
  Every export names its columns differently: "CTE", "Nº CT-e", " Número do
  CTe ", "Dt. Emissão", "Emissao". The mapper takes the header row and an
  alias table (data, from the ingestion profile) and assigns each canonical
  field to at most one column.

ALGORITHM:
  Fields are resolved one at a time, in caller order. For each field:
  1. Exact: aliases in caller order, free header columns in header order,
     case-sensitive equality.
  2. Fuzzy: aliases in caller order again; for each alias, free header
     columns in header order. Both sides are folded (accents stripped,
     lowercased, punctuation to spaces, whitespace collapsed) and a column
     matches on folded equality or on containment in either direction. The
     contained side must be at least MinContainLen runes so "id" does not
     swallow "cidade".
  The first column that satisfies the field wins and leaves the pool, so
  later fields only see what earlier fields left behind.

FAILURE POLICY:
  An unmapped required field (the business key) is a hard failure: Build
  returns *UnmappedError listing the header it saw. Other unmapped fields are
  soft failures reported in Mapping.Unmapped.

SEE ALSO:
  - normalize/fold.go: Folding rules
  - factory/default.go: Built-in alias table
*/
package schema

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/warp/freight-sla/normalize"
	"github.com/warp/freight-sla/record"
)

// DefaultMinContainLen is the shortest folded text allowed to match by
// containment.
const DefaultMinContainLen = 3

// ErrRequiredFieldUnmapped is wrapped by UnmappedError.
var ErrRequiredFieldUnmapped = errors.New("required field unmapped")

// UnmappedError aborts an ingestion run before any row is read.
type UnmappedError struct {
	Fields []record.Field
	Header []string
}

func (e *UnmappedError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = string(f)
	}
	return fmt.Sprintf("required field unmapped: %s (header: %q)", strings.Join(names, ", "), e.Header)
}

func (e *UnmappedError) Unwrap() error { return ErrRequiredFieldUnmapped }

// =============================================================================
// TYPES
// =============================================================================

// FieldSpec declares one canonical field and its aliases, most specific
// first.
type FieldSpec struct {
	Field    record.Field
	Aliases  []string
	Required bool
}

// MatchKind records which pass resolved a field.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchFolded   MatchKind = "folded"
	MatchContains MatchKind = "contains"
)

// Column is the source column a field was resolved to.
type Column struct {
	Index int
	Name  string
	Alias string
	Match MatchKind
}

// Mapping is the per-run FieldMapping: canonical field -> source column.
type Mapping struct {
	Header   []string
	Columns  map[record.Field]Column
	Unmapped []record.Field

	order []record.Field
}

// Column returns the column for f, if mapped.
func (m Mapping) Column(f record.Field) (Column, bool) {
	c, ok := m.Columns[f]
	return c, ok
}

// Fields returns the fields the mapping was built for, in FieldSpec order.
func (m Mapping) Fields() []record.Field {
	return append([]record.Field(nil), m.order...)
}

// Report is the diagnostic view of a mapping.
type Report struct {
	Columns  map[record.Field]string `json:"columns"`
	Matches  map[record.Field]string `json:"matches,omitempty"`
	Unmapped []record.Field          `json:"unmapped"`
	Header   []string                `json:"header"`
}

// Unmapped is the Report value for fields without a column.
const Unmapped = "unmapped"

func (m Mapping) Report() Report {
	r := Report{
		Columns:  make(map[record.Field]string, len(m.order)),
		Matches:  make(map[record.Field]string, len(m.Columns)),
		Unmapped: append([]record.Field{}, m.Unmapped...),
		Header:   append([]string{}, m.Header...),
	}
	for _, f := range m.order {
		if c, ok := m.Columns[f]; ok {
			r.Columns[f] = c.Name
			r.Matches[f] = string(c.Match)
		} else {
			r.Columns[f] = Unmapped
		}
	}
	return r
}

// =============================================================================
// MAPPER
// =============================================================================

// Mapper builds mappings. The zero value uses DefaultMinContainLen.
type Mapper struct {
	MinContainLen int
}

// Build maps header with the default Mapper.
func Build(header []string, specs []FieldSpec) (Mapping, error) {
	return Mapper{}.Build(header, specs)
}

// Build assigns each field in specs to at most one header column.
func (m Mapper) Build(header []string, specs []FieldSpec) (Mapping, error) {
	minLen := m.MinContainLen
	if minLen <= 0 {
		minLen = DefaultMinContainLen
	}

	b := &builder{
		header: header,
		folded: make([]string, len(header)),
		taken:  make([]bool, len(header)),
		out: Mapping{
			Header:  append([]string{}, header...),
			Columns: make(map[record.Field]Column, len(specs)),
		},
	}
	for i, h := range header {
		b.folded[i] = normalize.Fold(h)
	}

	seen := make(map[record.Field]bool, len(specs))
	var ordered []FieldSpec
	for _, spec := range specs {
		if seen[spec.Field] {
			continue
		}
		seen[spec.Field] = true
		ordered = append(ordered, spec)
		b.out.order = append(b.out.order, spec.Field)
	}

	for _, spec := range ordered {
		b.resolve(spec, minLen)
	}

	var missingRequired []record.Field
	for _, spec := range ordered {
		if _, ok := b.out.Columns[spec.Field]; ok {
			continue
		}
		b.out.Unmapped = append(b.out.Unmapped, spec.Field)
		if spec.Required {
			missingRequired = append(missingRequired, spec.Field)
		}
	}
	if len(missingRequired) > 0 {
		return b.out, &UnmappedError{Fields: missingRequired, Header: append([]string{}, header...)}
	}
	return b.out, nil
}

type builder struct {
	header []string
	folded []string
	taken  []bool
	out    Mapping
}

// resolve assigns spec to the first free column it satisfies: any exact
// alias first, then each alias in turn by folded equality or containment.
func (b *builder) resolve(spec FieldSpec, minLen int) {
	for _, alias := range spec.Aliases {
		if i := b.find(func(i int) bool { return b.header[i] == alias }); i >= 0 {
			b.take(spec.Field, i, alias, MatchExact)
			return
		}
	}
	for _, alias := range spec.Aliases {
		fa := normalize.Fold(alias)
		if fa == "" {
			continue
		}
		i := b.find(func(i int) bool {
			return b.folded[i] == fa || contains(b.folded[i], fa, minLen)
		})
		if i < 0 {
			continue
		}
		kind := MatchContains
		if b.folded[i] == fa {
			kind = MatchFolded
		}
		b.take(spec.Field, i, alias, kind)
		return
	}
}

// find returns the first free column satisfying match, or -1.
func (b *builder) find(match func(i int) bool) int {
	for i := range b.header {
		if b.taken[i] || b.folded[i] == "" {
			continue
		}
		if match(i) {
			return i
		}
	}
	return -1
}

func (b *builder) take(f record.Field, i int, alias string, kind MatchKind) {
	b.taken[i] = true
	b.out.Columns[f] = Column{Index: i, Name: b.header[i], Alias: alias, Match: kind}
}

// contains reports containment in either direction; the contained side must
// be at least minLen runes.
func contains(header, alias string, minLen int) bool {
	if header == "" || alias == "" {
		return false
	}
	if utf8.RuneCountInString(alias) >= minLen && strings.Contains(header, alias) {
		return true
	}
	return utf8.RuneCountInString(header) >= minLen && strings.Contains(alias, header)
}
