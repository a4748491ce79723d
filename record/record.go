/*
Package record defines the canonical transport-document record and the
persistence contract every store implements.

PURPOSE:
  Spreadsheet exports name their columns differently on every run. Everything
  downstream of the schema mapper works on one canonical shape instead:
  a Record keyed by its business key (the transport document number).

KEY CONCEPTS IN THIS FILE (record.go):
  - BusinessKey: positive integer, unique, immutable once assigned
  - Field: canonical, store-facing attribute name
  - Record: one row of business data; zero values mean "absent"
  - Merge: coalesce-style update (non-null incoming values win)

ABSENT vs ZERO:
  Amount is a decimal.NullDecimal so that "this export had no amount" is
  distinguishable from "the amount is 0,00". Strings are absent when empty
  and stage dates are absent when zero.

SEE ALSO:
  - stage.go: Lifecycle stages and the Timeline type
  - store.go: Store interface (FindByKey, Insert, Update, QueryAll)
  - errors.go: Sentinel and structured errors
*/
package record

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// BusinessKey is the externally meaningful identifier of a record
// (e.g. the CT-e number). Valid keys are strictly positive.
type BusinessKey int64

func (k BusinessKey) Valid() bool    { return k > 0 }
func (k BusinessKey) String() string { return strconv.FormatInt(int64(k), 10) }

// ParseBusinessKey parses a decimal key as found in URLs and CLI arguments.
func ParseBusinessKey(s string) (BusinessKey, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, &KeyError{Raw: s, Err: ErrInvalidKey}
	}
	return BusinessKey(n), nil
}

// =============================================================================
// FIELDS
// =============================================================================

// Field is a canonical field name, independent of any source file's naming.
type Field string

const (
	FieldBusinessKey Field = "business_key"
	FieldPartyName   Field = "party_name"
	FieldAssetTag    Field = "asset_tag"
	FieldAmount      Field = "amount"
	FieldNote        Field = "free_text_note"
)

// Fields lists every canonical field in report order: identity, descriptive
// fields, then the lifecycle dates in stage order.
func Fields() []Field {
	fields := []Field{FieldBusinessKey, FieldPartyName, FieldAssetTag, FieldAmount, FieldNote}
	for _, s := range Stages() {
		fields = append(fields, s.Field())
	}
	return fields
}

// IsKnown reports whether f is a canonical field.
func (f Field) IsKnown() bool {
	switch f {
	case FieldBusinessKey, FieldPartyName, FieldAssetTag, FieldAmount, FieldNote:
		return true
	}
	_, ok := StageForField(f)
	return ok
}

// =============================================================================
// RECORD
// =============================================================================

// Record is one canonical row.
type Record struct {
	BusinessKey BusinessKey
	PartyName   string
	AssetTag    string
	Amount      decimal.NullDecimal
	Timeline    Timeline
	Note        string
	SourceTag   string

	// Maintained by the store. Ignored on Insert/Update input.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AmountOrZero returns the amount, or 0 when absent.
func (r Record) AmountOrZero() decimal.Decimal {
	if r.Amount.Valid {
		return r.Amount.Decimal
	}
	return decimal.Zero
}

// Has reports whether the record carries a non-null value for f.
// Empty strings count as null.
func (r Record) Has(f Field) bool {
	switch f {
	case FieldBusinessKey:
		return r.BusinessKey.Valid()
	case FieldPartyName:
		return r.PartyName != ""
	case FieldAssetTag:
		return r.AssetTag != ""
	case FieldAmount:
		return r.Amount.Valid
	case FieldNote:
		return r.Note != ""
	}
	if s, ok := StageForField(f); ok {
		return r.Timeline.Has(s)
	}
	return false
}

// Merge returns r updated with every non-null field of incoming.
// Null incoming fields never erase what r already holds; the business key
// and store timestamps are never touched.
func (r Record) Merge(incoming Record) Record {
	out := r
	if incoming.PartyName != "" {
		out.PartyName = incoming.PartyName
	}
	if incoming.AssetTag != "" {
		out.AssetTag = incoming.AssetTag
	}
	if incoming.Amount.Valid {
		out.Amount = incoming.Amount
	}
	if incoming.Note != "" {
		out.Note = incoming.Note
	}
	if incoming.SourceTag != "" {
		out.SourceTag = incoming.SourceTag
	}
	for _, s := range Stages() {
		if t, ok := incoming.Timeline.Get(s); ok {
			out.Timeline.Set(s, t)
		}
	}
	return out
}

// WithDefaults fills the values a freshly inserted row must carry.
func (r Record) WithDefaults() Record {
	if !r.Amount.Valid {
		r.Amount = decimal.NullDecimal{Decimal: decimal.Zero, Valid: true}
	}
	return r
}
