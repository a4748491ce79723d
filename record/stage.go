package record

import (
	"strings"
	"time"
)

// =============================================================================
// STAGES - Ordered lifecycle of a transport document
// =============================================================================

// Stage is one step of the document lifecycle. Stages are ordered but a
// record may skip any subset of them.
type Stage int

const (
	StageIssuance Stage = iota
	StageInclusion
	StageFirstDispatch
	StageRequisition
	StageAttestation
	StageApproval
	StageFinalDispatch
	StageBilling
	StageSettlement

	StageCount = int(StageSettlement) + 1
)

var stageNames = [StageCount]string{
	"issuance",
	"inclusion",
	"first_dispatch",
	"requisition",
	"attestation",
	"approval",
	"final_dispatch",
	"billing",
	"settlement",
}

// Stages returns all stages in lifecycle order.
func Stages() []Stage {
	out := make([]Stage, StageCount)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

func (s Stage) Valid() bool { return s >= 0 && int(s) < StageCount }

func (s Stage) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return stageNames[s]
}

// Field is the canonical field holding this stage's date, e.g. "issuance_date".
func (s Stage) Field() Field { return Field(s.String() + "_date") }

// ParseStage accepts either the stage name or its field name.
func ParseStage(name string) (Stage, bool) {
	name = strings.TrimSuffix(strings.TrimSpace(name), "_date")
	for i, n := range stageNames {
		if n == name {
			return Stage(i), true
		}
	}
	return 0, false
}

// StageForField maps "<stage>_date" back to its Stage.
func StageForField(f Field) (Stage, bool) {
	if !strings.HasSuffix(string(f), "_date") {
		return 0, false
	}
	return ParseStage(string(f))
}

// =============================================================================
// TIMELINE - One optional calendar date per stage
// =============================================================================

// Timeline holds the lifecycle dates of a record. A zero time means the
// stage has not happened (or was not exported). Dates are kept at day
// granularity in UTC.
type Timeline [StageCount]time.Time

func (tl *Timeline) Get(s Stage) (time.Time, bool) {
	if !s.Valid() || tl[s].IsZero() {
		return time.Time{}, false
	}
	return tl[s], true
}

func (tl *Timeline) Has(s Stage) bool {
	_, ok := tl.Get(s)
	return ok
}

// Set stores t truncated to its calendar day. A zero t clears the stage.
func (tl *Timeline) Set(s Stage, t time.Time) {
	if !s.Valid() {
		return
	}
	if t.IsZero() {
		tl[s] = time.Time{}
		return
	}
	tl[s] = Day(t)
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

// DateLayout is the storage and API representation of a stage date.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewDate builds a day-granularity date.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of days from -> to, floored like a
// calendar difference (negative when to is before from).
func DaysBetween(from, to time.Time) int {
	d := Day(to).Sub(Day(from))
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}
