package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/freight-sla/record"
)

// =============================================================================
// ALERT RULES
// =============================================================================

// DefaultOffenderLimit caps the offenders listed per bucket.
const DefaultOffenderLimit = 10

type RuleType string

const (
	// RuleAge fires when Source is older than ThresholdDays and ClearedBy is
	// still absent.
	RuleAge RuleType = "age"

	// RuleSLABreach fires when a stage pair's duration exceeds its target.
	RuleSLABreach RuleType = "sla_breach"
)

// AlertRule is one independent predicate. Rules never exclude each other:
// a record can land in several buckets.
type AlertRule struct {
	Kind          string
	Label         string
	Category      string
	Type          RuleType
	Source        record.Stage
	ClearedBy     record.Field
	ThresholdDays int
	Pair          string
}

// Offender is a triggering record with the fields needed for display.
// AgeDays is the source age for age rules and the measured duration for
// breach rules.
type Offender struct {
	BusinessKey   record.BusinessKey `json:"business_key"`
	PartyName     string             `json:"party_name,omitempty"`
	AssetTag      string             `json:"asset_tag,omitempty"`
	Amount        decimal.Decimal    `json:"amount"`
	ReferenceDate time.Time          `json:"reference_date"`
	AgeDays       int                `json:"age_days"`
}

// AlertBucket aggregates every record a rule caught.
type AlertBucket struct {
	Kind          string          `json:"kind"`
	Label         string          `json:"label"`
	Category      string          `json:"category"`
	Type          RuleType        `json:"type"`
	ThresholdDays int             `json:"threshold_days"`
	Count         int             `json:"count"`
	Amount        decimal.Decimal `json:"amount"`
	Offenders     []Offender      `json:"offenders"`
}

// =============================================================================
// ENGINE
// =============================================================================

// AlertEngine evaluates rules over a record snapshot.
type AlertEngine struct {
	Rules []AlertRule
	Pairs []StagePair
	Limit int
}

// Evaluate returns one bucket per rule, in rule order, empty buckets
// included. Offenders are listed oldest first, ties by business key.
func (e AlertEngine) Evaluate(records []record.Record, asOf time.Time) []AlertBucket {
	limit := e.Limit
	if limit <= 0 {
		limit = DefaultOffenderLimit
	}
	pairs := make(map[string]StagePair, len(e.Pairs))
	for _, p := range e.Pairs {
		pairs[p.ID] = p
	}

	buckets := make([]AlertBucket, 0, len(e.Rules))
	for _, rule := range e.Rules {
		b := AlertBucket{
			Kind:          rule.Kind,
			Label:         rule.Label,
			Category:      rule.Category,
			Type:          rule.Type,
			ThresholdDays: rule.threshold(pairs),
			Amount:        decimal.Zero,
			Offenders:     []Offender{},
		}
		var hits []Offender
		for _, rec := range records {
			o, ok := rule.match(rec, asOf, pairs)
			if !ok {
				continue
			}
			b.Count++
			b.Amount = b.Amount.Add(o.Amount)
			hits = append(hits, o)
		}
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].AgeDays != hits[j].AgeDays {
				return hits[i].AgeDays > hits[j].AgeDays
			}
			return hits[i].BusinessKey < hits[j].BusinessKey
		})
		if len(hits) > limit {
			hits = hits[:limit]
		}
		if len(hits) > 0 {
			b.Offenders = hits
		}
		buckets = append(buckets, b)
	}
	return buckets
}

func (r AlertRule) match(rec record.Record, asOf time.Time, pairs map[string]StagePair) (Offender, bool) {
	switch r.Type {
	case RuleAge:
		src, ok := rec.Timeline.Get(r.Source)
		if !ok {
			return Offender{}, false
		}
		if r.ClearedBy != "" && rec.Has(r.ClearedBy) {
			return Offender{}, false
		}
		age := record.DaysBetween(src, asOf)
		if age <= r.ThresholdDays {
			return Offender{}, false
		}
		return offender(rec, src, age), true

	case RuleSLABreach:
		p, ok := pairs[r.Pair]
		if !ok {
			return Offender{}, false
		}
		d, ok := p.Duration(rec)
		if !ok || d <= p.TargetDays {
			return Offender{}, false
		}
		from, _ := rec.Timeline.Get(p.From)
		return offender(rec, from, d), true
	}
	return Offender{}, false
}

// threshold reports the day limit the bucket was evaluated against.
func (r AlertRule) threshold(pairs map[string]StagePair) int {
	if r.Type == RuleSLABreach {
		if p, ok := pairs[r.Pair]; ok {
			return p.TargetDays
		}
	}
	return r.ThresholdDays
}

func offender(rec record.Record, ref time.Time, days int) Offender {
	return Offender{
		BusinessKey:   rec.BusinessKey,
		PartyName:     rec.PartyName,
		AssetTag:      rec.AssetTag,
		Amount:        rec.AmountOrZero(),
		ReferenceDate: ref,
		AgeDays:       days,
	}
}
