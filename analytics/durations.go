/*
Package analytics derives SLA metrics and alerts from canonical records.

PURPOSE:
  Everything here is a pure function of a record snapshot (store.QueryAll)
  and configuration. Nothing writes, nothing reads the clock: the caller
  passes asOf. Running concurrently with ingestion is fine; a slightly stale
  snapshot is acceptable.

KEY CONCEPTS:
  - StagePair: an ordered (From, To) pair of lifecycle stages with a target
    duration in days and a category.
  - Category: who controls the delay. Process-internal pairs are held to a
    higher conformance rate than client-dependent pairs for the same tier.
  - TierTable: conformance thresholds per category. Data, not code.

DURATIONS:
  For each pair, records with both dates contribute (To - From) in whole
  days. Negative durations are data-quality problems: they are excluded from
  the statistics and counted in Discarded.

SEE ALSO:
  - alerts.go: Age and SLA-breach alert buckets
  - factory/default.go: Built-in pairs, tiers and rules
*/
package analytics

import (
	"sort"

	"github.com/warp/freight-sla/record"
)

// =============================================================================
// CONFIGURATION TYPES
// =============================================================================

type Category string

const (
	CategoryInternal Category = "internal" // process-internal, fully controllable
	CategoryClient   Category = "client"   // depends on the counterparty
)

type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierAttention Tier = "attention"
	TierCritical  Tier = "critical"
	TierNoData    Tier = "no_data"
)

// StagePair is one measured interval.
type StagePair struct {
	ID         string
	Label      string
	From       record.Stage
	To         record.Stage
	TargetDays int
	Category   Category
}

// Thresholds are minimum conformance rates per tier. A rate below Attention
// is critical.
type Thresholds struct {
	Excellent float64
	Good      float64
	Attention float64
}

func (t Thresholds) Classify(rate float64) Tier {
	switch {
	case rate >= t.Excellent:
		return TierExcellent
	case rate >= t.Good:
		return TierGood
	case rate >= t.Attention:
		return TierAttention
	default:
		return TierCritical
	}
}

// TierTable maps a category to its thresholds.
type TierTable map[Category]Thresholds

// DefaultTierTable returns the thresholds in use before any profile tuning.
// Client-dependent pairs reach a tier at a lower conformance rate.
func DefaultTierTable() TierTable {
	return TierTable{
		CategoryInternal: {Excellent: 0.95, Good: 0.85, Attention: 0.70},
		CategoryClient:   {Excellent: 0.85, Good: 0.70, Attention: 0.50},
	}
}

// Classify uses the category's thresholds; unknown categories get the
// internal (strictest) ones.
func (tt TierTable) Classify(c Category, rate float64) Tier {
	if t, ok := tt[c]; ok {
		return t.Classify(rate)
	}
	if t, ok := tt[CategoryInternal]; ok {
		return t.Classify(rate)
	}
	return DefaultTierTable()[CategoryInternal].Classify(rate)
}

// =============================================================================
// DURATION METRICS
// =============================================================================

// DurationMetric summarizes one stage pair over a record set.
type DurationMetric struct {
	PairID      string   `json:"pair_id"`
	Label       string   `json:"label"`
	Category    Category `json:"category"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Samples     int      `json:"samples"`
	Discarded   int      `json:"discarded"`
	Mean        float64  `json:"mean_days"`
	Median      float64  `json:"median_days"`
	Min         int      `json:"min_days"`
	Max         int      `json:"max_days"`
	TargetDays  int      `json:"target_days"`
	Conformance float64  `json:"conformance_rate"`
	Tier        Tier     `json:"tier"`
}

// Durations computes one metric per pair, in pair order.
func Durations(records []record.Record, pairs []StagePair, tiers TierTable) []DurationMetric {
	if tiers == nil {
		tiers = DefaultTierTable()
	}
	out := make([]DurationMetric, 0, len(pairs))
	for _, p := range pairs {
		days, discarded := pairDurations(records, p)
		m := DurationMetric{
			PairID:     p.ID,
			Label:      p.Label,
			Category:   p.Category,
			From:       p.From.String(),
			To:         p.To.String(),
			Samples:    len(days),
			Discarded:  discarded,
			TargetDays: p.TargetDays,
			Tier:       TierNoData,
		}
		if len(days) > 0 {
			sort.Ints(days)
			sum, within := 0, 0
			for _, d := range days {
				sum += d
				if d <= p.TargetDays {
					within++
				}
			}
			m.Min = days[0]
			m.Max = days[len(days)-1]
			m.Mean = float64(sum) / float64(len(days))
			m.Median = median(days)
			m.Conformance = float64(within) / float64(len(days))
			m.Tier = tiers.Classify(p.Category, m.Conformance)
		}
		out = append(out, m)
	}
	return out
}

// Duration returns the whole days between the pair's stages on rec.
func (p StagePair) Duration(rec record.Record) (int, bool) {
	from, ok := rec.Timeline.Get(p.From)
	if !ok {
		return 0, false
	}
	to, ok := rec.Timeline.Get(p.To)
	if !ok {
		return 0, false
	}
	return record.DaysBetween(from, to), true
}

func pairDurations(records []record.Record, p StagePair) (days []int, discarded int) {
	for _, rec := range records {
		d, ok := p.Duration(rec)
		if !ok {
			continue
		}
		if d < 0 {
			discarded++
			continue
		}
		days = append(days, d)
	}
	return days, discarded
}

// median of sorted values.
func median(sorted []int) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}
