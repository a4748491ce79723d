package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/freight-sla/record"
)

// Summary holds the headline figures of a record snapshot.
type Summary struct {
	AsOf           time.Time       `json:"as_of"`
	Records        int             `json:"records"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Settled        int             `json:"settled"`
	SettledAmount  decimal.Decimal `json:"settled_amount"`
	Open           int             `json:"open"`
	OpenAmount     decimal.Decimal `json:"open_amount"`
	OldestOpenDays int             `json:"oldest_open_days"`

	// ByStage counts records by the furthest stage they have reached.
	ByStage map[string]int `json:"by_stage"`
}

// Summarize computes the summary. A record is settled when it has a
// settlement date; open records age from their issuance date.
func Summarize(records []record.Record, asOf time.Time) Summary {
	s := Summary{
		AsOf:          record.Day(asOf),
		Records:       len(records),
		TotalAmount:   decimal.Zero,
		SettledAmount: decimal.Zero,
		OpenAmount:    decimal.Zero,
		ByStage:       make(map[string]int),
	}
	for _, rec := range records {
		amt := rec.AmountOrZero()
		s.TotalAmount = s.TotalAmount.Add(amt)

		if rec.Timeline.Has(record.StageSettlement) {
			s.Settled++
			s.SettledAmount = s.SettledAmount.Add(amt)
		} else {
			s.Open++
			s.OpenAmount = s.OpenAmount.Add(amt)
			if issued, ok := rec.Timeline.Get(record.StageIssuance); ok {
				if age := record.DaysBetween(issued, asOf); age > s.OldestOpenDays {
					s.OldestOpenDays = age
				}
			}
		}

		s.ByStage[furthestStage(rec)]++
	}
	return s
}

func furthestStage(rec record.Record) string {
	stages := record.Stages()
	for i := len(stages) - 1; i >= 0; i-- {
		if rec.Timeline.Has(stages[i]) {
			return stages[i].String()
		}
	}
	return "none"
}
