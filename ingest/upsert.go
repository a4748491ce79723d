package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/freight-sla/record"
)

// =============================================================================
// UPSERTER - Insert-or-coalesce per business key
// =============================================================================

// Failure is one record the store refused.
type Failure struct {
	Key    record.BusinessKey `json:"business_key"`
	Reason string             `json:"reason"`
}

// UpsertResult counts what a batch did. Failures is capped at MaxRejections.
type UpsertResult struct {
	Inserted  int       `json:"inserted"`
	Updated   int       `json:"updated"`
	Failed    int       `json:"failed"`
	Discarded int       `json:"discarded_dates"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Upserter writes records with at most one row per business key.
type Upserter struct {
	Store  record.Store
	Logger logrus.FieldLogger
}

func NewUpserter(store record.Store, logger logrus.FieldLogger) *Upserter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Upserter{Store: store, Logger: logger}
}

// Upsert inserts unknown keys and coalesces known ones. A failure on one
// record is counted and the batch continues; a fatal store error (see
// record.IsFatal) stops the batch and is returned with the counts so far.
// Committed records are never rolled back.
func (u *Upserter) Upsert(ctx context.Context, records []record.Record) (UpsertResult, error) {
	var res UpsertResult
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		inserted, discarded, err := u.upsertOne(ctx, rec)
		res.Discarded += discarded
		switch {
		case err == nil && inserted:
			res.Inserted++
		case err == nil:
			res.Updated++
		case record.IsFatal(err):
			u.Logger.WithError(err).WithField("business_key", rec.BusinessKey).Error("upsert aborted")
			return res, fmt.Errorf("upsert %d: %w", rec.BusinessKey, err)
		default:
			res.Failed++
			if len(res.Failures) < MaxRejections {
				res.Failures = append(res.Failures, Failure{Key: rec.BusinessKey, Reason: err.Error()})
			}
			u.Logger.WithError(err).WithField("business_key", rec.BusinessKey).Warn("upsert failed")
		}
	}
	return res, nil
}

func (u *Upserter) upsertOne(ctx context.Context, rec record.Record) (inserted bool, discarded int, err error) {
	if !rec.BusinessKey.Valid() {
		return false, 0, &record.KeyError{Key: rec.BusinessKey, Err: record.ErrInvalidKey}
	}

	existing, err := u.Store.FindByKey(ctx, rec.BusinessKey)
	if err != nil {
		return false, 0, err
	}
	if existing == nil {
		discarded = len(DiscardBeforeIssuance(&rec.Timeline, time.Time{}))
		err = u.Store.Insert(ctx, rec)
		if err == nil {
			return true, discarded, nil
		}
		if !errors.Is(err, record.ErrDuplicateKey) {
			return false, discarded, err
		}
		// Lost a race with a concurrent run: the row exists now.
		if existing, err = u.Store.FindByKey(ctx, rec.BusinessKey); err != nil {
			return false, discarded, err
		}
	}

	if existing != nil {
		discarded += reconcileTimeline(*existing, &rec)
	}
	if err := u.Store.Update(ctx, rec.BusinessKey, rec); err != nil {
		return false, discarded, err
	}
	return false, discarded, nil
}

// reconcileTimeline drops the incoming dates that would leave the merged
// row with a stage earlier than its issuance date, and returns how many it
// dropped. An incoming issuance later than a stored stage the patch keeps
// is discarded; incoming stages are then checked against whichever
// issuance survives.
func reconcileTimeline(stored record.Record, incoming *record.Record) int {
	discarded := 0
	if issued, ok := incoming.Timeline.Get(record.StageIssuance); ok {
		for _, s := range record.Stages() {
			if s == record.StageIssuance || incoming.Timeline.Has(s) {
				continue
			}
			if t, ok := stored.Timeline.Get(s); ok && t.Before(issued) {
				incoming.Timeline.Set(record.StageIssuance, time.Time{})
				discarded++
				break
			}
		}
	}
	storedIssued, _ := stored.Timeline.Get(record.StageIssuance)
	return discarded + len(DiscardBeforeIssuance(&incoming.Timeline, storedIssued))
}
