// Package journal implements §4.4 of the exchange core: the
// append-only transaction record, canonicalized so that a trade
// between two items can always be located by sorting their hashes,
// plus day-bucketed aggregation.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/forgecraft/tradepost/internal/apperr"
	"github.com/forgecraft/tradepost/internal/canon"
	"github.com/forgecraft/tradepost/internal/models"
)

// Journal is a thin wrapper over a GORM session.
type Journal struct {
	db *gorm.DB
}

// New constructs a Journal bound to db.
func New(db *gorm.DB) *Journal {
	return &Journal{db: db}
}

// Side describes one party to a trade at the moment it executed.
type Side struct {
	Item          string
	Payload       canon.Payload
	AmountPerUnit int64
	Owner         int64
}

// Record appends one executed trade. The two sides are stored in a
// fixed order determined by comparing their item hashes lexicographically
// — the side with the larger hash becomes A — so that a symmetric query
// for "transactions between item X and item Y" needs only compare
// max(hash)/min(hash) (spec.md §3, §4.4). If tx is non-nil, Record
// participates in the caller's transaction instead of opening its own.
func (j *Journal) Record(ctx context.Context, tx *gorm.DB, tenant int64, marketID uint64, date time.Time, amount int64, side1, side2 Side) error {
	hash1 := canon.Hash(side1.Item, side1.Payload)
	hash2 := canon.Hash(side2.Item, side2.Payload)

	a, aHash, b, bHash := side2, hash2, side1, hash1
	if hash1 >= hash2 {
		a, aHash, b, bHash = side1, hash1, side2, hash2
	}

	aPayload, err := encode(a.Payload)
	if err != nil {
		return apperr.Storage(err, "failed to encode side payload")
	}
	bPayload, err := encode(b.Payload)
	if err != nil {
		return apperr.Storage(err, "failed to encode side payload")
	}

	row := models.Transaction{
		Tenant:   tenant,
		MarketID: marketID,
		Date:     date,
		Amount:   amount,
		AItem:    a.Item, APayload: aPayload, AHash: aHash, AAmount: a.AmountPerUnit, AOwner: a.Owner,
		BItem: b.Item, BPayload: bPayload, BHash: bHash, BAmount: b.AmountPerUnit, BOwner: b.Owner,
	}

	conn := j.db
	if tx != nil {
		conn = tx
	}
	if err := conn.WithContext(ctx).Create(&row).Error; err != nil {
		return apperr.Storage(err, "failed to record transaction")
	}
	return nil
}

func encode(p canon.Payload) (json.RawMessage, error) {
	b, err := canon.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// DailyAggregate is one day's worth of aggregated trade activity
// between a fixed give/take item pair.
type DailyAggregate struct {
	Date          time.Time
	AvgGiveAmount decimal.Decimal
	AvgTakeAmount decimal.Decimal
	SumAmount     int64
}

// ListAggregated returns per-day aggregates (average give_amount,
// average take_amount, sum of amount) for trades between giveItem and
// takeItem, most recent day first. limit must be in [1, 100] (spec.md
// §4.4). The averages are decimal, not integer, since an average of
// integers is not itself generally an integer.
func (j *Journal) ListAggregated(ctx context.Context, tenant int64, marketID uint64, giveItem string, givePayload canon.Payload, takeItem string, takePayload canon.Payload, limit int) ([]DailyAggregate, error) {
	if limit < 1 || limit > 100 {
		return nil, apperr.Validation("limit must be between 1 and 100")
	}

	giveHash := canon.Hash(giveItem, givePayload)
	takeHash := canon.Hash(takeItem, takePayload)

	// a is whichever side carries the lexicographically larger hash
	// (the journal's storage convention, §3/§4.4); give/take may land on
	// either side of that split, so the SELECT must track which column
	// actually holds the give-side amount for this particular pair.
	aHash, bHash := takeHash, giveHash
	giveIsA := false
	if giveHash >= takeHash {
		aHash, bHash = giveHash, takeHash
		giveIsA = true
	}

	type row struct {
		Date          time.Time
		AvgGiveAmount float64
		AvgTakeAmount float64
		SumAmount     int64
	}
	var rows []row

	giveCol, takeCol := "b_amount", "a_amount"
	if giveIsA {
		giveCol, takeCol = "a_amount", "b_amount"
	}

	err := j.db.WithContext(ctx).Model(&models.Transaction{}).
		Select("DATE(date) as date, AVG("+giveCol+") as avg_give_amount, AVG("+takeCol+") as avg_take_amount, SUM(amount) as sum_amount").
		Where("tenant = ? AND market_id = ? AND a_hash = ? AND b_hash = ?", tenant, marketID, aHash, bHash).
		Group("DATE(date)").
		Order("date DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Storage(err, "failed to aggregate transactions")
	}

	out := make([]DailyAggregate, 0, len(rows))
	for _, r := range rows {
		out = append(out, DailyAggregate{
			Date:          r.Date,
			AvgGiveAmount: decimal.NewFromFloat(r.AvgGiveAmount),
			AvgTakeAmount: decimal.NewFromFloat(r.AvgTakeAmount),
			SumAmount:     r.SumAmount,
		})
	}
	return out, nil
}
