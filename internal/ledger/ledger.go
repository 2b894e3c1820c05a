// Package ledger implements §4.1 of the exchange core: payload-keyed
// per-owner item balances with atomic additive and non-overdraft
// subtractive updates, composed into all-or-nothing batch updates.
//
// Every row is addressed by (tenant, owner, market, hash) where hash
// is internal/canon.Hash(name, payload). amount >= 0 is the ledger's
// sole invariant; Subtract is the one primitive that enforces it.
package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/forgecraft/tradepost/internal/apperr"
	"github.com/forgecraft/tradepost/internal/canon"
	"github.com/forgecraft/tradepost/internal/models"
)

// Ledger is a thin, stateless wrapper over a GORM session. All
// serialization happens at the database transaction/row-lock level;
// Ledger itself holds no mutable state (spec.md §5).
type Ledger struct {
	db *gorm.DB
}

// New constructs a Ledger bound to db.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// conn returns tx if the caller supplied one (to compose with an
// enclosing transaction), else the Ledger's own session.
func (l *Ledger) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return l.db
}

// BatchItem is one line of a BatchUpdate: a signed delta against the
// named, payload-keyed balance.
type BatchItem struct {
	Name    string
	Payload canon.Payload
	Delta   int64
}

// GetBalance returns the current amount for (tenant, owner, market,
// name, payload), or apperr.NotFound if no such row exists.
func (l *Ledger) GetBalance(ctx context.Context, tx *gorm.DB, tenant, owner int64, market uint64, name string, payload canon.Payload) (int64, error) {
	hash := canon.Hash(name, payload)

	var row models.ItemBalance
	err := l.conn(tx).WithContext(ctx).
		Where("tenant = ? AND owner_id = ? AND market_id = ? AND hash = ?", tenant, owner, market, hash).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, apperr.NotFound("no balance for item %q", name)
	}
	if err != nil {
		return 0, apperr.Storage(err, "failed to load balance")
	}
	return row.Amount, nil
}

// ListBalances returns every non-zero balance an owner holds in a
// market.
func (l *Ledger) ListBalances(ctx context.Context, tx *gorm.DB, tenant, owner int64, market uint64) ([]models.ItemBalance, error) {
	var rows []models.ItemBalance
	err := l.conn(tx).WithContext(ctx).
		Where("tenant = ? AND owner_id = ? AND market_id = ? AND amount != 0", tenant, owner, market).
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Storage(err, "failed to list balances")
	}
	return rows, nil
}

// Add upserts by hash, adding amount to the existing balance (creating
// the row at amount if none exists yet). Internal callers always pass
// a strictly positive amount; the statement itself permits any delta,
// matching spec.md §4.1.
func (l *Ledger) Add(ctx context.Context, tx *gorm.DB, tenant, owner int64, market uint64, name string, amount int64, payload canon.Payload) error {
	hash := canon.Hash(name, payload)
	encodedPayload, err := canon.Marshal(payload)
	if err != nil {
		return apperr.Storage(err, "failed to encode payload")
	}

	row := models.ItemBalance{
		Tenant:   tenant,
		OwnerID:  owner,
		MarketID: market,
		Name:     name,
		Payload:  encodedPayload,
		Amount:   amount,
		Hash:     hash,
	}

	err = l.conn(tx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant"}, {Name: "owner_id"}, {Name: "market_id"}, {Name: "hash"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"amount": gorm.Expr("items.amount + ?", amount)}),
	}).Create(&row).Error
	if err != nil {
		return apperr.Storage(err, "failed to add to balance")
	}

	log.Debug().Int64("tenant", tenant).Int64("owner", owner).Uint64("market", market).
		Str("item", name).Int64("amount", amount).Msg("ledger: added")
	return nil
}

// Subtract conditionally decrements a balance: it succeeds only if the
// current amount is >= amount, and reports whether a row was affected.
// This is the ledger's sole non-overdraft primitive.
func (l *Ledger) Subtract(ctx context.Context, tx *gorm.DB, tenant, owner int64, market uint64, name string, amount int64, payload canon.Payload) (bool, error) {
	hash := canon.Hash(name, payload)

	result := l.conn(tx).WithContext(ctx).Model(&models.ItemBalance{}).
		Where("tenant = ? AND owner_id = ? AND market_id = ? AND hash = ? AND amount >= ?", tenant, owner, market, hash, amount).
		Update("amount", gorm.Expr("amount - ?", amount))
	if result.Error != nil {
		return false, apperr.Storage(result.Error, "failed to subtract from balance")
	}

	ok := result.RowsAffected > 0
	if ok {
		log.Debug().Int64("tenant", tenant).Int64("owner", owner).Uint64("market", market).
			Str("item", name).Int64("amount", amount).Msg("ledger: subtracted")
	} else {
		log.Debug().Int64("tenant", tenant).Int64("owner", owner).Uint64("market", market).
			Str("item", name).Int64("amount", amount).Msg("ledger: insufficient balance")
	}
	return ok, nil
}

// BatchUpdate atomically applies a set of signed deltas to an owner's
// balances in one market. Two-phase, per spec.md §4.1: every negative
// delta is prechecked against the current (row-locked) balance before
// any mutation runs, so a batch with one impossible subtraction never
// partially executes. Negatives are then applied (still guarded by
// Subtract's conditional clause, to cover races with a concurrent batch
// holding a different row subset), followed by positives.
func (l *Ledger) BatchUpdate(ctx context.Context, tenant, owner int64, market uint64, items []BatchItem) error {
	run := func(tx *gorm.DB) error {
		hashes := make([]string, 0, len(items))
		for _, item := range items {
			hashes = append(hashes, canon.Hash(item.Name, item.Payload))
		}

		var existing []models.ItemBalance
		if len(hashes) > 0 {
			if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("tenant = ? AND owner_id = ? AND market_id = ? AND hash IN ?", tenant, owner, market, hashes).
				Find(&existing).Error; err != nil {
				return apperr.Storage(err, "failed to lock balances for batch update")
			}
		}

		byHash := make(map[string]models.ItemBalance, len(existing))
		for _, row := range existing {
			byHash[row.Hash] = row
		}

		// Phase 1: precheck every negative delta against the locked rows.
		for _, item := range items {
			if item.Delta >= 0 {
				continue
			}
			hash := canon.Hash(item.Name, item.Payload)
			row, ok := byHash[hash]
			if !ok || row.Amount < -item.Delta {
				return apperr.Insufficient("not enough %q to subtract %d", item.Name, -item.Delta)
			}
		}

		// Phase 2a: apply negatives.
		for _, item := range items {
			if item.Delta >= 0 {
				continue
			}
			ok, err := l.Subtract(ctx, tx, tenant, owner, market, item.Name, -item.Delta, item.Payload)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.Insufficient("not enough %q to subtract %d", item.Name, -item.Delta)
			}
		}

		// Phase 2b: apply positives.
		for _, item := range items {
			if item.Delta <= 0 {
				continue
			}
			if err := l.Add(ctx, tx, tenant, owner, market, item.Name, item.Delta, item.Payload); err != nil {
				return err
			}
		}

		return nil
	}

	if err := l.db.WithContext(ctx).Transaction(run); err != nil {
		return err
	}
	log.Info().Int64("tenant", tenant).Int64("owner", owner).Uint64("market", market).
		Int("items", len(items)).Time("at", time.Now()).Msg("ledger: batch update committed")
	return nil
}
