// Package matcher implements §4.3 of the exchange core: the two
// entry points that actually move items between owners —
// MatchOrder's opportunistic book sweep and FulfillOrderWithAccount's
// directed fill — plus the escrow rebate ("backup") arithmetic that
// keeps both paths conservation-safe.
package matcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/forgecraft/tradepost/internal/apperr"
	"github.com/forgecraft/tradepost/internal/canon"
	"github.com/forgecraft/tradepost/internal/journal"
	"github.com/forgecraft/tradepost/internal/ledger"
	"github.com/forgecraft/tradepost/internal/models"
)

// Completer is the notification hook both entry points call after
// commit. Broken out the same way orderstore.Canceller is, so this
// package never imports internal/notifier directly.
type Completer interface {
	OrderCompleted(ctx context.Context, tenant int64, marketID uint64, order models.Order, giveAmount, completedAmount, leftAmount int64)
}

// Matcher wires together the ledger (for crediting items) and the
// journal (for recording each executed trade). It holds no mutable
// state beyond its GORM session.
type Matcher struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	journal *journal.Journal
}

// New constructs a Matcher.
func New(db *gorm.DB, ledger *ledger.Ledger, journal *journal.Journal) *Matcher {
	return &Matcher{db: db, ledger: ledger, journal: journal}
}

// Result summarizes one successful match or fulfillment.
type Result struct {
	OrderID       uint64
	Filled        int64
	FullyConsumed bool
}

type completion struct {
	order           models.Order
	giveAmount      int64
	completedAmount int64
	leftAmount      int64
}

// MatchOrder sweeps the book for counter-orders compatible with
// orderID and executes as many fills as possible in one transaction,
// rebating any per-unit price differential back to the subject
// order's owner. A nil Result with a nil error means nothing was
// matched — the subject order had no available units, or no
// compatible candidate existed — which callers should treat as a
// normal outcome, not a failure (spec.md §9's "returns null" guidance).
func (m *Matcher) MatchOrder(ctx context.Context, tenant int64, orderID uint64, notify Completer) (*Result, error) {
	var result *Result
	var completions []completion
	now := time.Now()

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var subject models.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant = ? AND id = ?", tenant, orderID).First(&subject).Error
		if err == gorm.ErrRecordNotFound {
			return apperr.NotFound("order %d not found", orderID)
		}
		if err != nil {
			return apperr.Storage(err, "failed to lock subject order")
		}
		if subject.Available <= 0 {
			return nil
		}

		givePayload, err := decodePayload(subject.GivePayload)
		if err != nil {
			return apperr.Storage(err, "failed to decode give_payload")
		}
		takePayload, err := decodePayload(subject.TakePayload)
		if err != nil {
			return apperr.Storage(err, "failed to decode take_payload")
		}

		var candidates []models.Order
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant = ? AND market_id = ? AND take_item = ? AND give_item = ? AND give_amount >= ? AND take_amount <= ? AND owner_id != ?",
				tenant, subject.MarketID, subject.GiveItem, subject.TakeItem, subject.TakeAmount, subject.GiveAmount, subject.OwnerID).
			Order("take_amount ASC, give_amount ASC, created_at DESC").
			Find(&candidates).Error
		if err != nil {
			return apperr.Storage(err, "failed to select matching candidates")
		}

		originalAvailable := subject.Available
		ordersToFulfill := subject.Available
		backup := int64(0)

		for _, candidate := range candidates {
			if ordersToFulfill <= 0 {
				break
			}

			candGivePayload, err := decodePayload(candidate.GivePayload)
			if err != nil {
				continue
			}
			candTakePayload, err := decodePayload(candidate.TakePayload)
			if err != nil {
				continue
			}
			// Neither driver this module targets is assumed to expose a
			// JSON containment operator (internal/canon.Contains' rationale,
			// mirrored in orderstore.Query): the SQL filter above narrows by
			// item/amount, payload compatibility is checked here in Go.
			if !canon.Contains(givePayload, candTakePayload) || !canon.Contains(candGivePayload, takePayload) {
				continue
			}

			fill := candidate.Available
			if ordersToFulfill < fill {
				fill = ordersToFulfill
			}

			priceDiff := subject.GiveAmount - candidate.TakeAmount
			backup += priceDiff * fill

			if err := m.journal.Record(ctx, tx, tenant, subject.MarketID, now, fill,
				journal.Side{Item: subject.GiveItem, Payload: givePayload, AmountPerUnit: candidate.TakeAmount, Owner: subject.OwnerID},
				journal.Side{Item: candidate.GiveItem, Payload: candGivePayload, AmountPerUnit: subject.TakeAmount, Owner: candidate.OwnerID},
			); err != nil {
				return err
			}

			if err := m.ledger.Add(ctx, tx, tenant, candidate.OwnerID, subject.MarketID, subject.GiveItem, fill*candidate.TakeAmount, givePayload); err != nil {
				return err
			}
			if err := m.ledger.Add(ctx, tx, tenant, subject.OwnerID, subject.MarketID, candidate.GiveItem, fill*subject.TakeAmount, candGivePayload); err != nil {
				return err
			}

			matchedBackup := (candidate.GiveAmount - subject.TakeAmount) * fill
			if matchedBackup > 0 {
				if err := m.ledger.Add(ctx, tx, tenant, candidate.OwnerID, subject.MarketID, candidate.GiveItem, matchedBackup, candGivePayload); err != nil {
					return err
				}
			}

			candidateLeft := candidate.Available - fill
			if candidateLeft == 0 {
				if err := tx.Delete(&models.Order{}, "tenant = ? AND id = ?", tenant, candidate.ID).Error; err != nil {
					return apperr.Storage(err, "failed to delete filled candidate order")
				}
			} else {
				if err := tx.Model(&models.Order{}).Where("tenant = ? AND id = ?", tenant, candidate.ID).
					Update("available", candidateLeft).Error; err != nil {
					return apperr.Storage(err, "failed to update candidate order")
				}
			}

			ordersToFulfill -= fill

			completions = append(completions,
				completion{order: subject, giveAmount: candidate.TakeAmount, completedAmount: fill, leftAmount: ordersToFulfill},
				completion{order: candidate, giveAmount: subject.TakeAmount, completedAmount: fill, leftAmount: candidateLeft},
			)
		}

		if len(completions) == 0 {
			return nil
		}

		if ordersToFulfill == 0 {
			if err := tx.Delete(&models.Order{}, "tenant = ? AND id = ?", tenant, orderID).Error; err != nil {
				return apperr.Storage(err, "failed to delete fully matched subject order")
			}
		} else if ordersToFulfill != originalAvailable {
			if err := tx.Model(&models.Order{}).Where("tenant = ? AND id = ?", tenant, orderID).
				Update("available", ordersToFulfill).Error; err != nil {
				return apperr.Storage(err, "failed to update subject order")
			}
		}

		if backup > 0 {
			if err := m.ledger.Add(ctx, tx, tenant, subject.OwnerID, subject.MarketID, subject.GiveItem, backup, givePayload); err != nil {
				return err
			}
		}

		result = &Result{OrderID: orderID, Filled: originalAvailable - ordersToFulfill, FullyConsumed: ordersToFulfill == 0}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	log.Info().Int64("tenant", tenant).Uint64("order", orderID).
		Int64("filled", result.Filled).Bool("fully_consumed", result.FullyConsumed).Msg("matcher: order matched")

	for _, c := range completions {
		notify.OrderCompleted(ctx, tenant, c.order.MarketID, c.order, c.giveAmount, c.completedAmount, c.leftAmount)
	}
	return result, nil
}

// FulfillOrderWithAccount executes a directed fill: buyer takes count
// units of orderID, paying take_amount*count of the order's take_item
// and receiving give_amount*count of its give_item. A nil Result with
// a nil error means nothing happened — no row matched the lock
// predicate, or buyer lacked the funds — distinct from an error, which
// indicates the transaction itself could not be attempted.
func (m *Matcher) FulfillOrderWithAccount(ctx context.Context, tenant int64, marketID uint64, orderID uint64, buyer int64, count int64, notify Completer) (*Result, error) {
	if count < 1 {
		return nil, apperr.Validation("count must be >= 1")
	}

	var result *Result
	var notifyOrder models.Order
	var giveAmount, completedAmount, leftAmount int64

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant = ? AND id = ? AND market_id = ? AND available >= ? AND owner_id != ?", tenant, orderID, marketID, count, buyer).
			First(&order).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return apperr.Storage(err, "failed to lock order")
		}

		givePayload, err := decodePayload(order.GivePayload)
		if err != nil {
			return apperr.Storage(err, "failed to decode give_payload")
		}
		takePayload, err := decodePayload(order.TakePayload)
		if err != nil {
			return apperr.Storage(err, "failed to decode take_payload")
		}

		need := order.TakeAmount * count
		give := order.GiveAmount * count

		ok, err := m.ledger.Subtract(ctx, tx, tenant, buyer, marketID, order.TakeItem, need, takePayload)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := m.ledger.Add(ctx, tx, tenant, order.OwnerID, marketID, order.TakeItem, need, takePayload); err != nil {
			return err
		}
		if err := m.ledger.Add(ctx, tx, tenant, buyer, marketID, order.GiveItem, give, givePayload); err != nil {
			return err
		}

		if err := m.journal.Record(ctx, tx, tenant, marketID, time.Now(), count,
			journal.Side{Item: order.GiveItem, Payload: givePayload, AmountPerUnit: order.GiveAmount, Owner: order.OwnerID},
			journal.Side{Item: order.TakeItem, Payload: takePayload, AmountPerUnit: order.TakeAmount, Owner: buyer},
		); err != nil {
			return err
		}

		ordersLeft := order.Available - count
		if ordersLeft > 0 {
			if err := tx.Model(&models.Order{}).Where("tenant = ? AND id = ?", tenant, orderID).
				Update("available", ordersLeft).Error; err != nil {
				return apperr.Storage(err, "failed to update order")
			}
		} else {
			if err := tx.Delete(&models.Order{}, "tenant = ? AND id = ?", tenant, orderID).Error; err != nil {
				return apperr.Storage(err, "failed to delete fully consumed order")
			}
		}

		notifyOrder = order
		giveAmount = order.GiveAmount
		completedAmount = count
		leftAmount = ordersLeft
		if leftAmount < 0 {
			leftAmount = 0
		}
		result = &Result{OrderID: orderID, Filled: count, FullyConsumed: ordersLeft <= 0}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	log.Info().Int64("tenant", tenant).Int64("buyer", buyer).Uint64("order", orderID).
		Int64("count", count).Bool("fully_consumed", result.FullyConsumed).Msg("matcher: directed fulfillment")

	notify.OrderCompleted(ctx, tenant, marketID, notifyOrder, giveAmount, completedAmount, leftAmount)
	return result, nil
}

func decodePayload(raw json.RawMessage) (canon.Payload, error) {
	if len(raw) == 0 {
		return canon.Payload{}, nil
	}
	var p canon.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
