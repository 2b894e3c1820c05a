// Package orderstore implements §4.2 of the exchange core: order
// lifecycle (post, get, update, delete) and filtered, paginated
// queries, with escrow of the offered items coupled through
// internal/ledger.
package orderstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/forgecraft/tradepost/internal/apperr"
	"github.com/forgecraft/tradepost/internal/canon"
	"github.com/forgecraft/tradepost/internal/ledger"
	"github.com/forgecraft/tradepost/internal/models"
)

// MaxPageSize is the hard ceiling on Query's limit (spec.md §4.2).
const MaxPageSize = 1000

// OrderStore is a thin wrapper over a GORM session and a Ledger for
// escrow coupling. It holds no mutable state of its own.
type OrderStore struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

// New constructs an OrderStore bound to db, escrowing through ledger.
func New(db *gorm.DB, ledger *ledger.Ledger) *OrderStore {
	return &OrderStore{db: db, ledger: ledger}
}

// NewOrder describes a caller's request to post an order.
type NewOrder struct {
	Tenant      int64
	OwnerID     int64
	MarketID    uint64
	GiveItem    string
	GivePayload canon.Payload
	GiveAmount  int64
	TakeItem    string
	TakePayload canon.Payload
	TakeAmount  int64
	Available   int64
	Payload     canon.Payload
	Deadline    time.Time
}

func encode(p canon.Payload) (json.RawMessage, error) {
	b, err := canon.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func validateAmounts(giveAmount, takeAmount, available int64) error {
	if giveAmount < 1 || takeAmount < 1 {
		return apperr.Validation("give_amount and take_amount must be >= 1")
	}
	if available < 1 {
		return apperr.Validation("available must be >= 1")
	}
	return nil
}

// PostOrder validates the order and, when subtractItems is true,
// escrows give_amount * available of the offered item from the
// owner's ledger before inserting the order row — both within a
// single transaction, so a failed escrow never leaves an orphaned
// order (spec.md §4.2).
func (s *OrderStore) PostOrder(ctx context.Context, now time.Time, req NewOrder, subtractItems bool) (uint64, error) {
	if !req.Deadline.After(now) {
		return 0, apperr.Validation("deadline must be strictly in the future")
	}
	if err := validateAmounts(req.GiveAmount, req.TakeAmount, req.Available); err != nil {
		return 0, err
	}

	givePayload, err := encode(req.GivePayload)
	if err != nil {
		return 0, apperr.Storage(err, "failed to encode give_payload")
	}
	takePayload, err := encode(req.TakePayload)
	if err != nil {
		return 0, apperr.Storage(err, "failed to encode take_payload")
	}
	payload, err := encode(req.Payload)
	if err != nil {
		return 0, apperr.Storage(err, "failed to encode payload")
	}

	row := models.Order{
		Tenant:      req.Tenant,
		OwnerID:     req.OwnerID,
		MarketID:    req.MarketID,
		GiveItem:    req.GiveItem,
		GivePayload: givePayload,
		GiveAmount:  req.GiveAmount,
		TakeItem:    req.TakeItem,
		TakePayload: takePayload,
		TakeAmount:  req.TakeAmount,
		Available:   req.Available,
		Payload:     payload,
		CreatedAt:   now,
		Deadline:    req.Deadline,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if subtractItems {
			escrow := req.GiveAmount * req.Available
			ok, err := s.ledger.Subtract(ctx, tx, req.Tenant, req.OwnerID, req.MarketID, req.GiveItem, escrow, req.GivePayload)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.Insufficient("not enough %q to escrow order", req.GiveItem)
			}
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		if _, ok := err.(*apperr.Error); ok {
			return 0, err
		}
		return 0, apperr.Storage(err, "failed to post order")
	}

	log.Info().Int64("tenant", req.Tenant).Int64("owner", req.OwnerID).Uint64("market", req.MarketID).
		Uint64("order", row.ID).Int64("available", req.Available).
		Str("give", req.GiveItem).Str("take", req.TakeItem).Msg("orderstore: posted order")
	return row.ID, nil
}

// GetOrder returns an order by id, scoped to tenant.
func (s *OrderStore) GetOrder(ctx context.Context, tx *gorm.DB, tenant int64, orderID uint64) (*models.Order, error) {
	conn := s.db
	if tx != nil {
		conn = tx
	}
	var row models.Order
	err := conn.WithContext(ctx).Where("tenant = ? AND id = ?", tenant, orderID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperr.NotFound("order %d not found", orderID)
	}
	if err != nil {
		return nil, apperr.Storage(err, "failed to load order")
	}
	return &row, nil
}

// UpdateFields describes the editable subset of an order. GiveAmount,
// TakeAmount, and Available are deliberately absent: spec.md §9 flags
// that editing them without ledger reconciliation breaks the escrow
// invariant, and this implementation takes option (a) from that note —
// reject such edits rather than silently accept them. Callers needing
// to resize an order must cancel (DeleteOrder) and repost.
type UpdateFields struct {
	GiveItem    *string
	GivePayload *canon.Payload
	TakeItem    *string
	TakePayload *canon.Payload
	Payload     *canon.Payload
	Deadline    *time.Time
}

// UpdateOrder rewrites the editable fields of an order owned by
// owner in market. Returns apperr.NotFound if no matching order exists
// for that owner/market/tenant.
func (s *OrderStore) UpdateOrder(ctx context.Context, tenant, owner int64, market uint64, orderID uint64, fields UpdateFields) error {
	updates := map[string]interface{}{}

	if fields.GiveItem != nil {
		updates["give_item"] = *fields.GiveItem
	}
	if fields.GivePayload != nil {
		b, err := encode(*fields.GivePayload)
		if err != nil {
			return apperr.Storage(err, "failed to encode give_payload")
		}
		updates["give_payload"] = b
	}
	if fields.TakeItem != nil {
		updates["take_item"] = *fields.TakeItem
	}
	if fields.TakePayload != nil {
		b, err := encode(*fields.TakePayload)
		if err != nil {
			return apperr.Storage(err, "failed to encode take_payload")
		}
		updates["take_payload"] = b
	}
	if fields.Payload != nil {
		b, err := encode(*fields.Payload)
		if err != nil {
			return apperr.Storage(err, "failed to encode payload")
		}
		updates["payload"] = b
	}
	if fields.Deadline != nil {
		updates["deadline"] = *fields.Deadline
	}

	if len(updates) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("tenant = ? AND owner_id = ? AND market_id = ? AND id = ?", tenant, owner, market, orderID).
		Updates(updates)
	if result.Error != nil {
		return apperr.Storage(result.Error, "failed to update order")
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("order %d not found for this owner/market", orderID)
	}

	log.Info().Int64("tenant", tenant).Int64("owner", owner).Uint64("order", orderID).Msg("orderstore: updated order")
	return nil
}

// Canceller is the subset of notifier.Notifier DeleteOrder needs,
// broken out so orderstore does not import the notifier package
// directly. notifier.Adapter satisfies it; cmd/tradepostd builds that
// adapter and hands it to the reaper, and the matcher takes its own
// completion hook per call in the same way.
type Canceller interface {
	OrderCancelled(ctx context.Context, tenant int64, marketID uint64, order models.Order)
}

// DeleteOrder cancels a live order: under a single transaction it
// locks the row, refunds give_amount * available of give_item to the
// owner, deletes the row, and (after commit) notifies via notify.
// notify may be nil to skip notification (e.g. admin-initiated bulk
// cleanup).
func (s *OrderStore) DeleteOrder(ctx context.Context, tenant int64, orderID uint64, notify Canceller) error {
	var deleted models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant = ? AND id = ?", tenant, orderID).First(&row).Error
		if err == gorm.ErrRecordNotFound {
			return apperr.NotFound("order %d not found", orderID)
		}
		if err != nil {
			return apperr.Storage(err, "failed to lock order")
		}

		payload, perr := decodePayload(row.GivePayload)
		if perr != nil {
			return apperr.Storage(perr, "failed to decode give_payload")
		}
		refund := row.GiveAmount * row.Available
		if err := s.ledger.Add(ctx, tx, tenant, row.OwnerID, row.MarketID, row.GiveItem, refund, payload); err != nil {
			return err
		}

		if err := tx.Delete(&models.Order{}, "tenant = ? AND id = ?", tenant, orderID).Error; err != nil {
			return apperr.Storage(err, "failed to delete order")
		}

		deleted = row
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int64("tenant", tenant).Uint64("order", orderID).
		Int64("refunded", deleted.GiveAmount*deleted.Available).Msg("orderstore: order deleted, escrow refunded")

	if notify != nil {
		notify.OrderCancelled(ctx, tenant, deleted.MarketID, deleted)
	}
	return nil
}

// DeleteOrdersForOwner removes every order an owner holds. If
// gamespaceOnly is true the deletion is tenant-scoped; otherwise it
// spans every tenant the owner appears in. No escrow refund is issued
// — this path backs account deletion, which discards state wholesale
// (mirroring spec.md §4.2's cascade-hook semantics, itself mirroring
// spec.md §4.7's market-wide deletion: no refund on bulk discard).
func (s *OrderStore) DeleteOrdersForOwner(ctx context.Context, tenant int64, owner int64, gamespaceOnly bool) error {
	q := s.db.WithContext(ctx).Where("owner_id = ?", owner)
	if gamespaceOnly {
		q = q.Where("tenant = ?", tenant)
	}
	if err := q.Delete(&models.Order{}).Error; err != nil {
		return apperr.Storage(err, "failed to delete owner's orders")
	}
	return nil
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

// Comparator is a filter comparison operator for amount filters.
type Comparator string

const (
	CompLess    Comparator = "<"
	CompLessEq  Comparator = "<="
	CompEqual   Comparator = "="
	CompGreater Comparator = ">"
	CompGreaterEq Comparator = ">="
)

var validComparators = map[Comparator]bool{
	CompLess: true, CompLessEq: true, CompEqual: true, CompGreater: true, CompGreaterEq: true,
}

// SortField selects the primary sort key for Query; secondary/
// tie-breaker is always created_at descending (spec.md §4.2).
type SortField string

const (
	SortNone       SortField = ""
	SortTakeAmount SortField = "take_amount"
	SortGiveAmount SortField = "give_amount"
)

// Query describes a filtered, paginated order listing.
type Query struct {
	Tenant   int64
	MarketID uint64

	Owner *int64

	GiveItem    *string
	GivePayload canon.Payload // partial JSON-subtree match

	TakeItem    *string
	TakePayload canon.Payload // partial JSON-subtree match

	GiveAmount           *int64
	GiveAmountComparator Comparator

	TakeAmount           *int64
	TakeAmountComparator Comparator

	SortBy   SortField
	SortDesc bool

	Offset int
	Limit  int

	Count bool
}

// Result is the outcome of a Query.
type Result struct {
	Orders []models.Order
	Total  int64 // only populated when Query.Count is true
}

// Query returns an ordered, paginated, optionally counted list of
// orders matching the given filters (spec.md §4.2). Payload filters
// are JSON-subtree containment tests applied in Go after loading
// market-scoped candidates, since neither the sqlite nor the Postgres
// driver this module targets is assumed to expose a native JSON
// containment operator (mirrors internal/canon.Contains' rationale).
func (s *OrderStore) Query(ctx context.Context, q Query) (Result, error) {
	if q.Limit <= 0 || q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}

	db := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("tenant = ? AND market_id = ?", q.Tenant, q.MarketID)

	if q.Owner != nil {
		db = db.Where("owner_id = ?", *q.Owner)
	}
	if q.GiveItem != nil {
		db = db.Where("give_item = ?", *q.GiveItem)
	}
	if q.TakeItem != nil {
		db = db.Where("take_item = ?", *q.TakeItem)
	}
	if q.GiveAmount != nil && validComparators[q.GiveAmountComparator] {
		db = db.Where("give_amount "+string(q.GiveAmountComparator)+" ?", *q.GiveAmount)
	}
	if q.TakeAmount != nil && validComparators[q.TakeAmountComparator] {
		db = db.Where("take_amount "+string(q.TakeAmountComparator)+" ?", *q.TakeAmount)
	}

	var total int64
	if q.Count {
		if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil {
			return Result{}, apperr.Storage(err, "failed to count orders")
		}
	}

	switch q.SortBy {
	case SortTakeAmount:
		db = db.Order(orderClause("take_amount", q.SortDesc))
	case SortGiveAmount:
		db = db.Order(orderClause("give_amount", q.SortDesc))
	}
	db = db.Order("created_at DESC")

	// Overselect when payload filters are present, since some rows will
	// be dropped by the in-Go containment test below; fetch a generous
	// window and trim after filtering. The matcher's own query (which
	// has the same containment requirement) never goes through Query —
	// it applies Contains directly — so this path only serves admin/UI
	// listings, where an approximate overselect is acceptable.
	fetchLimit := q.Offset + q.Limit
	if q.GivePayload != nil || q.TakePayload != nil {
		fetchLimit = q.Offset + q.Limit*4 + 50
	}

	var rows []models.Order
	if err := db.Offset(0).Limit(fetchLimit).Find(&rows).Error; err != nil {
		return Result{}, apperr.Storage(err, "failed to query orders")
	}

	if q.GivePayload != nil {
		rows = filterPayload(rows, func(o models.Order) json.RawMessage { return o.GivePayload }, q.GivePayload)
	}
	if q.TakePayload != nil {
		// Uses TakePayload against order.take_payload — the original
		// source's query builder mistakenly reused give_payload here
		// (spec.md §9); this implementation does not replicate that bug.
		rows = filterPayload(rows, func(o models.Order) json.RawMessage { return o.TakePayload }, q.TakePayload)
	}

	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	return Result{Orders: rows, Total: total}, nil
}

func orderClause(column string, desc bool) string {
	if desc {
		return column + " DESC"
	}
	return column + " ASC"
}

func filterPayload(rows []models.Order, field func(models.Order) json.RawMessage, demand canon.Payload) []models.Order {
	out := rows[:0]
	for _, row := range rows {
		offer, err := decodePayload(field(row))
		if err != nil {
			continue
		}
		if canon.Contains(offer, demand) {
			out = append(out, row)
		}
	}
	return out
}
