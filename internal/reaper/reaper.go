// Package reaper implements §4.5 of the exchange core: a periodic
// sweep that cancels expired orders and refunds their escrow. Grounded
// on original_source's OrderModel.__check_due_orders__/delete_due_orders
// (a 60-second tornado PeriodicCallback that selects due orders and
// calls delete_order on each, logging but not aborting on individual
// failures) — translated to a time.Ticker, the teacher's own idiom for
// its stats-printer and state-persistence goroutines in cmd/main.go.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/forgecraft/tradepost/internal/models"
	"github.com/forgecraft/tradepost/internal/orderstore"
)

// DefaultPeriod is the sweep interval spec.md §4.5 specifies.
const DefaultPeriod = 60 * time.Second

// Canceller is the subset of orderstore.OrderStore the Reaper needs,
// broken out so a fake can be substituted in tests.
type Canceller interface {
	DeleteOrder(ctx context.Context, tenant int64, orderID uint64, notify orderstore.Canceller) error
}

// Reaper periodically cancels orders past their deadline, refunding
// escrow through Canceller.DeleteOrder. It is meant to run as a single
// process-wide instance (spec.md §9's "singletons" note accepts
// row-level locking as sufficient insurance against an accidental
// second instance); the internal mutex here only guards against two
// overlapping ticks within the same process, not a distributed race.
type Reaper struct {
	db     *gorm.DB
	store  Canceller
	notify orderstore.Canceller
	period time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New constructs a Reaper sweeping db for due orders every period
// (or DefaultPeriod if period <= 0), cancelling through store and
// notifying via notify (which may be nil).
func New(db *gorm.DB, store Canceller, notify orderstore.Canceller, period time.Duration) *Reaper {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Reaper{db: db, store: store, notify: notify, period: period}
}

// Start runs the sweep on a ticker until Stop is called. It is safe to
// call Start at most once per Reaper.
func (r *Reaper) Start(ctx context.Context) {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

// Stop halts the ticker loop and waits for any in-flight tick to finish.
func (r *Reaper) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
}

// Tick runs one sweep synchronously: select every order past its
// deadline and cancel it. A failure on one order is logged and does
// not abort the sweep over the rest (spec.md §4.5 step 3).
func (r *Reaper) Tick(ctx context.Context) {
	if !r.mu.TryLock() {
		log.Warn().Msg("reaper: previous tick still running, skipping")
		return
	}
	defer r.mu.Unlock()

	type due struct {
		ID     uint64
		Tenant int64
	}
	var rows []due
	if err := r.db.WithContext(ctx).Model(&models.Order{}).
		Select("id, tenant").
		Where("deadline < ?", time.Now()).
		Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("reaper: failed to select due orders")
		return
	}

	if len(rows) == 0 {
		return
	}

	log.Info().Int("count", len(rows)).Msg("reaper: deleting due orders")
	cancelled := 0
	for _, row := range rows {
		if err := r.store.DeleteOrder(ctx, row.Tenant, row.ID, r.notify); err != nil {
			log.Error().Err(err).Int64("tenant", row.Tenant).Uint64("order", row.ID).
				Msg("reaper: failed to cancel due order")
			continue
		}
		cancelled++
	}
	log.Info().Int("cancelled", cancelled).Int("total", len(rows)).Msg("reaper: sweep done")
}
