package orderstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgecraft/tradepost/internal/apperr"
	"github.com/forgecraft/tradepost/internal/ledger"
	"github.com/forgecraft/tradepost/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open in-memory sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

const tenant, owner, market = int64(1), int64(100), uint64(1)

func newStore(t *testing.T) (*OrderStore, *ledger.Ledger) {
	db := newTestDB(t)
	led := ledger.New(db)
	return New(db, led), led
}

func TestPostOrderRejectsPastDeadline(t *testing.T) {
	store, _ := newStore(t)
	now := time.Now()
	_, err := store.PostOrder(context.Background(), now, NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 1, TakeItem: "coin", TakeAmount: 1, Available: 1,
		Deadline: now.Add(-time.Minute),
	}, false)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected Validation, got %v", err)
	}
}

func TestPostOrderRejectsNonPositiveAmounts(t *testing.T) {
	store, _ := newStore(t)
	now := time.Now()
	_, err := store.PostOrder(context.Background(), now, NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 0, TakeItem: "coin", TakeAmount: 1, Available: 1,
		Deadline: now.Add(time.Hour),
	}, false)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected Validation, got %v", err)
	}
}

func TestPostOrderEscrowsWhenRequested(t *testing.T) {
	ctx := context.Background()
	store, led := newStore(t)
	led.Add(ctx, nil, tenant, owner, market, "bread", 20, nil)

	id, err := store.PostOrder(ctx, time.Now(), NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 10, TakeItem: "coin", TakeAmount: 1, Available: 2,
		Deadline: time.Now().Add(time.Hour),
	}, true)
	if err != nil {
		t.Fatalf("PostOrder failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero order id")
	}

	amount, err := led.GetBalance(ctx, nil, tenant, owner, market, "bread", nil)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if amount != 0 {
		t.Fatalf("expected all 20 bread escrowed, got %d left", amount)
	}
}

func TestPostOrderFailsOnInsufficientEscrow(t *testing.T) {
	ctx := context.Background()
	store, led := newStore(t)
	led.Add(ctx, nil, tenant, owner, market, "bread", 5, nil)

	_, err := store.PostOrder(ctx, time.Now(), NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 10, TakeItem: "coin", TakeAmount: 1, Available: 2,
		Deadline: time.Now().Add(time.Hour),
	}, true)
	if !apperr.Is(err, apperr.KindInsufficient) {
		t.Fatalf("expected Insufficient, got %v", err)
	}

	var count int64
	store.db.Model(&models.Order{}).Count(&count)
	if count != 0 {
		t.Fatal("no order row should have been created when escrow fails")
	}
}

func TestGetOrderNotFound(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.GetOrder(context.Background(), nil, tenant, 999)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestUpdateOrderRewritesEditableFields(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	id, _ := store.PostOrder(ctx, time.Now(), NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 1, TakeItem: "coin", TakeAmount: 1, Available: 1,
		Deadline: time.Now().Add(time.Hour),
	}, false)

	newDeadline := time.Now().Add(48 * time.Hour)
	err := store.UpdateOrder(ctx, tenant, owner, market, id, UpdateFields{Deadline: &newDeadline})
	if err != nil {
		t.Fatalf("UpdateOrder failed: %v", err)
	}

	got, err := store.GetOrder(ctx, nil, tenant, id)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if !got.Deadline.Equal(newDeadline) {
		t.Fatalf("deadline not updated: got %v want %v", got.Deadline, newDeadline)
	}
}

func TestUpdateOrderNotFoundForWrongOwner(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	id, _ := store.PostOrder(ctx, time.Now(), NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 1, TakeItem: "coin", TakeAmount: 1, Available: 1,
		Deadline: time.Now().Add(time.Hour),
	}, false)

	deadline := time.Now().Add(2 * time.Hour)
	err := store.UpdateOrder(ctx, tenant, owner+1, market, id, UpdateFields{Deadline: &deadline})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound for mismatched owner, got %v", err)
	}
}

func TestDeleteOrderRefundsEscrow(t *testing.T) {
	ctx := context.Background()
	store, led := newStore(t)
	led.Add(ctx, nil, tenant, owner, market, "bread", 10, nil)

	id, err := store.PostOrder(ctx, time.Now(), NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 5, TakeItem: "coin", TakeAmount: 1, Available: 2,
		Deadline: time.Now().Add(time.Hour),
	}, true)
	if err != nil {
		t.Fatalf("PostOrder failed: %v", err)
	}

	if err := store.DeleteOrder(ctx, tenant, id, nil); err != nil {
		t.Fatalf("DeleteOrder failed: %v", err)
	}

	amount, err := led.GetBalance(ctx, nil, tenant, owner, market, "bread", nil)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if amount != 10 {
		t.Fatalf("expected full refund of 10, got %d", amount)
	}

	_, err = store.GetOrder(ctx, nil, tenant, id)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatal("order should no longer exist after delete")
	}
}

func TestDeleteOrderNotFoundIsIdempotent(t *testing.T) {
	store, _ := newStore(t)
	err := store.DeleteOrder(context.Background(), tenant, 404, nil)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

type fakeCanceller struct{ called bool }

func (f *fakeCanceller) OrderCancelled(ctx context.Context, tenant int64, marketID uint64, order models.Order) {
	f.called = true
}

func TestDeleteOrderNotifies(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	id, _ := store.PostOrder(ctx, time.Now(), NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 1, TakeItem: "coin", TakeAmount: 1, Available: 1,
		Deadline: time.Now().Add(time.Hour),
	}, false)

	fc := &fakeCanceller{}
	if err := store.DeleteOrder(ctx, tenant, id, fc); err != nil {
		t.Fatalf("DeleteOrder failed: %v", err)
	}
	if !fc.called {
		t.Fatal("expected OrderCancelled to be called")
	}
}

func TestQueryFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	mk := func(give, take int64) {
		store.PostOrder(ctx, time.Now(), NewOrder{
			Tenant: tenant, OwnerID: owner, MarketID: market,
			GiveItem: "bread", GiveAmount: give, TakeItem: "coin", TakeAmount: take, Available: 1,
			Deadline: time.Now().Add(time.Hour),
		}, false)
	}
	mk(5, 3)
	mk(5, 1)
	mk(5, 2)

	res, err := store.Query(ctx, Query{
		Tenant: tenant, MarketID: market,
		SortBy: SortTakeAmount, SortDesc: false,
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res.Orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(res.Orders))
	}
	for i := 1; i < len(res.Orders); i++ {
		if res.Orders[i-1].TakeAmount > res.Orders[i].TakeAmount {
			t.Fatalf("orders not sorted ascending by take_amount: %+v", res.Orders)
		}
	}
}

func TestQueryPaginationHardCeiling(t *testing.T) {
	// Checks only that a limit above MaxPageSize is accepted without an
	// error; the clamp itself is not observable with an empty store.
	store, _ := newStore(t)
	res, err := store.Query(context.Background(), Query{
		Tenant: tenant, MarketID: market, Limit: 1_000_000,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	_ = res
}

func TestQueryPayloadSubsetMatchesOnlyTakePayload(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	store.PostOrder(ctx, time.Now(), NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 1,
		TakeItem: "coin", TakeAmount: 1, TakePayload: map[string]interface{}{"purity": "gold"},
		Available: 1, Deadline: time.Now().Add(time.Hour),
	}, false)
	store.PostOrder(ctx, time.Now(), NewOrder{
		Tenant: tenant, OwnerID: owner, MarketID: market,
		GiveItem: "bread", GiveAmount: 1,
		TakeItem: "coin", TakeAmount: 1, TakePayload: map[string]interface{}{"purity": "silver"},
		Available: 1, Deadline: time.Now().Add(time.Hour),
	}, false)

	res, err := store.Query(ctx, Query{
		Tenant: tenant, MarketID: market,
		TakePayload: map[string]interface{}{"purity": "gold"},
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res.Orders) != 1 {
		t.Fatalf("expected exactly 1 order matching take_payload, got %d", len(res.Orders))
	}
}
