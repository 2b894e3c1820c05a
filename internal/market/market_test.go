package market

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgecraft/tradepost/internal/apperr"
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

const tenant = int64(1)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	r := New(newTestDB(t))

	id, err := r.Create(ctx, tenant, "bazaar", json.RawMessage(`{"theme":"medieval"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := r.Get(ctx, tenant, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "bazaar" {
		t.Fatalf("got name %q, want bazaar", got.Name)
	}
}

func TestFindByName(t *testing.T) {
	ctx := context.Background()
	r := New(newTestDB(t))
	r.Create(ctx, tenant, "bazaar", nil)

	got, err := r.FindByName(ctx, tenant, "bazaar")
	if err != nil {
		t.Fatalf("FindByName failed: %v", err)
	}
	if got.Tenant != tenant {
		t.Fatalf("got tenant %d, want %d", got.Tenant, tenant)
	}
}

func TestFindByNameNotFound(t *testing.T) {
	r := New(newTestDB(t))
	_, err := r.FindByName(context.Background(), tenant, "nonexistent")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteCascadesOrdersAndItems(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := New(db)

	marketID, err := r.Create(ctx, tenant, "bazaar", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	db.Create(&models.Order{
		Tenant: tenant, OwnerID: 1, MarketID: marketID,
		GiveItem: "bread", GiveAmount: 1, TakeItem: "coin", TakeAmount: 1, Available: 1,
	})
	db.Create(&models.ItemBalance{
		Tenant: tenant, OwnerID: 1, MarketID: marketID, Name: "bread", Amount: 5, Hash: "x",
	})

	if err := r.Delete(ctx, tenant, marketID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var marketCount, orderCount, itemCount int64
	db.Model(&models.Market{}).Where("id = ?", marketID).Count(&marketCount)
	db.Model(&models.Order{}).Where("market_id = ?", marketID).Count(&orderCount)
	db.Model(&models.ItemBalance{}).Where("market_id = ?", marketID).Count(&itemCount)

	if marketCount != 0 || orderCount != 0 || itemCount != 0 {
		t.Fatalf("expected full cascade delete, got market=%d orders=%d items=%d", marketCount, orderCount, itemCount)
	}
}

func TestDeleteNotFound(t *testing.T) {
	r := New(newTestDB(t))
	err := r.Delete(context.Background(), tenant, 999)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListScopedByTenant(t *testing.T) {
	ctx := context.Background()
	r := New(newTestDB(t))
	r.Create(ctx, tenant, "bazaar", nil)
	r.Create(ctx, tenant+1, "other-tenant-market", nil)

	markets, err := r.List(ctx, tenant)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("expected 1 market for tenant, got %d", len(markets))
	}
}
