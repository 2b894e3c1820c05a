// Package market implements §4.7 of the exchange core: standard CRUD
// over markets plus cascade deletion (market row, then its orders, then
// its item balances — no escrow refund on a market-wide delete).
package market

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/forgecraft/tradepost/internal/apperr"
	"github.com/forgecraft/tradepost/internal/models"
)

// Registry is a thin wrapper over a GORM session. It holds no mutable
// state of its own.
type Registry struct {
	db *gorm.DB
}

// New constructs a Registry bound to db.
func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Create inserts a new market. name must be unique within tenant;
// settings is opaque JSON the core never interprets.
func (r *Registry) Create(ctx context.Context, tenant int64, name string, settings json.RawMessage) (uint64, error) {
	if name == "" {
		return 0, apperr.Validation("market name must not be empty")
	}

	row := models.Market{Tenant: tenant, Name: name, Settings: settings}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, apperr.Storage(err, "failed to create market")
	}

	log.Info().Int64("tenant", tenant).Str("market", name).Uint64("id", row.ID).Msg("market: created")
	return row.ID, nil
}

// Get returns a market by id, scoped to tenant.
func (r *Registry) Get(ctx context.Context, tenant int64, marketID uint64) (*models.Market, error) {
	var row models.Market
	err := r.db.WithContext(ctx).Where("tenant = ? AND id = ?", tenant, marketID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperr.NotFound("market %d not found", marketID)
	}
	if err != nil {
		return nil, apperr.Storage(err, "failed to load market")
	}
	return &row, nil
}

// FindByName returns a market by its unique (tenant, name) key.
func (r *Registry) FindByName(ctx context.Context, tenant int64, name string) (*models.Market, error) {
	var row models.Market
	err := r.db.WithContext(ctx).Where("tenant = ? AND name = ?", tenant, name).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperr.NotFound("market %q not found", name)
	}
	if err != nil {
		return nil, apperr.Storage(err, "failed to load market")
	}
	return &row, nil
}

// List returns every market registered under tenant.
func (r *Registry) List(ctx context.Context, tenant int64) ([]models.Market, error) {
	var rows []models.Market
	if err := r.db.WithContext(ctx).Where("tenant = ?", tenant).Find(&rows).Error; err != nil {
		return nil, apperr.Storage(err, "failed to list markets")
	}
	return rows, nil
}

// Update rewrites a market's name and settings.
func (r *Registry) Update(ctx context.Context, tenant int64, marketID uint64, name string, settings json.RawMessage) error {
	if name == "" {
		return apperr.Validation("market name must not be empty")
	}

	result := r.db.WithContext(ctx).Model(&models.Market{}).
		Where("tenant = ? AND id = ?", tenant, marketID).
		Updates(map[string]interface{}{"name": name, "settings": settings})
	if result.Error != nil {
		return apperr.Storage(result.Error, "failed to update market")
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("market %d not found", marketID)
	}
	return nil
}

// Delete removes a market and, within the same transaction, every order
// and item balance scoped to it. Unlike OrderStore.DeleteOrder, no
// escrow is refunded — a market-wide delete discards state wholesale
// (spec.md §4.7).
func (r *Registry) Delete(ctx context.Context, tenant int64, marketID uint64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("tenant = ? AND id = ?", tenant, marketID).Delete(&models.Market{})
		if result.Error != nil {
			return apperr.Storage(result.Error, "failed to delete market")
		}
		if result.RowsAffected == 0 {
			return apperr.NotFound("market %d not found", marketID)
		}

		if err := tx.Where("tenant = ? AND market_id = ?", tenant, marketID).Delete(&models.Order{}).Error; err != nil {
			return apperr.Storage(err, "failed to delete market's orders")
		}
		if err := tx.Where("tenant = ? AND market_id = ?", tenant, marketID).Delete(&models.ItemBalance{}).Error; err != nil {
			return apperr.Storage(err, "failed to delete market's item balances")
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int64("tenant", tenant).Uint64("market", marketID).Msg("market: deleted, cascaded to orders and items")
	return nil
}
