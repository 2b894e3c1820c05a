// Package models defines the GORM row structs backing the exchange's
// relational store: markets, item balances, orders, and the
// transaction journal, plus the schema-version marker. Field names
// mirror spec.md §3 and §6; struct tags reproduce the uniqueness and
// indexing requirements spec.md §6 calls out.
package models

import (
	"encoding/json"
	"time"
)

// Market is a per-tenant named trading venue with opaque settings.
type Market struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement"`
	Tenant    int64           `gorm:"uniqueIndex:idx_market_tenant_name;not null"`
	Name      string          `gorm:"uniqueIndex:idx_market_tenant_name;not null"`
	Settings  json.RawMessage `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemBalance is a per-(tenant, owner, market, payload-hash) fungible
// item count. Rows with Amount == 0 are hidden from listings but not
// deleted (spec.md §3 lifecycle summary).
type ItemBalance struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement"`
	Tenant    int64           `gorm:"uniqueIndex:idx_item_owner_hash;not null"`
	OwnerID   int64           `gorm:"uniqueIndex:idx_item_owner_hash;not null"`
	MarketID  uint64          `gorm:"uniqueIndex:idx_item_owner_hash;not null;index"`
	Name      string          `gorm:"not null"`
	Payload   json.RawMessage `gorm:"type:text"`
	Amount    int64           `gorm:"not null"`
	Hash      string          `gorm:"uniqueIndex:idx_item_owner_hash;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ItemBalance) TableName() string { return "items" }

// Order is a live or historical bilateral barter offer: the owner
// gives GiveAmount of (GiveItem, GivePayload) per unit, Available
// times, in exchange for TakeAmount of (TakeItem, TakePayload) per
// unit.
type Order struct {
	ID           uint64          `gorm:"primaryKey;autoIncrement"`
	Tenant       int64           `gorm:"not null;index:idx_order_tenant_market_owner"`
	OwnerID      int64           `gorm:"not null;index:idx_order_tenant_market_owner"`
	MarketID     uint64          `gorm:"not null;index:idx_order_tenant_market_owner;index:idx_order_match"`
	GiveItem     string          `gorm:"not null;index:idx_order_match"`
	GivePayload  json.RawMessage `gorm:"type:text"`
	GiveAmount   int64           `gorm:"not null"`
	TakeItem     string          `gorm:"not null;index:idx_order_match"`
	TakePayload  json.RawMessage `gorm:"type:text"`
	TakeAmount   int64           `gorm:"not null"`
	Available    int64           `gorm:"not null"`
	Payload      json.RawMessage `gorm:"type:text"`
	CreatedAt    time.Time       `gorm:"index"`
	Deadline     time.Time       `gorm:"index"`
}

func (Order) TableName() string { return "orders" }

// Transaction is an append-only journal entry of one executed trade.
// The two sides are canonically ordered by item hash (spec.md §3/§4.4):
// the side with the lexicographically larger hash is stored as A.
type Transaction struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Tenant     int64     `gorm:"not null;index:idx_txn_tenant_market_hashes"`
	MarketID   uint64    `gorm:"not null;index:idx_txn_tenant_market_hashes"`
	Date       time.Time `gorm:"not null;index"`
	Amount     int64     `gorm:"not null"`

	AItem      string          `gorm:"not null"`
	APayload   json.RawMessage `gorm:"type:text"`
	AHash      string          `gorm:"not null;index:idx_txn_tenant_market_hashes"`
	AAmount    int64           `gorm:"not null"`
	AOwner     int64           `gorm:"not null"`

	BItem      string          `gorm:"not null"`
	BPayload   json.RawMessage `gorm:"type:text"`
	BHash      string          `gorm:"not null;index:idx_txn_tenant_market_hashes"`
	BAmount    int64           `gorm:"not null"`
	BOwner     int64           `gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

// SchemaVersion is a singleton row recording the applied schema
// version, standing in for the migration tooling spec.md §1 scopes out
// of this module (the migration tool itself is an external collaborator;
// this module only records the version it expects).
type SchemaVersion struct {
	ID      uint   `gorm:"primaryKey"`
	Version int    `gorm:"not null"`
}

func (SchemaVersion) TableName() string { return "schema_migrations" }

// CurrentSchemaVersion is bumped whenever a models.go change requires
// a fresh migration.
const CurrentSchemaVersion = 1

// AllModels lists every model AutoMigrate must cover, in dependency
// order (referenced-by-nothing first).
func AllModels() []interface{} {
	return []interface{}{
		&Market{},
		&ItemBalance{},
		&Order{},
		&Transaction{},
		&SchemaVersion{},
	}
}
