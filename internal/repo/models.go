// Package repo is the persistence layer. All entities are owned here; the
// rest of the system passes value types and receives copies.
//
// Backed by gorm against Postgres (DATABASE_URL) with a SQLite fallback for
// development and tests. Events carry a strictly monotonic seq assigned by
// the database identity column; trades are closed through a CAS so a
// double-close can never corrupt realized PnL.
package repo

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantsail/pkg/types"
)

// JSONMap stores an arbitrary structured payload as a JSON column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported json map source %T", src)
	}
	return json.Unmarshal(data, m)
}

// Trade is one spot position, created OPEN by the executor and mutated
// exactly once to CLOSED.
type Trade struct {
	ID              string            `gorm:"primaryKey;size:36"`
	Symbol          string            `gorm:"size:20;index:idx_trades_symbol_opened,priority:1"`
	Side            types.Side        `gorm:"size:4"`
	Status          types.TradeStatus `gorm:"size:8;index"`
	Mode            types.TradeMode   `gorm:"size:8"`
	EntryPrice      decimal.Decimal   `gorm:"type:decimal(24,8)"`
	Quantity        decimal.Decimal   `gorm:"type:decimal(24,8)"`
	NotionalUSD     decimal.Decimal   `gorm:"type:decimal(24,8)"`
	OpenedAt        time.Time         `gorm:"index:idx_trades_symbol_opened,priority:2,sort:desc"`
	StopLoss        decimal.Decimal   `gorm:"type:decimal(24,8)"` // moves up under trailing
	InitialStop     decimal.Decimal   `gorm:"type:decimal(24,8)"`
	TakeProfit      decimal.Decimal   `gorm:"type:decimal(24,8)"`
	TrailingEnabled bool
	TrailingOffset  decimal.Decimal `gorm:"type:decimal(24,8)"`
	ExitPrice       decimal.Decimal `gorm:"type:decimal(24,8)"`
	ExitReason      types.ExitReason `gorm:"size:16"`
	ClosedAt        *time.Time
	RealizedPnLUSD  decimal.Decimal `gorm:"column:realized_pnl_usd;type:decimal(24,8)"`
	FeesUSD         decimal.Decimal `gorm:"type:decimal(24,8)"`
	SlippageUSD     decimal.Decimal `gorm:"type:decimal(24,8)"`
	Notes           JSONMap         `gorm:"type:text"`
}

// Order is an exchange (or simulated) order owned by its trade.
// Cascade delete: removing a trade removes its orders.
type Order struct {
	ID              string            `gorm:"primaryKey;size:36"`
	TradeID         string            `gorm:"size:36;index"`
	Trade           *Trade            `gorm:"foreignKey:TradeID;constraint:OnDelete:CASCADE"`
	Symbol          string            `gorm:"size:20"`
	Side            types.Side        `gorm:"size:4"`
	OrderType       types.OrderType   `gorm:"size:12"`
	Qty             decimal.Decimal   `gorm:"type:decimal(24,8)"`
	Price           decimal.Decimal   `gorm:"type:decimal(24,8)"`
	FilledQty       decimal.Decimal   `gorm:"type:decimal(24,8)"`
	FilledPrice     decimal.Decimal   `gorm:"type:decimal(24,8)"`
	Status          types.OrderStatus `gorm:"size:10;index"`
	ExchangeOrderID string            `gorm:"size:64;index"`
	IdempotencyKey  string            `gorm:"size:64;uniqueIndex"`
	CreatedAt       time.Time
	FilledAt        *time.Time
}

// Event is an append-only audit row. Seq is the table's identity column:
// strictly increasing across the whole table, gap-tolerant, never reused.
// Events are never updated or deleted.
type Event struct {
	Seq        int64            `gorm:"primaryKey;autoIncrement"`
	ID         string           `gorm:"size:36"`
	Timestamp  time.Time        `gorm:"index"`
	Level      types.EventLevel `gorm:"size:5"`
	Type       string           `gorm:"size:64;index"`
	Symbol     string           `gorm:"size:20;index"`
	TradeID    *string          `gorm:"size:36;index"`
	Trade      *Trade           `gorm:"foreignKey:TradeID;constraint:OnDelete:SET NULL"`
	Payload    JSONMap          `gorm:"type:text"`
	PublicSafe bool             `gorm:"index"`
}

// EquitySnapshot is the per-tick account summary row.
type EquitySnapshot struct {
	ID                  string          `gorm:"primaryKey;size:36"`
	Timestamp           time.Time       `gorm:"index"`
	EquityUSD           decimal.Decimal `gorm:"type:decimal(24,8)"`
	CashUSD             decimal.Decimal `gorm:"type:decimal(24,8)"`
	UnrealizedPnLUSD    decimal.Decimal `gorm:"type:decimal(24,8)"`
	RealizedPnLTodayUSD decimal.Decimal `gorm:"type:decimal(24,8)"`
	OpenPositions       int
	Meta                JSONMap `gorm:"type:text"`
}

// ExchangeKey holds one encrypted API credential pair. At most one row per
// exchange may be active and unrevoked (partial unique index, created in
// Open).
type ExchangeKey struct {
	ID         string `gorm:"primaryKey;size:36"`
	Exchange   string `gorm:"size:32;index"`
	Label      string `gorm:"size:64"`
	Ciphertext []byte
	Nonce      []byte
	KeyVersion int
	IsActive   bool
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// User is an operator account for the private API.
type User struct {
	ID        string     `gorm:"primaryKey;size:36"`
	Email     string     `gorm:"size:255;uniqueIndex"`
	Role      types.Role `gorm:"size:16"`
	TokenHash string     `gorm:"size:64;index"` // sha256 of the bearer token
	CreatedAt time.Time
}

// BotConfigVersion is one immutable engine configuration document. At most
// one version is active.
type BotConfigVersion struct {
	Version     int     `gorm:"primaryKey;autoIncrement:false"`
	Config      JSONMap `gorm:"type:text"`
	ConfigHash  string  `gorm:"size:64"`
	IsActive    bool    `gorm:"index"`
	CreatedBy   string  `gorm:"size:36"`
	CreatedAt   time.Time
	ActivatedAt *time.Time
}
