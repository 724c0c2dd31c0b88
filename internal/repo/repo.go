package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quantsail/pkg/types"
)

// ErrAlreadyClosed is returned by CloseTrade when the CAS on status finds the
// trade no longer OPEN.
var ErrAlreadyClosed = errors.New("trade already closed")

// ErrNotFound wraps gorm's record-not-found for callers that branch on it.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrKeyRevoked is returned when revoking an exchange key that is already
// revoked.
var ErrKeyRevoked = errors.New("exchange key already revoked")

// Repository is the single owner of all persisted entities.
type Repository struct {
	db    *gorm.DB
	clock types.Clock
}

// Open connects to Postgres when url looks like a connection string, or to a
// SQLite file (":memory:" included) otherwise, runs migrations, and creates
// the indexes gorm tags cannot express.
func Open(url string, clock types.Clock) (*Repository, error) {
	var db *gorm.DB
	var err error

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err = gorm.Open(postgres.Open(url), gcfg)
	} else {
		db, err = gorm.Open(sqlite.Open(url), gcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Trade{}, &Order{}, &Event{}, &EquitySnapshot{},
		&ExchangeKey{}, &User{}, &BotConfigVersion{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// One active, unrevoked key per exchange. Partial indexes are supported
	// by both Postgres and SQLite but not by gorm tags.
	if err := db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_exchange_keys_one_active " +
			"ON exchange_keys(exchange) WHERE is_active AND revoked_at IS NULL",
	).Error; err != nil {
		return nil, fmt.Errorf("create active-key index: %w", err)
	}

	if clock == nil {
		clock = types.RealClock{}
	}
	return &Repository{db: db, clock: clock}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// Emit appends one event row. Seq is assigned by the database on insert.
func (r *Repository) Emit(ctx context.Context, draft types.EventDraft) (*Event, error) {
	ev := Event{
		ID:         uuid.NewString(),
		Timestamp:  r.clock.Now(),
		Level:      draft.Level,
		Type:       draft.Type,
		Symbol:     draft.Symbol,
		Payload:    JSONMap(draft.Payload),
		PublicSafe: draft.PublicSafe,
	}
	if draft.TradeID != "" {
		id := draft.TradeID
		ev.TradeID = &id
	}
	if err := r.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("append event %s: %w", draft.Type, err)
	}
	return &ev, nil
}

// EventFilter narrows QueryEvents. Zero values mean no filtering.
type EventFilter struct {
	Symbol     string
	Type       string
	Level      types.EventLevel
	PublicOnly bool
}

// QueryEvents returns events with seq > cursor in ascending seq order,
// bounded by limit.
func (r *Repository) QueryEvents(ctx context.Context, cursor int64, limit int, filter EventFilter) ([]Event, error) {
	q := r.db.WithContext(ctx).Where("seq > ?", cursor).Order("seq asc").Limit(limit)
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Level != "" {
		q = q.Where("level = ?", filter.Level)
	}
	if filter.PublicOnly {
		q = q.Where("public_safe = ?", true)
	}
	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("query events after %d: %w", cursor, err)
	}
	return events, nil
}

// LatestSeq returns the highest assigned seq, or 0 for an empty log.
func (r *Repository) LatestSeq(ctx context.Context) (int64, error) {
	var seq *int64
	if err := r.db.WithContext(ctx).Model(&Event{}).Select("MAX(seq)").Scan(&seq).Error; err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades and orders
// ————————————————————————————————————————————————————————————————————————

// CreateTradeWithOrders persists a new trade and its orders in one
// transaction.
func (r *Repository) CreateTradeWithOrders(ctx context.Context, trade *Trade, orders []Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("create trade %s: %w", trade.ID, err)
		}
		for i := range orders {
			if err := tx.Create(&orders[i]).Error; err != nil {
				return fmt.Errorf("create order %s: %w", orders[i].ID, err)
			}
		}
		return nil
	})
}

// GetTrade fetches one trade by id.
func (r *Repository) GetTrade(ctx context.Context, id string) (*Trade, error) {
	var trade Trade
	if err := r.db.WithContext(ctx).First(&trade, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &trade, nil
}

// OpenTrades returns all OPEN trades, oldest first. Used on startup to
// rebuild per-symbol state and by the reconciler.
func (r *Repository) OpenTrades(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	err := r.db.WithContext(ctx).
		Where("status = ?", types.TradeOpen).
		Order("opened_at asc").
		Find(&trades).Error
	return trades, err
}

// ListTrades returns the most recent trades, newest first, optionally
// filtered by status.
func (r *Repository) ListTrades(ctx context.Context, status types.TradeStatus, limit int) ([]Trade, error) {
	q := r.db.WithContext(ctx).Order("opened_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var trades []Trade
	return trades, q.Find(&trades).Error
}

// RecentClosedTrades returns a symbol's closed trades newest-first. The
// consecutive-loss breaker and the daily symbol limit walk this list.
func (r *Repository) RecentClosedTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", types.TradeClosed).
		Order("closed_at desc").
		Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var trades []Trade
	return trades, q.Find(&trades).Error
}

// CloseTrade marks a trade CLOSED with its exit fields. The WHERE clause on
// status is the CAS: if another writer closed it first, no row matches and
// ErrAlreadyClosed is returned.
func (r *Repository) CloseTrade(ctx context.Context, id string, exitPrice, pnl decimal.Decimal, reason types.ExitReason, closedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ? AND status = ?", id, types.TradeOpen).
		Updates(map[string]any{
			"status":           types.TradeClosed,
			"exit_price":       exitPrice,
			"realized_pnl_usd": pnl,
			"exit_reason":      reason,
			"closed_at":        closedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("close trade %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

// UpdateTradeStop persists a new trailing stop level for an open trade and
// marks trailing as engaged.
func (r *Repository) UpdateTradeStop(ctx context.Context, id string, stop decimal.Decimal) error {
	return r.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ? AND status = ?", id, types.TradeOpen).
		Updates(map[string]any{"stop_loss": stop, "trailing_enabled": true}).Error
}

// OrdersForTrade returns a trade's orders in creation order.
func (r *Repository) OrdersForTrade(ctx context.Context, tradeID string) ([]Order, error) {
	var orders []Order
	err := r.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("created_at asc").
		Find(&orders).Error
	return orders, err
}

// SetOrderStatus transitions an order, recording fill details when it fills.
func (r *Repository) SetOrderStatus(ctx context.Context, orderID string, status types.OrderStatus, filledPrice decimal.Decimal, filledAt *time.Time) error {
	updates := map[string]any{"status": status}
	if status == types.OrderFilled {
		updates["filled_price"] = filledPrice
		updates["filled_at"] = filledAt
	}
	return r.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Updates(updates).Error
}

// ————————————————————————————————————————————————————————————————————————
// Daily aggregates
// ————————————————————————————————————————————————————————————————————————

// dayBounds returns [start, end) of the current day in loc.
func (r *Repository) dayBounds(loc *time.Location) (time.Time, time.Time) {
	now := r.clock.Now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour)
}

// TotalRealizedPnL sums realized PnL across all closed trades. Feeds the
// equity calculation.
func (r *Repository) TotalRealizedPnL(ctx context.Context) (decimal.Decimal, error) {
	var result struct{ Total decimal.Decimal }
	err := r.db.WithContext(ctx).Model(&Trade{}).
		Select("COALESCE(SUM(realized_pnl_usd), 0) as total").
		Where("status = ?", types.TradeClosed).
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("total realized pnl: %w", err)
	}
	return result.Total, nil
}

// TodayRealizedPnL sums realized PnL of trades closed today in loc.
func (r *Repository) TodayRealizedPnL(ctx context.Context, loc *time.Location) (decimal.Decimal, error) {
	start, end := r.dayBounds(loc)
	var result struct{ Total decimal.Decimal }
	err := r.db.WithContext(ctx).Model(&Trade{}).
		Select("COALESCE(SUM(realized_pnl_usd), 0) as total").
		Where("status = ? AND closed_at >= ? AND closed_at < ?", types.TradeClosed, start, end).
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("today realized pnl: %w", err)
	}
	return result.Total, nil
}

// ClosedTradesToday returns today's closed trades for a symbol ("" = all),
// oldest first. The daily lock replays these on startup to rebuild its peak.
func (r *Repository) ClosedTradesToday(ctx context.Context, symbol string, loc *time.Location) ([]Trade, error) {
	start, end := r.dayBounds(loc)
	q := r.db.WithContext(ctx).
		Where("status = ? AND closed_at >= ? AND closed_at < ?", types.TradeClosed, start, end).
		Order("closed_at asc")
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var trades []Trade
	return trades, q.Find(&trades).Error
}

// TradesOpenedToday counts trades opened today in loc (any status).
func (r *Repository) TradesOpenedToday(ctx context.Context, loc *time.Location) (int, error) {
	start, end := r.dayBounds(loc)
	var count int64
	err := r.db.WithContext(ctx).Model(&Trade{}).
		Where("opened_at >= ? AND opened_at < ?", start, end).
		Count(&count).Error
	return int(count), err
}

// ————————————————————————————————————————————————————————————————————————
// Equity snapshots
// ————————————————————————————————————————————————————————————————————————

// SaveEquitySnapshot persists one account summary row.
func (r *Repository) SaveEquitySnapshot(ctx context.Context, snap *EquitySnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Create(snap).Error
}

// LatestEquitySnapshot returns the newest snapshot, or ErrNotFound.
func (r *Repository) LatestEquitySnapshot(ctx context.Context) (*EquitySnapshot, error) {
	var snap EquitySnapshot
	if err := r.db.WithContext(ctx).Order("timestamp desc").First(&snap).Error; err != nil {
		return nil, err
	}
	return &snap, nil
}

// ————————————————————————————————————————————————————————————————————————
// Exchange keys
// ————————————————————————————————————————————————————————————————————————

// SaveExchangeKey inserts a new encrypted credential row.
func (r *Repository) SaveExchangeKey(ctx context.Context, key *ExchangeKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.CreatedAt = r.clock.Now()
	return r.db.WithContext(ctx).Create(key).Error
}

// ActiveExchangeKey returns the single active, unrevoked key for an exchange.
func (r *Repository) ActiveExchangeKey(ctx context.Context, exchange string) (*ExchangeKey, error) {
	var key ExchangeKey
	err := r.db.WithContext(ctx).
		Where("exchange = ? AND is_active = ? AND revoked_at IS NULL", exchange, true).
		First(&key).Error
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// RevokeExchangeKey deactivates a key and stamps revoked_at. Revoking twice
// returns ErrKeyRevoked.
func (r *Repository) RevokeExchangeKey(ctx context.Context, id string) error {
	var key ExchangeKey
	if err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error; err != nil {
		return err
	}
	if key.RevokedAt != nil {
		return ErrKeyRevoked
	}
	now := r.clock.Now()
	return r.db.WithContext(ctx).Model(&ExchangeKey{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_active": false, "revoked_at": now}).Error
}

// ————————————————————————————————————————————————————————————————————————
// Users
// ————————————————————————————————————————————————————————————————————————

// CreateUser inserts a new operator account.
func (r *Repository) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = r.clock.Now()
	return r.db.WithContext(ctx).Create(user).Error
}

// UserByTokenHash resolves the bearer-token hash to an account.
func (r *Repository) UserByTokenHash(ctx context.Context, hash string) (*User, error) {
	var user User
	if err := r.db.WithContext(ctx).First(&user, "token_hash = ?", hash).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// ————————————————————————————————————————————————————————————————————————
// Bot config versions
// ————————————————————————————————————————————————————————————————————————

// SaveConfigVersion inserts a new immutable config document.
func (r *Repository) SaveConfigVersion(ctx context.Context, v *BotConfigVersion) error {
	v.CreatedAt = r.clock.Now()
	return r.db.WithContext(ctx).Create(v).Error
}

// ActivateConfigVersion marks one version active and all others inactive.
func (r *Repository) ActivateConfigVersion(ctx context.Context, version int) error {
	now := r.clock.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&BotConfigVersion{}).Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		res := tx.Model(&BotConfigVersion{}).Where("version = ?", version).
			Updates(map[string]any{"is_active": true, "activated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("config version %d: %w", version, ErrNotFound)
		}
		return nil
	})
}

// ActiveConfigVersion returns the active config document, or ErrNotFound.
func (r *Repository) ActiveConfigVersion(ctx context.Context) (*BotConfigVersion, error) {
	var v BotConfigVersion
	if err := r.db.WithContext(ctx).First(&v, "is_active = ?", true).Error; err != nil {
		return nil, err
	}
	return &v, nil
}
