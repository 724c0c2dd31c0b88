// Package breakers implements the circuit breakers that pause entries when
// market conditions or recent performance turn hostile, plus the daily
// profit lock.
//
// Breakers only ever block NEW entries. Exits always remain allowed so a
// triggered breaker can never strand an open position.
package breakers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quantsail/internal/config"
	"quantsail/internal/control"
	"quantsail/internal/indicators"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// Breaker names as they appear in events and rejection reasons.
const (
	BreakerVolatility = "volatility"
	BreakerSpread     = "spread_slippage"
	BreakerLosses     = "consecutive_losses"
	BreakerNews       = "news"
	BreakerKillSwitch = "kill_switch"
)

// pause is one active breaker trip, keyed by breaker name + symbol.
type pause struct {
	Name        string
	Symbol      string
	Reason      string
	TriggeredAt time.Time
	ExpiresAt   time.Time
}

// Manager evaluates all configured breakers each tick and tracks active
// pauses. The kill switch is the only breaker that never expires on its own.
type Manager struct {
	cfg    config.BreakersConfig
	repo   *repo.Repository
	plane  control.Plane
	logger *slog.Logger
	clock  types.Clock

	mu           sync.Mutex
	active       map[string]pause
	killSwitch   string // reason, "" = not tripped
	killSwitchAt time.Time
}

// NewManager wires the breaker stack.
func NewManager(cfg config.BreakersConfig, r *repo.Repository, plane control.Plane, logger *slog.Logger, clock types.Clock) *Manager {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Manager{
		cfg:    cfg,
		repo:   r,
		plane:  plane,
		logger: logger.With("component", "breakers"),
		clock:  clock,
		active: make(map[string]pause),
	}
}

func pauseKey(name, symbol string) string { return name + ":" + symbol }

// Check runs every breaker against the latest market data for a symbol,
// tripping any that fire. Called once per symbol per tick, before the entry
// pipeline.
func (m *Manager) Check(ctx context.Context, symbol string, candles []types.Candle, book *types.OrderBook) {
	m.sweepExpired(ctx)
	m.checkVolatility(ctx, symbol, candles)
	m.checkSpread(ctx, symbol, book)
	m.checkLosses(ctx, symbol)
}

// checkVolatility fires when the latest bar's high-low range exceeds
// atr_multiple × ATR.
func (m *Manager) checkVolatility(ctx context.Context, symbol string, candles []types.Candle) {
	cfg := m.cfg.Volatility
	if !cfg.Enabled || len(candles) < 15 {
		return
	}
	highs := types.Highs(candles)
	lows := types.Lows(candles)
	closes := types.Closes(candles)
	atr := indicators.Last(indicators.ATR(highs, lows, closes, 14))
	if atr <= 0 {
		return
	}
	last := candles[len(candles)-1]
	barRange, _ := last.High.Sub(last.Low).Float64()
	if barRange > cfg.ATRMultiple*atr {
		m.trip(ctx, BreakerVolatility, symbol,
			fmt.Sprintf("bar range %.4f exceeds %.1fx ATR %.4f", barRange, cfg.ATRMultiple, atr),
			time.Duration(cfg.PauseMinutes)*time.Minute)
	}
}

// checkSpread fires when the top-of-book spread widens past the cap.
func (m *Manager) checkSpread(ctx context.Context, symbol string, book *types.OrderBook) {
	cfg := m.cfg.SpreadSlippage
	if !cfg.Enabled || book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}
	if bps := book.SpreadBps(); bps > cfg.MaxSpreadBps {
		m.trip(ctx, BreakerSpread, symbol,
			fmt.Sprintf("spread %.2f bps exceeds cap %.2f bps", bps, cfg.MaxSpreadBps),
			time.Duration(cfg.PauseMinutes)*time.Minute)
	}
}

// checkLosses walks the symbol's closed trades newest-first and fires after a
// run of max_losses consecutive losers.
func (m *Manager) checkLosses(ctx context.Context, symbol string) {
	cfg := m.cfg.ConsecutiveLosses
	if !cfg.Enabled {
		return
	}
	trades, err := m.repo.RecentClosedTrades(ctx, symbol, cfg.MaxLosses)
	if err != nil {
		m.logger.Error("loss breaker query failed", "symbol", symbol, "error", err)
		return
	}
	streak := 0
	for _, tr := range trades {
		if !tr.RealizedPnLUSD.IsNegative() {
			break
		}
		streak++
	}
	if streak >= cfg.MaxLosses {
		m.trip(ctx, BreakerLosses, symbol,
			fmt.Sprintf("%d consecutive losses", streak),
			time.Duration(cfg.PauseMinutes)*time.Minute)
	}
}

// trip activates a pause unless the same breaker is already active for the
// symbol, and emits breaker.triggered.
func (m *Manager) trip(ctx context.Context, name, symbol, reason string, duration time.Duration) {
	key := pauseKey(name, symbol)
	now := m.clock.Now()

	m.mu.Lock()
	if _, already := m.active[key]; already {
		m.mu.Unlock()
		return
	}
	p := pause{
		Name:        name,
		Symbol:      symbol,
		Reason:      reason,
		TriggeredAt: now,
		ExpiresAt:   now.Add(duration),
	}
	m.active[key] = p
	m.mu.Unlock()

	m.logger.Warn("breaker triggered",
		"breaker", name, "symbol", symbol, "reason", reason, "expires_at", p.ExpiresAt)
	if _, err := m.repo.Emit(ctx, types.EventDraft{
		Level:  types.LevelWarn,
		Type:   "breaker.triggered",
		Symbol: symbol,
		Payload: map[string]any{
			"breaker":      name,
			"reason":       reason,
			"triggered_at": p.TriggeredAt,
			"expires_at":   p.ExpiresAt,
		},
		PublicSafe: true,
	}); err != nil {
		m.logger.Error("emit breaker.triggered failed", "error", err)
	}
}

// sweepExpired drops pauses whose window has lapsed, emitting breaker.expired.
func (m *Manager) sweepExpired(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []pause
	for key, p := range m.active {
		// Entries come back at the first tick at or past the expiry instant.
		if !now.Before(p.ExpiresAt) {
			expired = append(expired, p)
			delete(m.active, key)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		active := now.Sub(p.TriggeredAt)
		m.logger.Info("breaker expired",
			"breaker", p.Name, "symbol", p.Symbol, "active_for", active.String())
		if _, err := m.repo.Emit(ctx, types.EventDraft{
			Level:  types.LevelInfo,
			Type:   "breaker.expired",
			Symbol: p.Symbol,
			Payload: map[string]any{
				"breaker":        p.Name,
				"triggered_at":   p.TriggeredAt,
				"active_seconds": active.Seconds(),
			},
			PublicSafe: true,
		}); err != nil {
			m.logger.Error("emit breaker.expired failed", "error", err)
		}
	}
}

// EntriesAllowed reports whether the breaker stack permits a new entry on
// the symbol, with the blocking breaker's name and reason when it does not.
func (m *Manager) EntriesAllowed(ctx context.Context, symbol string) (bool, string, string) {
	m.sweepExpired(ctx)

	m.mu.Lock()
	if m.killSwitch != "" {
		reason := m.killSwitch
		m.mu.Unlock()
		return false, BreakerKillSwitch, reason
	}
	for _, name := range []string{BreakerVolatility, BreakerSpread, BreakerLosses} {
		if p, ok := m.active[pauseKey(name, symbol)]; ok {
			m.mu.Unlock()
			return false, p.Name, p.Reason
		}
	}
	m.mu.Unlock()

	if m.cfg.News.Enabled {
		if paused, reason := m.plane.NewsPaused(ctx); paused {
			return false, BreakerNews, reason
		}
	}
	return true, "", ""
}

// ExitsAllowed always returns true: breakers never block position management.
func (m *Manager) ExitsAllowed() bool { return true }

// TripKillSwitch blocks all entries until ResetKillSwitch. Operator-only.
func (m *Manager) TripKillSwitch(ctx context.Context, reason string) {
	m.mu.Lock()
	m.killSwitch = reason
	m.killSwitchAt = m.clock.Now()
	m.mu.Unlock()

	m.logger.Warn("kill switch tripped", "reason", reason)
	if _, err := m.repo.Emit(ctx, types.EventDraft{
		Level:      types.LevelError,
		Type:       "emergency.stop",
		Payload:    map[string]any{"reason": reason},
		PublicSafe: true,
	}); err != nil {
		m.logger.Error("emit emergency.stop failed", "error", err)
	}
}

// ResetKillSwitch re-enables entries after an explicit operator reset.
func (m *Manager) ResetKillSwitch(ctx context.Context) {
	m.mu.Lock()
	trippedAt := m.killSwitchAt
	m.killSwitch = ""
	m.killSwitchAt = time.Time{}
	m.mu.Unlock()

	m.logger.Info("kill switch reset")
	payload := map[string]any{"breaker": BreakerKillSwitch}
	if !trippedAt.IsZero() {
		payload["triggered_at"] = trippedAt
		payload["active_seconds"] = m.clock.Now().Sub(trippedAt).Seconds()
	}
	if _, err := m.repo.Emit(ctx, types.EventDraft{
		Level:      types.LevelInfo,
		Type:       "breaker.expired",
		Payload:    payload,
		PublicSafe: true,
	}); err != nil {
		m.logger.Error("emit kill switch reset event failed", "error", err)
	}
}

// ActivePauses returns a snapshot of the currently tripped breakers for the
// status endpoint.
func (m *Manager) ActivePauses() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.active)+1)
	if m.killSwitch != "" {
		out = append(out, map[string]any{"breaker": BreakerKillSwitch, "reason": m.killSwitch})
	}
	for _, p := range m.active {
		out = append(out, map[string]any{
			"breaker":      p.Name,
			"symbol":       p.Symbol,
			"reason":       p.Reason,
			"triggered_at": p.TriggeredAt,
			"expires_at":   p.ExpiresAt,
		})
	}
	return out
}
