package gates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quantsail/internal/config"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// CooldownGate blocks re-entry into a symbol for a quiet period after a
// stop-loss exit.
type CooldownGate struct {
	cfg    config.CooldownConfig
	repo   *repo.Repository
	clock  types.Clock
	logger *slog.Logger
}

func NewCooldownGate(cfg config.CooldownConfig, r *repo.Repository, clock types.Clock, logger *slog.Logger) *CooldownGate {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &CooldownGate{cfg: cfg, repo: r, clock: clock, logger: logger.With("component", "gates")}
}

func (g *CooldownGate) Name() string { return "cooldown" }

func (g *CooldownGate) Evaluate(ctx context.Context, gc *Context) Decision {
	if !g.cfg.Enabled {
		return allow()
	}
	recent, err := g.repo.RecentClosedTrades(ctx, gc.Symbol, 1)
	if err != nil {
		g.logger.Error("cooldown lookup failed", "symbol", gc.Symbol, "error", err)
		return reject("recent trade history unavailable", map[string]any{"error": err.Error()})
	}
	if len(recent) == 0 || recent[0].ExitReason != types.ExitStopLoss || recent[0].ClosedAt == nil {
		return allow()
	}
	window := time.Duration(g.cfg.CooldownMinutes) * time.Minute
	until := recent[0].ClosedAt.Add(window)
	if g.clock.Now().Before(until) {
		return reject(
			fmt.Sprintf("stop_loss_cooldown_active until %s", until.Format(time.RFC3339)),
			map[string]any{"cooldown_until": until, "last_stop_loss_at": recent[0].ClosedAt},
		)
	}
	return allow()
}

// DailySymbolGate blocks a symbol for the rest of the UTC day after N
// consecutive losing trades on it.
type DailySymbolGate struct {
	cfg    config.DailySymbolLimitConfig
	repo   *repo.Repository
	logger *slog.Logger
}

func NewDailySymbolGate(cfg config.DailySymbolLimitConfig, r *repo.Repository, logger *slog.Logger) *DailySymbolGate {
	return &DailySymbolGate{cfg: cfg, repo: r, logger: logger.With("component", "gates")}
}

func (g *DailySymbolGate) Name() string { return "daily_symbol_limit" }

func (g *DailySymbolGate) Evaluate(ctx context.Context, gc *Context) Decision {
	if !g.cfg.Enabled {
		return allow()
	}
	closed, err := g.repo.ClosedTradesToday(ctx, gc.Symbol, time.UTC)
	if err != nil {
		g.logger.Error("daily symbol lookup failed", "symbol", gc.Symbol, "error", err)
		return reject("daily trade history unavailable", map[string]any{"error": err.Error()})
	}
	// Walk backwards from the most recent close: the streak resets on any
	// non-losing trade.
	streak := 0
	for i := len(closed) - 1; i >= 0; i-- {
		if !closed[i].RealizedPnLUSD.IsNegative() {
			break
		}
		streak++
	}
	if streak >= g.cfg.MaxConsecutiveLosses {
		return reject(
			fmt.Sprintf("%d consecutive losses today, symbol blocked until next UTC day", streak),
			map[string]any{"consecutive_losses": streak},
		)
	}
	return allow()
}
