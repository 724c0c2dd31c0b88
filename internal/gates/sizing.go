package gates

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantsail/internal/config"
	"quantsail/internal/indicators"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// StreakSizerGate never rejects; it shrinks the size multiplier while the
// symbol is on a losing streak.
type StreakSizerGate struct {
	cfg    config.StreakSizerConfig
	repo   *repo.Repository
	logger *slog.Logger
}

func NewStreakSizerGate(cfg config.StreakSizerConfig, r *repo.Repository, logger *slog.Logger) *StreakSizerGate {
	return &StreakSizerGate{cfg: cfg, repo: r, logger: logger.With("component", "gates")}
}

func (g *StreakSizerGate) Name() string { return "streak_sizer" }

func (g *StreakSizerGate) Evaluate(ctx context.Context, gc *Context) Decision {
	if !g.cfg.Enabled {
		return allow()
	}
	recent, err := g.repo.RecentClosedTrades(ctx, gc.Symbol, g.cfg.MinConsecutiveLosses)
	if err != nil {
		g.logger.Error("streak lookup failed", "symbol", gc.Symbol, "error", err)
		return allow() // sizing reduction is best-effort, never blocks
	}
	streak := 0
	for _, tr := range recent {
		if !tr.RealizedPnLUSD.IsNegative() {
			break
		}
		streak++
	}
	if streak >= g.cfg.MinConsecutiveLosses {
		gc.SizeMultiplier *= g.cfg.ReductionFactor
		g.logger.Info("losing streak, reducing size",
			"symbol", gc.Symbol, "streak", streak, "multiplier", gc.SizeMultiplier)
	}
	return allow()
}

// PositionSizerGate prices the full trade plan: entry, stop, take-profit,
// quantity, and cost estimates. Rejects when the sized quantity collapses to
// zero or the plan violates its own invariants.
type PositionSizerGate struct {
	sizing config.PositionSizingConfig
	stop   config.StopLossConfig
	take   config.TakeProfitConfig
	exec   config.ExecutionConfig
	clock  types.Clock
}

func NewPositionSizerGate(sizing config.PositionSizingConfig, stop config.StopLossConfig, take config.TakeProfitConfig, exec config.ExecutionConfig, clock types.Clock) *PositionSizerGate {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &PositionSizerGate{sizing: sizing, stop: stop, take: take, exec: exec, clock: clock}
}

func (g *PositionSizerGate) Name() string { return "position_sizer" }

func (g *PositionSizerGate) Evaluate(_ context.Context, gc *Context) Decision {
	entry := lastPrice(gc)
	if !entry.IsPositive() {
		return reject("no reference price available", nil)
	}
	entryF, _ := entry.Float64()

	stopPrice := g.stopPrice(entryF, gc.Candles)
	if stopPrice <= 0 || stopPrice >= entryF {
		return reject(
			fmt.Sprintf("stop %.8f not below entry %.8f", stopPrice, entryF),
			map[string]any{"entry": entryF, "stop": stopPrice},
		)
	}
	takePrice := g.takePrice(entryF, stopPrice)

	qty := g.quantity(entryF, stopPrice, gc.EquityUSD) * gc.SizeMultiplier

	// Cap the notional at max_position_pct of equity.
	if g.sizing.MaxPositionPct > 0 && gc.EquityUSD > 0 {
		maxNotional := gc.EquityUSD * g.sizing.MaxPositionPct / 100
		if qty*entryF > maxNotional {
			qty = maxNotional / entryF
		}
	}
	if qty <= 0 {
		return reject("position size is zero", map[string]any{
			"method": g.sizing.Method, "equity_usd": gc.EquityUSD,
		})
	}

	quantity := decimal.NewFromFloat(qty)
	notional := entry.Mul(quantity)

	// Round-trip taker fees plus half-spread entry cost. Expected slippage
	// is folded into the round-trip fee estimate, so the plan's SlippageUSD
	// stays zero at proposal time; the live executor records the realized
	// slippage on the trade from its actual fill price.
	fee := notional.Mul(decimal.NewFromFloat(g.exec.TakerFeeBps / 10000 * 2))
	spreadCost := decimal.Zero
	if gc.Book != nil && len(gc.Book.Bids) > 0 && len(gc.Book.Asks) > 0 {
		spreadCost = gc.Book.Spread().Div(decimal.NewFromInt(2)).Mul(quantity)
	}

	plan := &types.TradePlan{
		TradeID:       uuid.NewString(),
		Symbol:        gc.Symbol,
		Side:          types.BUY,
		EntryPrice:    entry,
		Quantity:      quantity,
		StopLoss:      decimal.NewFromFloat(stopPrice),
		TakeProfit:    decimal.NewFromFloat(takePrice),
		FeeUSD:        fee,
		SpreadCostUSD: spreadCost,
		ProposedAt:    g.clock.Now(),
	}
	if err := plan.Validate(); err != nil {
		return reject(err.Error(), nil)
	}
	gc.Plan = plan
	return allow()
}

// stopPrice places the initial stop. ATR mode falls back to 2×ATR when the
// configured multiplier is zero, and to fixed_pct when there is no ATR.
func (g *PositionSizerGate) stopPrice(entry float64, candles []types.Candle) float64 {
	switch g.stop.Method {
	case "atr":
		period := g.stop.ATRPeriod
		if period == 0 {
			period = 14
		}
		mult := g.stop.ATRMultiplier
		if mult == 0 {
			mult = 2
		}
		if len(candles) > period {
			atr := indicators.Last(indicators.ATR(
				types.Highs(candles), types.Lows(candles), types.Closes(candles), period))
			if atr > 0 {
				return entry - mult*atr
			}
		}
		fallthrough
	default:
		return entry * (1 - g.stop.FixedPct/100)
	}
}

// takePrice places the take-profit either at a fixed percent or at a
// risk-reward multiple of the stop distance.
func (g *PositionSizerGate) takePrice(entry, stop float64) float64 {
	if g.take.Method == "risk_reward" && g.take.RiskRewardRatio > 0 {
		return entry + g.take.RiskRewardRatio*(entry-stop)
	}
	return entry * (1 + g.take.FixedPct/100)
}

// quantity sizes the position before the multiplier and notional cap.
func (g *PositionSizerGate) quantity(entry, stop, equity float64) float64 {
	switch g.sizing.Method {
	case "fixed":
		return g.sizing.FixedQuantity
	case "kelly":
		// Fractional Kelly over the risk budget: conservative stand-in until
		// per-strategy win-rate tracking lands.
		riskUSD := equity * g.sizing.RiskPct / 100 * g.sizing.KellyFraction
		if dist := entry - stop; dist > 0 {
			return riskUSD / dist
		}
		return 0
	default: // risk_pct
		riskUSD := equity * g.sizing.RiskPct / 100
		if dist := entry - stop; dist > 0 {
			return riskUSD / dist
		}
		return 0
	}
}

// ProfitabilityGate rejects plans whose net expected value, after fees,
// slippage, and spread cost, does not clear the configured floor. The floor
// is inclusive: net expected exactly at min_profit_usd passes.
type ProfitabilityGate struct {
	cfg config.ExecutionConfig
}

func NewProfitabilityGate(cfg config.ExecutionConfig) *ProfitabilityGate {
	return &ProfitabilityGate{cfg: cfg}
}

func (g *ProfitabilityGate) Name() string { return "profitability" }

func (g *ProfitabilityGate) Evaluate(_ context.Context, gc *Context) Decision {
	if gc.Plan == nil {
		return reject("no plan to evaluate", nil)
	}
	net := gc.Plan.NetExpectedUSD()
	floor := decimal.NewFromFloat(g.cfg.MinProfitUSD)
	if net.LessThan(floor) {
		netF, _ := net.Float64()
		return reject(
			fmt.Sprintf("net expected %.4f below min profit %.4f", netF, g.cfg.MinProfitUSD),
			map[string]any{"net_expected_usd": netF, "min_profit_usd": g.cfg.MinProfitUSD},
		)
	}
	return allow()
}
