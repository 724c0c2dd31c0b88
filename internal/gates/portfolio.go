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

// PortfolioGate enforces the account-wide limits, checked in a fixed order:
// max concurrent positions, max correlated positions, max daily trades,
// daily loss hard stop, max portfolio exposure.
type PortfolioGate struct {
	symbols   config.SymbolsConfig
	portfolio config.PortfolioConfig
	repo      *repo.Repository
	logger    *slog.Logger
}

func NewPortfolioGate(symbols config.SymbolsConfig, portfolio config.PortfolioConfig, r *repo.Repository, logger *slog.Logger) *PortfolioGate {
	return &PortfolioGate{
		symbols:   symbols,
		portfolio: portfolio,
		repo:      r,
		logger:    logger.With("component", "gates"),
	}
}

func (g *PortfolioGate) Name() string { return "portfolio" }

func (g *PortfolioGate) Evaluate(ctx context.Context, gc *Context) Decision {
	if len(gc.OpenTrades) >= g.symbols.MaxConcurrentPositions {
		return reject(
			fmt.Sprintf("max concurrent positions (%d) reached", g.symbols.MaxConcurrentPositions),
			map[string]any{"open_positions": len(gc.OpenTrades)},
		)
	}

	// Correlation: positions sharing the candidate's base asset. Stablecoin
	// bases are exempt.
	base := types.BaseAsset(gc.Symbol)
	if g.portfolio.MaxCorrelatedPositions > 0 && !types.IsStablecoin(base) {
		correlated := 0
		for _, tr := range gc.OpenTrades {
			if types.BaseAsset(tr.Symbol) == base {
				correlated++
			}
		}
		if correlated >= g.portfolio.MaxCorrelatedPositions {
			return reject(
				fmt.Sprintf("max correlated positions (%d) for base %s reached", g.portfolio.MaxCorrelatedPositions, base),
				map[string]any{"base_asset": base, "correlated": correlated},
			)
		}
	}

	if g.portfolio.MaxDailyTrades > 0 {
		opened, err := g.repo.TradesOpenedToday(ctx, time.UTC)
		if err != nil {
			g.logger.Error("daily trade count failed", "error", err)
			return reject("daily trade count unavailable", map[string]any{"error": err.Error()})
		}
		if opened >= g.portfolio.MaxDailyTrades {
			return reject(
				fmt.Sprintf("max daily trades (%d) reached", g.portfolio.MaxDailyTrades),
				map[string]any{"opened_today": opened},
			)
		}
	}

	if g.portfolio.MaxDailyLossUSD > 0 {
		pnl, err := g.repo.TodayRealizedPnL(ctx, time.UTC)
		if err != nil {
			g.logger.Error("daily pnl query failed", "error", err)
			return reject("daily pnl unavailable", map[string]any{"error": err.Error()})
		}
		realized, _ := pnl.Float64()
		if realized <= -g.portfolio.MaxDailyLossUSD {
			return reject(
				fmt.Sprintf("daily loss limit %.2f reached", g.portfolio.MaxDailyLossUSD),
				map[string]any{"realized_today_usd": realized},
			)
		}
	}

	if g.portfolio.MaxPortfolioExposurePct > 0 && gc.EquityUSD > 0 {
		var exposure float64
		for _, tr := range gc.OpenTrades {
			notional, _ := tr.NotionalUSD.Float64()
			exposure += notional
		}
		pct := exposure / gc.EquityUSD * 100
		if pct >= g.portfolio.MaxPortfolioExposurePct {
			return reject(
				fmt.Sprintf("portfolio exposure %.1f%% at cap %.1f%%", pct, g.portfolio.MaxPortfolioExposurePct),
				map[string]any{"exposure_pct": pct},
			)
		}
	}

	return allow()
}
