package strategy

import (
	"fmt"

	"quantsail/internal/config"
	"quantsail/internal/indicators"
	"quantsail/pkg/types"
)

// MeanReversion votes ENTER_LONG when price closes at or below the lower
// Bollinger band while RSI is oversold. Confidence blends RSI depth (60%)
// and band-penetration depth (40%), floored at 0.5 — a triggered setup is
// never a weak vote.
type MeanReversion struct {
	cfg config.MeanReversionConfig
}

func NewMeanReversion(cfg config.MeanReversionConfig) *MeanReversion {
	return &MeanReversion{cfg: cfg}
}

func (m *MeanReversion) Name() string { return NameMeanReversion }

func (m *MeanReversion) Evaluate(symbol string, candles []types.Candle, _ *types.OrderBook) (types.StrategyOutput, error) {
	need := m.cfg.BBPeriod
	if m.cfg.RSIPeriod+1 > need {
		need = m.cfg.RSIPeriod + 1
	}
	if len(candles) < need {
		return hold(NameMeanReversion, fmt.Sprintf("insufficient data: %d candles, need %d", len(candles), need)), nil
	}

	closes := types.Closes(candles)
	upper, _, lower := indicators.Bollinger(closes, m.cfg.BBPeriod, m.cfg.BBStdDev)
	rsi := indicators.Last(indicators.RSI(closes, m.cfg.RSIPeriod))
	last := closes[len(closes)-1]
	lo := indicators.Last(lower)
	hi := indicators.Last(upper)

	if last > lo {
		return hold(NameMeanReversion, fmt.Sprintf("close %.4f above lower band %.4f", last, lo)), nil
	}
	if rsi >= m.cfg.RSIOversold {
		return hold(NameMeanReversion, fmt.Sprintf("rsi %.2f >= oversold %.2f", rsi, m.cfg.RSIOversold)), nil
	}

	rsiDepth := clamp01((m.cfg.RSIOversold - rsi) / m.cfg.RSIOversold)
	bandWidth := hi - lo
	var penetration float64
	if bandWidth > 0 {
		penetration = clamp01((lo - last) / bandWidth)
	}
	conf := 0.6*rsiDepth + 0.4*penetration
	if conf < 0.5 {
		conf = 0.5
	}

	return types.StrategyOutput{
		Name:       NameMeanReversion,
		Signal:     types.EnterLong,
		Confidence: clamp01(conf),
		Rationale:  fmt.Sprintf("close %.4f <= lower band %.4f, rsi %.2f", last, lo, rsi),
	}, nil
}
