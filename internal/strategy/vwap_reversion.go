package strategy

import (
	"fmt"

	"quantsail/internal/config"
	"quantsail/internal/indicators"
	"quantsail/pkg/types"
)

// VWAPReversion votes ENTER_LONG when price trades below session VWAP by at
// least the configured deviation while RSI is oversold. With OBV confirmation
// enabled, the smoothed on-balance volume must also be rising — selling into
// falling volume is the setup, capitulation on rising volume is not.
type VWAPReversion struct {
	cfg config.VWAPReversionConfig
}

func NewVWAPReversion(cfg config.VWAPReversionConfig) *VWAPReversion {
	return &VWAPReversion{cfg: cfg}
}

func (v *VWAPReversion) Name() string { return NameVWAPReversion }

func (v *VWAPReversion) Evaluate(symbol string, candles []types.Candle, _ *types.OrderBook) (types.StrategyOutput, error) {
	need := v.cfg.RSIPeriod + 1
	if len(candles) < need {
		return hold(NameVWAPReversion, fmt.Sprintf("insufficient data: %d candles, need %d", len(candles), need)), nil
	}

	highs := types.Highs(candles)
	lows := types.Lows(candles)
	closes := types.Closes(candles)
	volumes := types.Volumes(candles)

	vwap := indicators.Last(indicators.VWAP(highs, lows, closes, volumes))
	if vwap <= 0 {
		return hold(NameVWAPReversion, "vwap unavailable"), nil
	}
	last := closes[len(closes)-1]
	devPct := (vwap - last) / vwap * 100

	if devPct < v.cfg.DeviationPct {
		return hold(NameVWAPReversion, fmt.Sprintf("deviation %.2f%% below threshold %.2f%%", devPct, v.cfg.DeviationPct)), nil
	}

	rsi := indicators.Last(indicators.RSI(closes, v.cfg.RSIPeriod))
	if rsi >= v.cfg.RSIOversold {
		return hold(NameVWAPReversion, fmt.Sprintf("rsi %.2f >= oversold %.2f", rsi, v.cfg.RSIOversold)), nil
	}

	if v.cfg.OBVConfirmation {
		smoothing := v.cfg.OBVSmoothing
		if smoothing <= 0 {
			smoothing = 5
		}
		obv := indicators.EMA(indicators.OBV(closes, volumes), smoothing)
		if len(obv) < 2 || obv[len(obv)-1] <= obv[len(obv)-2] {
			return hold(NameVWAPReversion, "smoothed obv not rising"), nil
		}
	}

	conf := clamp01(0.5 + 0.5*(devPct-v.cfg.DeviationPct)/v.cfg.DeviationPct)
	return types.StrategyOutput{
		Name:       NameVWAPReversion,
		Signal:     types.EnterLong,
		Confidence: conf,
		Rationale:  fmt.Sprintf("price %.4f is %.2f%% below vwap %.4f, rsi %.2f", last, devPct, vwap, rsi),
	}, nil
}
