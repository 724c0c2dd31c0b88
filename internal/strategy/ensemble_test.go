package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantsail/internal/config"
	"quantsail/pkg/types"
)

// stubStrategy returns a fixed vote; erroring and panicking variants below.
type stubStrategy struct {
	name string
	out  types.StrategyOutput
}

func (s stubStrategy) Name() string { return s.name }
func (s stubStrategy) Evaluate(string, []types.Candle, *types.OrderBook) (types.StrategyOutput, error) {
	return s.out, nil
}

type panicStrategy struct{ name string }

func (p panicStrategy) Name() string { return p.name }
func (p panicStrategy) Evaluate(string, []types.Candle, *types.OrderBook) (types.StrategyOutput, error) {
	panic("index out of range")
}

func vote(name string, action types.SignalAction, conf float64) stubStrategy {
	return stubStrategy{name: name, out: types.StrategyOutput{Name: name, Signal: action, Confidence: conf}}
}

func TestCombineWeightedSingleStrongVoter(t *testing.T) {
	t.Parallel()

	// trend 0.8 with weight 1.0; others abstain with weights 0.5 each.
	// score = 0.8 / 2.5 = 0.32 >= 0.25 → ENTER_LONG.
	e := NewEnsemble(
		vote(NameTrend, types.EnterLong, 0.8),
		vote(NameMeanReversion, types.Hold, 0),
		vote(NameBreakout, types.Hold, 0),
		vote(NameVWAPReversion, types.Hold, 0),
	)
	cfg := config.EnsembleConfig{
		Mode:                "weighted",
		WeightedThreshold:   0.25,
		WeightTrend:         1.0,
		WeightMeanReversion: 0.5,
		WeightBreakout:      0.5,
		WeightVWAPReversion: 0.5,
	}

	sig := e.Evaluate("BTC/USDT", nil, nil, cfg)
	if sig.Action != types.EnterLong {
		t.Fatalf("action = %s, want ENTER_LONG", sig.Action)
	}
	if math.Abs(sig.Confidence-0.32) > 1e-9 {
		t.Errorf("confidence = %v, want 0.32", sig.Confidence)
	}
	if len(sig.Outputs) != 4 {
		t.Errorf("outputs = %d, want 4", len(sig.Outputs))
	}
}

func TestCombineWeightedBelowThreshold(t *testing.T) {
	t.Parallel()

	e := NewEnsemble(
		vote(NameTrend, types.EnterLong, 0.3),
		vote(NameMeanReversion, types.Hold, 0),
	)
	cfg := config.EnsembleConfig{
		Mode:                "weighted",
		WeightedThreshold:   0.5,
		WeightTrend:         1.0,
		WeightMeanReversion: 1.0,
	}
	if sig := e.Evaluate("BTC/USDT", nil, nil, cfg); sig.Action != types.Hold {
		t.Errorf("action = %s, want HOLD (score 0.15 < 0.5)", sig.Action)
	}
}

func TestCombineAgreement(t *testing.T) {
	t.Parallel()

	e := NewEnsemble(
		vote(NameTrend, types.EnterLong, 0.8),
		vote(NameBreakout, types.EnterLong, 0.6),
		vote(NameMeanReversion, types.EnterLong, 0.3), // below confidence threshold, does not count
		vote(NameVWAPReversion, types.Hold, 0),
	)
	cfg := config.EnsembleConfig{Mode: "agreement", MinAgreement: 2, ConfidenceThreshold: 0.5}

	sig := e.Evaluate("ETH/USDT", nil, nil, cfg)
	if sig.Action != types.EnterLong {
		t.Fatalf("action = %s, want ENTER_LONG", sig.Action)
	}
	if math.Abs(sig.Confidence-0.7) > 1e-9 {
		t.Errorf("confidence = %v, want mean of voters 0.7", sig.Confidence)
	}

	cfg.MinAgreement = 3
	if sig := e.Evaluate("ETH/USDT", nil, nil, cfg); sig.Action != types.Hold {
		t.Errorf("action = %s, want HOLD with min_agreement=3", sig.Action)
	}
}

func TestPanickingStrategyBecomesHold(t *testing.T) {
	t.Parallel()

	e := NewEnsemble(panicStrategy{name: NameTrend})
	cfg := config.EnsembleConfig{Mode: "agreement", MinAgreement: 1, ConfidenceThreshold: 0.1}

	sig := e.Evaluate("BTC/USDT", nil, nil, cfg)
	if sig.Action != types.Hold {
		t.Errorf("action = %s, want HOLD", sig.Action)
	}
	if len(sig.Outputs) != 1 || sig.Outputs[0].Signal != types.Hold {
		t.Fatalf("panicking strategy should produce a HOLD output: %+v", sig.Outputs)
	}
	if sig.Outputs[0].Rationale == "" {
		t.Error("panic should be captured in the rationale")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Candle fixtures for the real strategies
// ————————————————————————————————————————————————————————————————————————

func candlesFromCloses(closes []float64, rangePct float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		spread := c * rangePct
		out[i] = types.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     decimal.NewFromFloat(c),
			High:     decimal.NewFromFloat(c + spread),
			Low:      decimal.NewFromFloat(c - spread),
			Close:    decimal.NewFromFloat(c),
			Volume:   decimal.NewFromFloat(100),
		}
	}
	return out
}

func TestTrendFiresInUptrend(t *testing.T) {
	t.Parallel()

	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100 + 2*float64(i)
	}
	candles := candlesFromCloses(closes, 0.001)

	s := NewTrend(config.TrendConfig{EMAFast: 12, EMASlow: 26, ADXPeriod: 14, ADXThreshold: 20})
	out, err := s.Evaluate("BTC/USDT", candles, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signal != types.EnterLong {
		t.Fatalf("signal = %s (%s), want ENTER_LONG", out.Signal, out.Rationale)
	}
	if out.Confidence <= 0 || out.Confidence > 1 {
		t.Errorf("confidence = %v, want (0, 1]", out.Confidence)
	}
}

func TestTrendHoldsInDowntrend(t *testing.T) {
	t.Parallel()

	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 1000 - 2*float64(i)
	}
	s := NewTrend(config.TrendConfig{EMAFast: 12, EMASlow: 26, ADXPeriod: 14, ADXThreshold: 20})
	out, _ := s.Evaluate("BTC/USDT", candlesFromCloses(closes, 0.001), nil)
	if out.Signal != types.Hold {
		t.Errorf("signal = %s, want HOLD in downtrend", out.Signal)
	}
}

func TestMeanReversionFiresOnCapitulation(t *testing.T) {
	t.Parallel()

	// Flat series, then a sharp drop through the lower band.
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
	}
	closes[37], closes[38], closes[39] = 96, 92, 85

	s := NewMeanReversion(config.MeanReversionConfig{BBPeriod: 20, BBStdDev: 2, RSIPeriod: 14, RSIOversold: 30})
	out, err := s.Evaluate("ETH/USDT", candlesFromCloses(closes, 0.001), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signal != types.EnterLong {
		t.Fatalf("signal = %s (%s), want ENTER_LONG", out.Signal, out.Rationale)
	}
	if out.Confidence < 0.5 {
		t.Errorf("confidence = %v, want >= 0.5 floor", out.Confidence)
	}
}

func TestBreakoutFiresAboveChannel(t *testing.T) {
	t.Parallel()

	// Tight 100-102 range then an explosive close well above the channel.
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i%3)
	}
	closes[39] = 115

	s := NewBreakout(config.BreakoutConfig{DonchianPeriod: 20, ATRPeriod: 14, ATRFilter: 0.5})
	out, err := s.Evaluate("SOL/USDT", candlesFromCloses(closes, 0.005), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signal != types.EnterLong {
		t.Fatalf("signal = %s (%s), want ENTER_LONG", out.Signal, out.Rationale)
	}
}

func TestVWAPReversionFiresBelowVWAP(t *testing.T) {
	t.Parallel()

	// Long run at 100 pins VWAP near 100, then a slide to 90 (10% below).
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	for i := 50; i < 60; i++ {
		closes[i] = 100 - float64(i-49)
	}

	s := NewVWAPReversion(config.VWAPReversionConfig{DeviationPct: 2, RSIPeriod: 14, RSIOversold: 35})
	out, err := s.Evaluate("BTC/USDT", candlesFromCloses(closes, 0.001), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signal != types.EnterLong {
		t.Fatalf("signal = %s (%s), want ENTER_LONG", out.Signal, out.Rationale)
	}
}

func TestClassifyRegime(t *testing.T) {
	t.Parallel()

	cfg := config.RegimeConfig{
		ADXPeriod: 14, ATRPeriod: 14,
		ADXTrendThreshold: 25, ATRPctVolatile: 3, ATRPctQuiet: 0.1,
	}

	trending := make([]float64, 100)
	for i := range trending {
		trending[i] = 100 + 2*float64(i)
	}
	if got := ClassifyRegime(candlesFromCloses(trending, 0.002), cfg); got != types.RegimeTrending {
		t.Errorf("uptrend classified as %s, want TRENDING", got)
	}

	flat := make([]float64, 100)
	for i := range flat {
		flat[i] = 100
	}
	if got := ClassifyRegime(candlesFromCloses(flat, 0.0001), cfg); got != types.RegimeQuiet {
		t.Errorf("flat tape classified as %s, want QUIET", got)
	}

	if got := ClassifyRegime(candlesFromCloses(flat[:5], 0.0001), cfg); got != types.RegimeUnknown {
		t.Errorf("short series classified as %s, want UNKNOWN", got)
	}

	choppy := make([]float64, 100)
	for i := range choppy {
		choppy[i] = 100 + 5*math.Sin(float64(i)/3)
	}
	got := ClassifyRegime(candlesFromCloses(choppy, 0.04), cfg)
	if got != types.RegimeVolatile && got != types.RegimeRanging {
		t.Errorf("choppy tape classified as %s, want VOLATILE or RANGING", got)
	}
}
