// Package engine is the central orchestrator of the trading bot.
//
// It runs a fixed-interval tick loop over the configured symbols. Each tick,
// per symbol: fetch market data, run the circuit breakers, manage any open
// position (trailing stop, then exits), and — when the control plane, the
// breakers, and the daily lock all permit — run the signal ensemble and the
// entry gate stack, handing approved plans to the executor.
//
// Exits are evaluated before entries and remain allowed in every control
// state except STOPPED. Every symbol runs inside its own error boundary, so
// a panic or venue failure on one symbol never takes the tick down.
//
// Lifecycle: New() → Run(ctx) → [runs until ctx cancel or MaxTicks].
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/shopspring/decimal"

	"quantsail/internal/breakers"
	"quantsail/internal/config"
	"quantsail/internal/control"
	"quantsail/internal/exchange"
	"quantsail/internal/execution"
	"quantsail/internal/gates"
	"quantsail/internal/repo"
	"quantsail/internal/strategy"
	"quantsail/pkg/types"
)

// Engine owns the tick loop and the per-symbol state machines.
type Engine struct {
	cfg      *config.Config
	repo     *repo.Repository
	plane    control.Plane
	client   exchange.Client
	executor execution.Executor
	breakers *breakers.Manager
	daily    *breakers.DailyLock
	ensemble *strategy.Ensemble
	regime   gates.Gate
	stack    *gates.Stack
	logger   *slog.Logger
	clock    types.Clock

	fsms  map[string]*symbolFSM
	marks map[string]decimal.Decimal // latest mark per symbol, this tick
}

// New wires the engine's subsystems from config.
func New(cfg *config.Config, r *repo.Repository, plane control.Plane, client exchange.Client, executor execution.Executor, logger *slog.Logger, clock types.Clock) (*Engine, error) {
	if clock == nil {
		clock = types.RealClock{}
	}

	daily, err := breakers.NewDailyLock(cfg.Daily, r, logger, clock)
	if err != nil {
		return nil, err
	}

	ensemble := strategy.NewEnsemble(
		strategy.NewTrend(cfg.Strategies.Trend),
		strategy.NewMeanReversion(cfg.Strategies.MeanReversion),
		strategy.NewBreakout(cfg.Strategies.Breakout),
		strategy.NewVWAPReversion(cfg.Strategies.VWAPReversion),
	)

	// The regime filter runs before the ensemble, so it lives outside the
	// post-signal gate stack.
	regime := gates.NewRegimeGate(cfg)
	stack := gates.NewStack(
		gates.NewPortfolioGate(cfg.Symbols, cfg.Portfolio, r, logger),
		gates.NewCooldownGate(cfg.Cooldown, r, clock, logger),
		gates.NewDailySymbolGate(cfg.DailySymbol, r, logger),
		gates.NewStreakSizerGate(cfg.StreakSizer, r, logger),
		gates.NewPositionSizerGate(cfg.PositionSizing, cfg.StopLoss, cfg.TakeProfit, cfg.Execution, clock),
		gates.NewProfitabilityGate(cfg.Execution),
	)

	fsms := make(map[string]*symbolFSM, len(cfg.Symbols.Enabled))
	for _, symbol := range cfg.Symbols.Enabled {
		fsms[symbol] = newSymbolFSM(symbol)
	}

	return &Engine{
		cfg:      cfg,
		repo:     r,
		plane:    plane,
		client:   client,
		executor: executor,
		breakers: breakers.NewManager(cfg.Breakers, r, plane, logger, clock),
		daily:    daily,
		ensemble: ensemble,
		regime:   regime,
		stack:    stack,
		logger:   logger.With("component", "engine"),
		clock:    clock,
		fsms:     fsms,
		marks:    make(map[string]decimal.Decimal),
	}, nil
}

// Breakers exposes the breaker manager for the API's kill switch and status
// endpoints.
func (e *Engine) Breakers() *breakers.Manager { return e.breakers }

// DailyLock exposes the daily lock for the status endpoint.
func (e *Engine) DailyLock() *breakers.DailyLock { return e.daily }

// Run restores state, reconciles with the venue in live mode, and ticks
// until the context is cancelled or MaxTicks is reached.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restoreState(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if err := e.daily.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild daily lock: %w", err)
	}
	if e.executor.Mode() == types.ModeLive {
		rec := execution.NewReconciler(e.repo, e.client, e.logger)
		if err := rec.Run(ctx); err != nil {
			return fmt.Errorf("startup reconcile: %w", err)
		}
	}

	e.logger.Info("engine started",
		"mode", e.executor.Mode(),
		"symbols", e.cfg.Symbols.Enabled,
		"tick_interval", e.cfg.Engine.TickInterval)
	if _, err := e.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "engine.started",
		Payload:    map[string]any{"mode": string(e.executor.Mode())},
		PublicSafe: true,
	}); err != nil {
		e.logger.Error("emit engine.started failed", "error", err)
	}

	ticker := time.NewTicker(e.cfg.Engine.TickInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-ticker.C:
			e.tick(ctx)
			ticks++
			if e.cfg.Engine.MaxTicks > 0 && ticks >= e.cfg.Engine.MaxTicks {
				e.logger.Info("max ticks reached, stopping", "ticks", ticks)
				e.shutdown()
				return nil
			}
		}
	}
}

func (e *Engine) shutdown() {
	e.logger.Info("engine stopped")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "engine.stopped", PublicSafe: true,
	}); err != nil {
		e.logger.Error("emit engine.stopped failed", "error", err)
	}
}

// restoreState rebuilds the per-symbol state machines from open trades, so a
// restart resumes managing positions instead of forgetting them.
func (e *Engine) restoreState(ctx context.Context) error {
	open, err := e.repo.OpenTrades(ctx)
	if err != nil {
		return err
	}
	for _, tr := range open {
		fsm, ok := e.fsms[tr.Symbol]
		if !ok {
			// Symbol was removed from config while a position is open; keep
			// managing it anyway.
			e.logger.Warn("open trade on unconfigured symbol", "symbol", tr.Symbol, "trade_id", tr.ID)
			fsm = newSymbolFSM(tr.Symbol)
			e.fsms[tr.Symbol] = fsm
		}
		if err := fsm.transition(types.SymbolInPosition); err != nil {
			return err
		}
		fsm.tradeID = tr.ID
		e.logger.Info("restored open position", "symbol", tr.Symbol, "trade_id", tr.ID)
	}
	return nil
}

// tick runs one full pass over all symbols.
func (e *Engine) tick(ctx context.Context) {
	now := e.clock.Now()
	e.plane.Heartbeat(ctx, now)

	for _, symbol := range e.symbolOrder() {
		// Graceful shutdown between symbols, never mid-symbol.
		if ctx.Err() != nil {
			return
		}
		e.tickSymbol(ctx, symbol)
	}

	e.recordEquity(ctx)
}

// symbolOrder is the configured universe plus any restored off-config
// symbols still carrying positions.
func (e *Engine) symbolOrder() []string {
	order := make([]string, 0, len(e.fsms))
	order = append(order, e.cfg.Symbols.Enabled...)
	for symbol := range e.fsms {
		extra := true
		for _, s := range e.cfg.Symbols.Enabled {
			if s == symbol {
				extra = false
				break
			}
		}
		if extra {
			order = append(order, symbol)
		}
	}
	return order
}

// tickSymbol processes one symbol inside an error boundary: a panic is
// logged, reported to the event log, and contained.
func (e *Engine) tickSymbol(ctx context.Context, symbol string) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("tick panic", "symbol", symbol, "panic", rec, "stack", string(debug.Stack()))
			if _, err := e.repo.Emit(ctx, types.EventDraft{
				Level: types.LevelError, Type: "error.tick", Symbol: symbol,
				Payload: map[string]any{"panic": fmt.Sprint(rec)},
			}); err != nil {
				e.logger.Error("emit error.tick failed", "error", err)
			}
			e.fsms[symbol].reset()
		}
	}()

	candles, err := e.client.Candles(ctx, symbol, e.cfg.Engine.CandleInterval, e.cfg.Engine.CandleLimit)
	if err != nil {
		e.tickError(ctx, symbol, "candles", err)
		return
	}
	book, err := e.client.OrderBook(ctx, symbol, e.cfg.Engine.OrderbookDepth)
	if err != nil {
		// The book is advisory for signals; candles alone still allow exits.
		e.logger.Warn("orderbook fetch failed", "symbol", symbol, "error", err)
		book = nil
	}

	mark := markPrice(candles, book)
	if mark.IsPositive() {
		e.marks[symbol] = mark
	}

	e.breakers.Check(ctx, symbol, candles, book)

	fsm := e.fsms[symbol]
	if fsm.state == types.SymbolInPosition {
		e.managePosition(ctx, fsm, candles, mark)
		return
	}
	e.tryEntry(ctx, fsm, candles, book)
}

func (e *Engine) tickError(ctx context.Context, symbol, stage string, cause error) {
	e.logger.Error("tick failed", "symbol", symbol, "stage", stage, "error", cause)
	if _, err := e.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelError, Type: "error.tick", Symbol: symbol,
		Payload: map[string]any{"stage": stage, "error": cause.Error()},
	}); err != nil {
		e.logger.Error("emit error.tick failed", "error", err)
	}
}

// markPrice prefers the book mid over the last close.
func markPrice(candles []types.Candle, book *types.OrderBook) decimal.Decimal {
	if book != nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
		return book.Mid()
	}
	if len(candles) > 0 {
		return candles[len(candles)-1].Close
	}
	return decimal.Zero
}

// managePosition updates the trailing stop and checks exits for the symbol's
// open trade.
func (e *Engine) managePosition(ctx context.Context, fsm *symbolFSM, candles []types.Candle, mark decimal.Decimal) {
	if !e.plane.ExitsAllowed(ctx) || !mark.IsPositive() {
		return
	}

	trade, err := e.repo.GetTrade(ctx, fsm.tradeID)
	if err != nil {
		e.tickError(ctx, fsm.symbol, "position lookup", err)
		return
	}
	if trade.Status != types.TradeOpen {
		// Closed by another writer; drop back to IDLE.
		fsm.reset()
		return
	}

	if newStop, ok := trailingStop(e.cfg.TrailingStop, trade, candles, mark); ok {
		if err := e.repo.UpdateTradeStop(ctx, trade.ID, newStop); err != nil {
			e.tickError(ctx, fsm.symbol, "trailing stop", err)
		} else {
			oldF, _ := trade.StopLoss.Float64()
			newF, _ := newStop.Float64()
			trade.StopLoss = newStop
			trade.TrailingEnabled = true
			e.logger.Info("trailing stop raised",
				"symbol", fsm.symbol, "trade_id", trade.ID, "from", oldF, "to", newF)
			if _, err := e.repo.Emit(ctx, types.EventDraft{
				Level: types.LevelInfo, Type: "trade.stop_moved",
				Symbol: fsm.symbol, TradeID: trade.ID,
				Payload:    map[string]any{"from": oldF, "to": newF},
				PublicSafe: true,
			}); err != nil {
				e.logger.Error("emit trade.stop_moved failed", "error", err)
			}
		}
	}

	if !e.mustTransition(ctx, fsm, types.SymbolExitPending) {
		return
	}
	out, err := e.executor.CheckExits(ctx, trade, mark)
	if err != nil {
		e.tickError(ctx, fsm.symbol, "exits", err)
		e.mustTransition(ctx, fsm, types.SymbolInPosition)
		return
	}
	if out.Exited {
		fsm.tradeID = ""
		e.mustTransition(ctx, fsm, types.SymbolIdle)
		return
	}
	e.mustTransition(ctx, fsm, types.SymbolInPosition)
}

// tryEntry runs the entry pipeline for an idle symbol: news pause, breakers,
// daily lock, regime, ensemble, then the gate stack. Every blocking stage
// emits a gate.<name>.rejected event; the first one short-circuits.
func (e *Engine) tryEntry(ctx context.Context, fsm *symbolFSM, candles []types.Candle, book *types.OrderBook) {
	if !e.plane.EntriesAllowed(ctx) {
		// Lifecycle state, not a pipeline stage: the bot is simply not
		// RUNNING, so the pipeline never begins.
		return
	}
	if allowed, breaker, reason := e.breakers.EntriesAllowed(ctx, fsm.symbol); !allowed {
		gate := "breaker"
		if breaker == breakers.BreakerNews {
			gate = "news_pause"
		}
		e.rejectEntry(ctx, fsm.symbol, gate, reason, map[string]any{"breaker": breaker})
		return
	}
	if allowed, reason := e.daily.EntriesAllowed(ctx); !allowed {
		e.rejectEntry(ctx, fsm.symbol, "daily_lock", reason, nil)
		return
	}

	if !e.mustTransition(ctx, fsm, types.SymbolEval) {
		return
	}
	gc := &gates.Context{
		Symbol:         fsm.symbol,
		Candles:        candles,
		Book:           book,
		SizeMultiplier: 1,
	}
	if d := e.regime.Evaluate(ctx, gc); !d.Allowed {
		e.rejectEntry(ctx, fsm.symbol, e.regime.Name(), d.Reason, d.Payload)
		e.mustTransition(ctx, fsm, types.SymbolIdle)
		return
	}

	sig := e.ensemble.Evaluate(fsm.symbol, candles, book, e.cfg.EnsembleFor(fsm.symbol))
	if sig.Action != types.EnterLong {
		e.rejectEntry(ctx, fsm.symbol, "ensemble", "no entry consensus", map[string]any{
			"action": string(sig.Action), "confidence": sig.Confidence,
		})
		e.mustTransition(ctx, fsm, types.SymbolIdle)
		return
	}
	e.logger.Info("entry signal", "symbol", fsm.symbol, "confidence", sig.Confidence)

	open, err := e.repo.OpenTrades(ctx)
	if err != nil {
		e.tickError(ctx, fsm.symbol, "open trades", err)
		e.mustTransition(ctx, fsm, types.SymbolIdle)
		return
	}
	gc.Signal = sig
	gc.EquityUSD = e.equity(ctx)
	gc.OpenTrades = open
	if name, d := e.stack.Evaluate(ctx, gc); !d.Allowed {
		e.rejectEntry(ctx, fsm.symbol, name, d.Reason, d.Payload)
		e.mustTransition(ctx, fsm, types.SymbolIdle)
		return
	}

	if !e.mustTransition(ctx, fsm, types.SymbolEntryPending) {
		return
	}
	res, err := e.executor.ExecuteEntry(ctx, *gc.Plan)
	if err != nil {
		e.logger.Error("entry execution failed", "symbol", fsm.symbol, "error", err)
		if _, emitErr := e.repo.Emit(ctx, types.EventDraft{
			Level: types.LevelError, Type: "execution.failed", Symbol: fsm.symbol,
			Payload: map[string]any{"error": err.Error()},
		}); emitErr != nil {
			e.logger.Error("emit execution.failed failed", "error", emitErr)
		}
		e.mustTransition(ctx, fsm, types.SymbolIdle)
		return
	}
	fsm.tradeID = res.Trade.ID
	e.mustTransition(ctx, fsm, types.SymbolInPosition)
}

// rejectEntry logs and records one blocking pipeline stage.
func (e *Engine) rejectEntry(ctx context.Context, symbol, gate, reason string, payload map[string]any) {
	e.logger.Info("entry rejected", "symbol", symbol, "gate", gate, "reason", reason)
	if _, err := e.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: fmt.Sprintf("gate.%s.rejected", gate),
		Symbol:  symbol,
		Payload: mergePayload(payload, reason),
	}); err != nil {
		e.logger.Error("emit gate rejection failed", "error", err)
	}
}

func mergePayload(payload map[string]any, reason string) map[string]any {
	out := map[string]any{"reason": reason}
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// mustTransition applies an FSM edge; an invalid edge is reported and resets
// the symbol to IDLE.
func (e *Engine) mustTransition(ctx context.Context, fsm *symbolFSM, to types.SymbolState) bool {
	if err := fsm.transition(to); err != nil {
		e.logger.Error("state machine violation", "symbol", fsm.symbol, "error", err)
		if _, emitErr := e.repo.Emit(ctx, types.EventDraft{
			Level: types.LevelError, Type: "error.state_machine", Symbol: fsm.symbol,
			Payload: map[string]any{"error": err.Error()},
		}); emitErr != nil {
			e.logger.Error("emit error.state_machine failed", "error", emitErr)
		}
		fsm.reset()
		return false
	}
	return true
}

// equity is starting cash plus all-time realized PnL. Unrealized PnL is
// tracked in snapshots but kept out of sizing, so a drawdown on open
// positions cannot inflate new entries mid-trade.
func (e *Engine) equity(ctx context.Context) float64 {
	realized, err := e.repo.TotalRealizedPnL(ctx)
	if err != nil {
		e.logger.Error("realized pnl query failed", "error", err)
		return e.cfg.Risk.StartingCashUSD
	}
	realizedF, _ := realized.Float64()
	return e.cfg.Risk.StartingCashUSD + realizedF
}

// recordEquity persists the per-tick account snapshot and feeds the daily
// lock with today's realized PnL.
func (e *Engine) recordEquity(ctx context.Context) {
	open, err := e.repo.OpenTrades(ctx)
	if err != nil {
		e.logger.Error("equity snapshot open trades failed", "error", err)
		return
	}

	var unrealized, openNotional decimal.Decimal
	for _, tr := range open {
		openNotional = openNotional.Add(tr.NotionalUSD)
		if mark, ok := e.marks[tr.Symbol]; ok && mark.IsPositive() {
			unrealized = unrealized.Add(mark.Sub(tr.EntryPrice).Mul(tr.Quantity))
		}
	}

	// "Today" is bounded by the daily lock's timezone, the same midnight the
	// lock itself rolls at.
	todayPnL, err := e.repo.TodayRealizedPnL(ctx, e.daily.Location())
	if err != nil {
		e.logger.Error("today pnl query failed", "error", err)
		return
	}
	todayF, _ := todayPnL.Float64()
	e.daily.Observe(ctx, todayF)

	equity := decimal.NewFromFloat(e.equity(ctx)).Add(unrealized)
	snap := &repo.EquitySnapshot{
		Timestamp:           e.clock.Now(),
		EquityUSD:           equity,
		CashUSD:             equity.Sub(openNotional),
		UnrealizedPnLUSD:    unrealized,
		RealizedPnLTodayUSD: todayPnL,
		OpenPositions:       len(open),
	}
	if err := e.repo.SaveEquitySnapshot(ctx, snap); err != nil {
		e.logger.Error("equity snapshot failed", "error", err)
	}
}
