package breakers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quantsail/internal/config"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// DailyLock enforces the daily profit target in one of two modes:
//
//	stop      — once today's realized PnL reaches target_usd, entries stop
//	            for the rest of the day.
//	overdrive — reaching the target keeps trading but arms a trailing floor
//	            at peak − overdrive_trailing_buffer_usd. While realized PnL
//	            sits below the floor entries are paused; they resume as soon
//	            as it recovers to the floor or above.
//
// The lock is rebuilt on startup by replaying today's closed trades, so a
// restart cannot forget an engaged lock.
type DailyLock struct {
	cfg    config.DailyLockConfig
	repo   *repo.Repository
	logger *slog.Logger
	clock  types.Clock
	loc    *time.Location

	mu      sync.Mutex
	day     time.Time // midnight of the day the state below belongs to
	engaged bool      // target reached today
	paused  bool      // entries stopped for the rest of the day
	peak    float64   // highest realized PnL seen today (overdrive)
	floor   float64   // current trailing floor (overdrive)
}

// NewDailyLock builds the lock. The configured timezone must already be
// validated by config.Validate.
func NewDailyLock(cfg config.DailyLockConfig, r *repo.Repository, logger *slog.Logger, clock types.Clock) (*DailyLock, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("daily lock timezone: %w", err)
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &DailyLock{
		cfg:    cfg,
		repo:   r,
		logger: logger.With("component", "daily_lock"),
		clock:  clock,
		loc:    loc,
	}, nil
}

// Rebuild replays today's closed trades in chronological order so that peak
// and floor match what a continuously-running process would hold.
func (d *DailyLock) Rebuild(ctx context.Context) error {
	if !d.cfg.Enabled {
		return nil
	}
	trades, err := d.repo.ClosedTradesToday(ctx, "", d.loc)
	if err != nil {
		return fmt.Errorf("rebuild daily lock: %w", err)
	}
	var running float64
	for _, tr := range trades {
		pnl, _ := tr.RealizedPnLUSD.Float64()
		running += pnl
		d.Observe(ctx, running)
	}
	d.logger.Info("daily lock rebuilt",
		"trades", len(trades), "realized", running, "engaged", d.engaged, "paused", d.paused)
	return nil
}

// Observe updates the lock with the current realized PnL for today. Called
// once per tick and during Rebuild.
func (d *DailyLock) Observe(ctx context.Context, realizedToday float64) {
	if !d.cfg.Enabled {
		return
	}

	d.mu.Lock()
	d.rollDayLocked(ctx)

	if !d.engaged {
		if realizedToday >= d.cfg.TargetUSD {
			d.engaged = true
			d.peak = realizedToday
			if d.cfg.Mode == "stop" {
				d.paused = true
			} else {
				d.floor = d.trailingFloor(realizedToday)
			}
			engagedPayload := map[string]any{
				"mode": d.cfg.Mode, "realized_usd": realizedToday, "target_usd": d.cfg.TargetUSD,
			}
			if d.cfg.Mode == "overdrive" {
				engagedPayload["floor_usd"] = d.floor
			}
			d.mu.Unlock()
			d.logger.Info("daily target reached", "mode", d.cfg.Mode, "realized", realizedToday)
			d.emit(ctx, types.LevelInfo, "daily_lock.engaged", engagedPayload)
			return
		}
		d.mu.Unlock()
		return
	}

	// Engaged. In stop mode there is nothing left to track.
	if d.cfg.Mode != "overdrive" {
		d.mu.Unlock()
		return
	}

	floorRaised := false
	if realizedToday > d.peak {
		d.peak = realizedToday
		if f := d.trailingFloor(realizedToday); f > d.floor {
			d.floor = f
			floorRaised = true
		}
	}

	// Pause and resume follow the floor on every observation, not just once.
	wasPaused := d.paused
	d.paused = realizedToday < d.floor
	floor := d.floor
	nowPaused := d.paused
	d.mu.Unlock()

	if floorRaised {
		d.emit(ctx, types.LevelInfo, "daily_lock.floor_updated",
			map[string]any{"peak_usd": realizedToday, "floor_usd": floor})
	}
	switch {
	case nowPaused && !wasPaused:
		d.logger.Warn("overdrive floor breached, entries paused",
			"realized", realizedToday, "floor", floor)
		d.emit(ctx, types.LevelWarn, "daily_lock.entries_paused", map[string]any{
			"reason": "profit floor breached", "realized_usd": realizedToday, "floor_usd": floor,
		})
	case !nowPaused && wasPaused:
		d.logger.Info("realized pnl recovered above the floor, entries resumed",
			"realized", realizedToday, "floor", floor)
		d.emit(ctx, types.LevelInfo, "daily_lock.resumed",
			map[string]any{"realized_usd": realizedToday, "floor_usd": floor})
	}
}

// trailingFloor is peak − buffer.
func (d *DailyLock) trailingFloor(peak float64) float64 {
	return peak - d.cfg.OverdriveTrailingBufferUSD
}

// rollDayLocked resets the lock at the configured timezone's midnight.
// Caller holds d.mu.
func (d *DailyLock) rollDayLocked(ctx context.Context) {
	now := d.clock.Now().In(d.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.loc)
	if midnight.Equal(d.day) {
		return
	}
	wasBlocking := d.paused
	d.day = midnight
	d.engaged = false
	d.paused = false
	d.peak = 0
	d.floor = 0
	if wasBlocking {
		d.logger.Info("daily lock reset for new day")
		d.emit(ctx, types.LevelInfo, "daily_lock.resumed", map[string]any{"day": midnight.Format("2006-01-02")})
	}
}

// EntriesAllowed reports whether the daily lock permits new entries.
func (d *DailyLock) EntriesAllowed(ctx context.Context) (bool, string) {
	if !d.cfg.Enabled {
		return true, ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollDayLocked(ctx)
	if d.paused {
		if d.cfg.Mode == "overdrive" {
			return false, fmt.Sprintf("profit floor breached: realized below %.2f", d.floor)
		}
		return false, fmt.Sprintf("daily target %.2f reached", d.cfg.TargetUSD)
	}
	return true, ""
}

// Location is the timezone the lock's trading day rolls in. The engine uses
// it so "today's realized PnL" is bounded by the same midnight the lock
// resets at.
func (d *DailyLock) Location() *time.Location { return d.loc }

// Status returns a snapshot for the status endpoint.
func (d *DailyLock) Status() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"enabled":    d.cfg.Enabled,
		"mode":       d.cfg.Mode,
		"target_usd": d.cfg.TargetUSD,
		"engaged":    d.engaged,
		"paused":     d.paused,
		"peak_usd":   d.peak,
		"floor_usd":  d.floor,
	}
}

func (d *DailyLock) emit(ctx context.Context, level types.EventLevel, eventType string, payload map[string]any) {
	if _, err := d.repo.Emit(ctx, types.EventDraft{
		Level:      level,
		Type:       eventType,
		Payload:    payload,
		PublicSafe: true,
	}); err != nil {
		d.logger.Error("emit failed", "type", eventType, "error", err)
	}
}
