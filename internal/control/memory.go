package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quantsail/pkg/types"
)

// MemoryPlane is the single-process fallback used when no Redis URL is
// configured, and the control plane under test. Semantics mirror RedisPlane,
// including one-shot token consumption and TTL expiry.
type MemoryPlane struct {
	mu          sync.Mutex
	state       types.BotState
	armToken    string
	armExpires  time.Time
	heartbeat   time.Time
	newsReason  string
	newsExpires time.Time
	logger      *slog.Logger
	clock       types.Clock
}

// NewMemoryPlane builds an in-memory control plane starting STOPPED.
func NewMemoryPlane(logger *slog.Logger, clock types.Clock) *MemoryPlane {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryPlane{
		state:  types.StateStopped,
		logger: logger.With("component", "control"),
		clock:  clock,
	}
}

func (p *MemoryPlane) State(context.Context) types.BotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *MemoryPlane) EntriesAllowed(ctx context.Context) bool {
	return p.State(ctx) == types.StateRunning
}

func (p *MemoryPlane) ExitsAllowed(ctx context.Context) bool {
	switch p.State(ctx) {
	case types.StateRunning, types.StatePausedEntries, types.StateArmed:
		return true
	}
	return false
}

func (p *MemoryPlane) Arm(_ context.Context, ttl time.Duration) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armToken = token
	p.armExpires = p.clock.Now().Add(ttl)
	p.state = types.StateArmed
	p.logger.Info("bot armed", "ttl", ttl.String())
	return token, nil
}

func (p *MemoryPlane) Start(_ context.Context, mode, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mode == "live" {
		if token == "" {
			return ErrArmRequired
		}
		if p.armToken == "" || token != p.armToken || p.clock.Now().After(p.armExpires) {
			return ErrArmExpired
		}
	}
	p.armToken = ""
	p.state = types.StateRunning
	p.logger.Info("bot started", "mode", mode)
	return nil
}

func (p *MemoryPlane) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != types.StateRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, p.state)
	}
	p.state = types.StatePausedEntries
	p.logger.Info("entries paused")
	return nil
}

func (p *MemoryPlane) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != types.StatePausedEntries {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, p.state)
	}
	p.state = types.StateRunning
	p.logger.Info("entries resumed")
	return nil
}

func (p *MemoryPlane) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = types.StateStopped
	p.armToken = ""
	p.logger.Info("bot stopped")
	return nil
}

func (p *MemoryPlane) Heartbeat(_ context.Context, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeat = ts
}

func (p *MemoryPlane) LastHeartbeat(context.Context) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeat
}

func (p *MemoryPlane) SetNewsPause(_ context.Context, reason string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newsReason = reason
	p.newsExpires = p.clock.Now().Add(ttl)
	return nil
}

func (p *MemoryPlane) NewsPaused(context.Context) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.newsReason == "" || p.clock.Now().After(p.newsExpires) {
		return false, ""
	}
	return true, p.newsReason
}
