// Package control is the shared control plane between the engine and the API.
//
// The bot lifecycle state (STOPPED → ARMED → RUNNING ⇄ PAUSED_ENTRIES →
// STOPPED) lives in Redis so that the engine and the API server agree on it
// across processes and restarts. Arming issues a one-shot token with a short
// TTL; a live start consumes it atomically, a dry-run start needs no
// handshake. When Redis is unreachable the engine
// fails safe: state reads degrade to STOPPED, which blocks entries.
package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"quantsail/pkg/types"
)

var (
	// ErrArmRequired is returned by Start when no arm preceded it.
	ErrArmRequired = errors.New("arming token required: call arm first")
	// ErrArmExpired is returned by Start when the token is wrong or its TTL
	// has lapsed.
	ErrArmExpired = errors.New("arming token expired or invalid")
	// ErrInvalidTransition guards the lifecycle edges.
	ErrInvalidTransition = errors.New("invalid state transition")
)

const (
	keyState     = "quantsail:control:state"
	keyArmedAt   = "quantsail:control:armed_at"
	keyArmToken  = "quantsail:control:arm_token"
	keyHeartbeat = "quantsail:control:heartbeat"
	keyNewsPause = "quantsail:news:pause"
)

// Plane is the control-plane contract shared by the Redis implementation and
// the in-memory fallback.
type Plane interface {
	// State returns the current lifecycle state. Implementations degrade to
	// STOPPED when the backing store is unreachable.
	State(ctx context.Context) types.BotState
	// EntriesAllowed reports whether new positions may be opened.
	EntriesAllowed(ctx context.Context) bool
	// ExitsAllowed reports whether open positions may be managed. Exits stay
	// allowed in every state except STOPPED so positions are never stranded.
	ExitsAllowed(ctx context.Context) bool

	// Arm issues a fresh one-shot arming token and moves state to ARMED.
	Arm(ctx context.Context, ttl time.Duration) (string, error)
	// Start moves to RUNNING. Starting in "live" mode consumes the arming
	// token; any other mode needs no handshake.
	Start(ctx context.Context, mode, token string) error
	// Pause moves RUNNING → PAUSED_ENTRIES.
	Pause(ctx context.Context) error
	// Resume moves PAUSED_ENTRIES → RUNNING.
	Resume(ctx context.Context) error
	// Stop moves any state → STOPPED and clears any pending arm.
	Stop(ctx context.Context) error

	// Heartbeat publishes engine liveness. Failures are logged, never fatal.
	Heartbeat(ctx context.Context, ts time.Time)
	// LastHeartbeat returns the most recent engine heartbeat, zero if none.
	LastHeartbeat(ctx context.Context) time.Time

	// SetNewsPause raises the news-pause flag for the given duration.
	SetNewsPause(ctx context.Context, reason string, ttl time.Duration) error
	// NewsPaused reports whether the news-pause flag is raised, with the
	// triggering headline when it is.
	NewsPaused(ctx context.Context) (bool, string)
}

// newToken returns a 128-bit random token in hex.
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate arming token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ————————————————————————————————————————————————————————————————————————
// Redis implementation
// ————————————————————————————————————————————————————————————————————————

// consumeToken compares and deletes the arming token in one round trip so
// two concurrent starts cannot both succeed.
var consumeToken = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// RedisPlane stores lifecycle state in Redis.
type RedisPlane struct {
	rdb    *redis.Client
	logger *slog.Logger
	clock  types.Clock
}

// NewRedisPlane connects to the Redis URL and verifies it with a ping.
func NewRedisPlane(url string, logger *slog.Logger, clock types.Clock) (*RedisPlane, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RedisPlane{
		rdb:    rdb,
		logger: logger.With("component", "control"),
		clock:  clock,
	}, nil
}

func (p *RedisPlane) State(ctx context.Context) types.BotState {
	val, err := p.rdb.Get(ctx, keyState).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Error("state read failed, degrading to STOPPED", "error", err)
		}
		return types.StateStopped
	}
	switch s := types.BotState(val); s {
	case types.StateStopped, types.StateArmed, types.StateRunning, types.StatePausedEntries:
		return s
	}
	p.logger.Error("unknown state in redis, degrading to STOPPED", "value", val)
	return types.StateStopped
}

func (p *RedisPlane) EntriesAllowed(ctx context.Context) bool {
	return p.State(ctx) == types.StateRunning
}

func (p *RedisPlane) ExitsAllowed(ctx context.Context) bool {
	switch p.State(ctx) {
	case types.StateRunning, types.StatePausedEntries, types.StateArmed:
		return true
	}
	return false
}

func (p *RedisPlane) Arm(ctx context.Context, ttl time.Duration) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, keyArmToken, token, ttl)
	pipe.Set(ctx, keyArmedAt, p.clock.Now().Format(time.RFC3339Nano), 0)
	pipe.Set(ctx, keyState, string(types.StateArmed), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("arm: %w", err)
	}
	p.logger.Info("bot armed", "ttl", ttl.String())
	return token, nil
}

func (p *RedisPlane) Start(ctx context.Context, mode, token string) error {
	if mode == "live" {
		if token == "" {
			return ErrArmRequired
		}
		ok, err := consumeToken.Run(ctx, p.rdb, []string{keyArmToken}, token).Int()
		if err != nil {
			return fmt.Errorf("consume arming token: %w", err)
		}
		if ok != 1 {
			return ErrArmExpired
		}
	} else if err := p.rdb.Del(ctx, keyArmToken).Err(); err != nil {
		p.logger.Warn("clear arming token failed", "error", err)
	}
	if err := p.rdb.Set(ctx, keyState, string(types.StateRunning), 0).Err(); err != nil {
		return fmt.Errorf("set running: %w", err)
	}
	p.logger.Info("bot started", "mode", mode)
	return nil
}

func (p *RedisPlane) Pause(ctx context.Context) error {
	if s := p.State(ctx); s != types.StateRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, s)
	}
	if err := p.rdb.Set(ctx, keyState, string(types.StatePausedEntries), 0).Err(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	p.logger.Info("entries paused")
	return nil
}

func (p *RedisPlane) Resume(ctx context.Context) error {
	if s := p.State(ctx); s != types.StatePausedEntries {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s)
	}
	if err := p.rdb.Set(ctx, keyState, string(types.StateRunning), 0).Err(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	p.logger.Info("entries resumed")
	return nil
}

func (p *RedisPlane) Stop(ctx context.Context) error {
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, keyState, string(types.StateStopped), 0)
	pipe.Del(ctx, keyArmToken, keyArmedAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	p.logger.Info("bot stopped")
	return nil
}

func (p *RedisPlane) Heartbeat(ctx context.Context, ts time.Time) {
	if err := p.rdb.Set(ctx, keyHeartbeat, ts.Format(time.RFC3339Nano), 0).Err(); err != nil {
		p.logger.Warn("heartbeat publish failed", "error", err)
	}
}

func (p *RedisPlane) LastHeartbeat(ctx context.Context) time.Time {
	val, err := p.rdb.Get(ctx, keyHeartbeat).Result()
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (p *RedisPlane) SetNewsPause(ctx context.Context, reason string, ttl time.Duration) error {
	if err := p.rdb.Set(ctx, keyNewsPause, reason, ttl).Err(); err != nil {
		return fmt.Errorf("set news pause: %w", err)
	}
	return nil
}

func (p *RedisPlane) NewsPaused(ctx context.Context) (bool, string) {
	val, err := p.rdb.Get(ctx, keyNewsPause).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Warn("news pause read failed", "error", err)
		}
		return false, ""
	}
	return true, val
}
