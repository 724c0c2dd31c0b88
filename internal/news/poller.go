// Package news polls a headline feed and raises the control-plane news-pause
// flag when a headline matches one of the configured keywords. The breaker
// stack reads the flag; this package never blocks entries itself.
package news

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"quantsail/internal/config"
	"quantsail/internal/control"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// Headline is one feed item. Only the title is inspected.
type Headline struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
}

// Poller fetches the feed on a fixed interval.
type Poller struct {
	cfg    config.NewsConfig
	plane  control.Plane
	repo   *repo.Repository
	client *resty.Client
	logger *slog.Logger

	seen map[string]bool // headline titles already acted on
}

func NewPoller(cfg config.NewsConfig, plane control.Plane, r *repo.Repository, logger *slog.Logger) *Poller {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Poller{
		cfg:    cfg,
		plane:  plane,
		repo:   r,
		client: client,
		logger: logger.With("component", "news"),
		seen:   make(map[string]bool),
	}
}

// Run polls until the context is cancelled. Feed failures are logged and
// retried on the next tick; the poller never takes the engine down.
func (p *Poller) Run(ctx context.Context) {
	if !p.cfg.Enabled || p.cfg.FeedURL == "" {
		p.logger.Info("news poller disabled")
		return
	}
	p.logger.Info("news poller started",
		"feed", p.cfg.FeedURL, "interval", p.cfg.PollInterval, "keywords", len(p.cfg.Keywords))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("news poller stopped")
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.logger.Warn("feed poll failed", "error", err)
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	var headlines []Headline
	res, err := p.client.R().
		SetContext(ctx).
		SetResult(&headlines).
		Get(p.cfg.FeedURL)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("fetch feed: status %d", res.StatusCode())
	}

	for _, h := range headlines {
		if p.seen[h.Title] {
			continue
		}
		p.seen[h.Title] = true
		if keyword := p.match(h.Title); keyword != "" {
			p.trigger(ctx, h, keyword)
		}
	}
	return nil
}

// match returns the first configured keyword found in the title,
// case-insensitive, or "".
func (p *Poller) match(title string) string {
	lower := strings.ToLower(title)
	for _, kw := range p.cfg.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

func (p *Poller) trigger(ctx context.Context, h Headline, keyword string) {
	ttl := time.Duration(p.cfg.PauseMinutes) * time.Minute
	if err := p.plane.SetNewsPause(ctx, h.Title, ttl); err != nil {
		p.logger.Error("news pause flag failed", "error", err)
		return
	}
	p.logger.Warn("news pause raised",
		"keyword", keyword, "headline", h.Title, "pause", ttl.String())
	if _, err := p.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelWarn,
		Type:  "news.matched",
		Payload: map[string]any{
			"keyword":       keyword,
			"headline":      h.Title,
			"url":           h.URL,
			"pause_minutes": p.cfg.PauseMinutes,
		},
		PublicSafe: true,
	}); err != nil {
		p.logger.Error("emit news.matched failed", "error", err)
	}
}
