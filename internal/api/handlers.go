package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quantsail/internal/control"
	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

const defaultListLimit = 50

func parseLimit(r *http.Request, max int) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// ————————————————————————————————————————————————————————————————————————
// Public surface
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handlePublicSummary(w http.ResponseWriter, r *http.Request) {
	snap, err := s.repo.LatestEquitySnapshot(r.Context())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "no equity snapshot yet")
			return
		}
		s.internalError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":              snap.Timestamp,
		"equity_usd":             snap.EquityUSD,
		"cash_usd":               snap.CashUSD,
		"unrealized_pnl_usd":     snap.UnrealizedPnLUSD,
		"realized_pnl_today_usd": snap.RealizedPnLTodayUSD,
		"open_positions":         snap.OpenPositions,
	})
}

func (s *Server) handlePublicTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.repo.ListTrades(r.Context(), types.TradeClosed, parseLimit(r, 200))
	if err != nil {
		s.internalError(w, "public trades", err)
		return
	}
	out := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]any{
			"symbol":           t.Symbol,
			"side":             t.Side,
			"status":           t.Status,
			"mode":             t.Mode,
			"opened_at":        t.OpenedAt,
			"closed_at":        t.ClosedAt,
			"entry_price":      t.EntryPrice,
			"exit_price":       t.ExitPrice,
			"realized_pnl_usd": t.RealizedPnLUSD,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": out})
}

func (s *Server) handlePublicEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.repo.QueryEvents(r.Context(), 0, parseLimit(r, 200), repo.EventFilter{PublicOnly: true})
	if err != nil {
		s.internalError(w, "public events", err)
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"timestamp": ev.Timestamp,
			"level":     ev.Level,
			"type":      ev.Type,
			"symbol":    ev.Symbol,
			"payload":   sanitizePayload(ev.Payload),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handlePublicHeartbeat(w http.ResponseWriter, r *http.Request) {
	hb := s.plane.LastHeartbeat(r.Context())
	resp := map[string]any{"status": "ok"}
	if !hb.IsZero() {
		resp["last_heartbeat"] = hb
	}
	writeJSON(w, http.StatusOK, resp)
}

// ————————————————————————————————————————————————————————————————————————
// Private reads
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ *repo.User) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ *repo.User) {
	resp := map[string]any{
		"state": s.plane.State(r.Context()),
	}
	if hb := s.plane.LastHeartbeat(r.Context()); !hb.IsZero() {
		resp["last_heartbeat"] = hb
	}
	if paused, reason := s.plane.NewsPaused(r.Context()); paused {
		resp["news_pause"] = reason
	}
	if s.breakers != nil {
		resp["breakers"] = s.breakers.ActivePauses()
	}
	if s.daily != nil {
		resp["daily_lock"] = s.daily.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request, _ *repo.User) {
	status := types.TradeStatus(strings.ToUpper(r.URL.Query().Get("status")))
	trades, err := s.repo.ListTrades(r.Context(), status, parseLimit(r, 500))
	if err != nil {
		s.internalError(w, "trades", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ *repo.User) {
	cursor := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidCursor, "cursor must be a non-negative integer")
			return
		}
		cursor = n
	}
	filter := repo.EventFilter{
		Symbol: r.URL.Query().Get("symbol"),
		Type:   r.URL.Query().Get("type"),
		Level:  types.EventLevel(strings.ToUpper(r.URL.Query().Get("level"))),
	}
	events, err := s.repo.QueryEvents(r.Context(), cursor, parseLimit(r, 500), filter)
	if err != nil {
		s.internalError(w, "events", err)
		return
	}
	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_cursor": next})
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request, _ *repo.User) {
	snap, err := s.repo.LatestEquitySnapshot(r.Context())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "no equity snapshot yet")
			return
		}
		s.internalError(w, "equity", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request, user *repo.User) {
	token, err := s.plane.Arm(r.Context(), s.cfg.ArmingTokenTTL)
	if err != nil {
		s.internalError(w, "arm", err)
		return
	}
	s.logger.Info("bot armed", "user", user.Email)
	writeJSON(w, http.StatusOK, map[string]any{
		"arming_token":       token,
		"expires_in_seconds": int(s.cfg.ArmingTokenTTL / time.Second),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, user *repo.User) {
	var req struct {
		Mode        string `json:"mode"`
		ArmingToken string `json:"arming_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidUpdate, "malformed request body")
		return
	}
	if req.Mode != "dry_run" && req.Mode != "live" {
		writeError(w, http.StatusBadRequest, CodeInvalidUpdate, "mode must be dry_run or live")
		return
	}
	if err := s.plane.Start(r.Context(), req.Mode, req.ArmingToken); err != nil {
		switch {
		case errors.Is(err, control.ErrArmRequired):
			writeError(w, http.StatusConflict, CodeArmRequired, "arm the bot before starting")
		case errors.Is(err, control.ErrArmExpired):
			writeError(w, http.StatusConflict, CodeArmExpired, "arming token expired or already used")
		default:
			s.internalError(w, "start", err)
		}
		return
	}
	s.logger.Info("bot started", "user", user.Email, "mode", req.Mode)
	writeJSON(w, http.StatusOK, map[string]any{"state": s.plane.State(r.Context())})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, user *repo.User) {
	s.lifecycle(w, r, user, "pause", s.plane.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, user *repo.User) {
	s.lifecycle(w, r, user, "resume", s.plane.Resume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, user *repo.User) {
	s.lifecycle(w, r, user, "stop", s.plane.Stop)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, user *repo.User, action string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		if errors.Is(err, control.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, CodeInvalidUpdate, err.Error())
			return
		}
		s.internalError(w, action, err)
		return
	}
	s.logger.Info("lifecycle action", "action", action, "user", user.Email)
	writeJSON(w, http.StatusOK, map[string]any{"state": s.plane.State(r.Context())})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request, user *repo.User) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidUpdate, "reason is required")
		return
	}
	s.breakers.TripKillSwitch(r.Context(), req.Reason)
	s.logger.Warn("kill switch tripped", "user", user.Email, "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "tripped"})
}

func (s *Server) handleKillSwitchReset(w http.ResponseWriter, r *http.Request, user *repo.User) {
	s.breakers.ResetKillSwitch(r.Context())
	s.logger.Warn("kill switch reset", "user", user.Email)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleNewsIngest(w http.ResponseWriter, r *http.Request, user *repo.User) {
	var req struct {
		Headline     string `json:"headline"`
		PauseMinutes int    `json:"pause_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Headline == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidUpdate, "headline is required")
		return
	}
	if req.PauseMinutes <= 0 {
		req.PauseMinutes = 30
	}
	ttl := time.Duration(req.PauseMinutes) * time.Minute
	if err := s.plane.SetNewsPause(r.Context(), req.Headline, ttl); err != nil {
		s.internalError(w, "news ingest", err)
		return
	}
	s.logger.Warn("news pause raised", "user", user.Email, "headline", req.Headline)
	writeJSON(w, http.StatusOK, map[string]any{"status": "paused", "ttl_minutes": req.PauseMinutes})
}

// ————————————————————————————————————————————————————————————————————————
// Exchange keys and users
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleCreateExchangeKey(w http.ResponseWriter, r *http.Request, user *repo.User) {
	if s.box == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInvalidUpdate, "master key not configured")
		return
	}
	var req struct {
		Exchange string `json:"exchange"`
		Label    string `json:"label"`
		APIKey   string `json:"api_key"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Exchange == "" || req.APIKey == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidUpdate, "exchange, api_key and secret are required")
		return
	}
	ciphertext, nonce, err := s.box.Seal(req.APIKey, req.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidUpdate, err.Error())
		return
	}
	key := &repo.ExchangeKey{
		Exchange:   strings.ToLower(req.Exchange),
		Label:      req.Label,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		IsActive:   true,
	}
	if err := s.repo.SaveExchangeKey(r.Context(), key); err != nil {
		writeError(w, http.StatusConflict, CodeInvalidUpdate, "an active key for this exchange already exists")
		return
	}
	s.logger.Info("exchange key stored", "user", user.Email, "exchange", key.Exchange, "key_id", key.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"id": key.ID, "exchange": key.Exchange, "label": key.Label})
}

func (s *Server) handleGetExchangeKey(w http.ResponseWriter, r *http.Request, _ *repo.User) {
	exchange := r.PathValue("exchange")
	key, err := s.repo.ActiveExchangeKey(r.Context(), strings.ToLower(exchange))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "no active key for this exchange")
			return
		}
		s.internalError(w, "get exchange key", err)
		return
	}
	// Ciphertext and nonce never leave the server.
	writeJSON(w, http.StatusOK, map[string]any{
		"id": key.ID, "exchange": key.Exchange, "label": key.Label,
		"is_active": key.IsActive, "created_at": key.CreatedAt,
	})
}

func (s *Server) handleRevokeExchangeKey(w http.ResponseWriter, r *http.Request, user *repo.User) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidID, "key id is required")
		return
	}
	if err := s.repo.RevokeExchangeKey(r.Context(), id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "unknown key id")
			return
		}
		if errors.Is(err, repo.ErrKeyRevoked) {
			writeError(w, http.StatusConflict, CodeKeyRevoked, "key already revoked")
			return
		}
		s.internalError(w, "revoke exchange key", err)
		return
	}
	s.logger.Warn("exchange key revoked", "user", user.Email, "key_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, user *repo.User) {
	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidUpdate, "email and token are required")
		return
	}
	role := types.Role(strings.ToUpper(req.Role))
	switch role {
	case types.RoleOwner, types.RoleCEO, types.RoleDeveloper, types.RoleAdmin:
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidUpdate, "unknown role")
		return
	}
	newUser := &repo.User{
		Email:     strings.ToLower(req.Email),
		Role:      role,
		TokenHash: hashToken(req.Token),
	}
	if err := s.repo.CreateUser(r.Context(), newUser); err != nil {
		writeError(w, http.StatusConflict, CodeUserExists, "a user with this email already exists")
		return
	}
	s.logger.Info("user created", "by", user.Email, "email", newUser.Email, "role", newUser.Role)
	writeJSON(w, http.StatusCreated, map[string]any{"id": newUser.ID, "email": newUser.Email, "role": newUser.Role})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, CodeInvalidUpdate, "internal error")
}
