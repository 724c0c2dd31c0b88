package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"quantsail/internal/repo"
)

const streamWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEnvelope is one outbound message. type is "event" for log entries
// and "status" for idle heartbeats. cursor carries the event's seq so a
// client can resume after a disconnect.
type streamEnvelope struct {
	Type       string         `json:"type"`
	TS         time.Time      `json:"ts"`
	Cursor     int64          `json:"cursor,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	Level      string         `json:"level,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	TradeID    string         `json:"trade_id,omitempty"`
	PublicSafe bool           `json:"public_safe,omitempty"`
	State      string         `json:"state,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// handleStream upgrades the connection and tails the event log from the
// client's cursor. Auth and cursor problems are reported as websocket close
// codes (1008 policy violation, 1003 unsupported data) so non-browser
// clients get a deterministic signal.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	user, err := s.authenticate(r)
	if err != nil || !canStream(user.Role) {
		closeWith(conn, websocket.ClosePolicyViolation, "authentication required")
		return
	}

	cursor := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || n < 0 {
			closeWith(conn, websocket.CloseUnsupportedData, "invalid cursor")
			return
		}
		cursor = n
	}

	st := &stream{
		conn:   conn,
		repo:   s.repo,
		cursor: cursor,
		poll:   s.cfg.StreamPollInterval,
		idle:   s.cfg.StreamHeartbeat,
		batch:  s.cfg.StreamBatchLimit,
		logger: s.logger.With("remote", conn.RemoteAddr().String()),
	}
	s.logger.Info("stream client connected", "user", user.Email, "cursor", cursor)
	st.run(r.Context())
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(streamWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// stream is one live connection tailing the event log.
type stream struct {
	conn   *websocket.Conn
	repo   *repo.Repository
	cursor int64
	poll   time.Duration
	idle   time.Duration
	batch  int
	logger *slog.Logger
}

func (st *stream) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer st.conn.Close()

	// Reader exists only to detect disconnects; clients send nothing.
	go func() {
		defer cancel()
		for {
			if _, _, err := st.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Drain the backlog before entering the poll loop.
	if !st.deliver(ctx) {
		return
	}

	pollTicker := time.NewTicker(st.poll)
	defer pollTicker.Stop()
	lastSent := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			sent, ok := st.deliverBatch(ctx)
			if !ok {
				return
			}
			if sent > 0 {
				lastSent = time.Now()
			} else if time.Since(lastSent) >= st.idle {
				if !st.send(streamEnvelope{Type: "status", TS: time.Now(), Cursor: st.cursor}) {
					return
				}
				lastSent = time.Now()
			}
		}
	}
}

// deliver drains everything past the cursor, batch by batch.
func (st *stream) deliver(ctx context.Context) bool {
	for {
		sent, ok := st.deliverBatch(ctx)
		if !ok {
			return false
		}
		if sent < st.batch {
			return true
		}
	}
}

// deliverBatch sends up to one batch of new events and advances the cursor.
func (st *stream) deliverBatch(ctx context.Context) (int, bool) {
	events, err := st.repo.QueryEvents(ctx, st.cursor, st.batch, repo.EventFilter{})
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		st.logger.Error("stream query failed", "error", err)
		return 0, true // transient; retry next poll
	}
	for _, ev := range events {
		env := streamEnvelope{
			Type:       "event",
			TS:         ev.Timestamp,
			Cursor:     ev.Seq,
			EventType:  ev.Type,
			Level:      string(ev.Level),
			Symbol:     ev.Symbol,
			PublicSafe: ev.PublicSafe,
			Payload:    sanitizePayload(ev.Payload),
		}
		if ev.TradeID != nil {
			env.TradeID = *ev.TradeID
		}
		if !st.send(env) {
			return 0, false
		}
		st.cursor = ev.Seq
	}
	return len(events), true
}

// send writes one envelope with a bounded deadline. A slow or gone client is
// closed with 1011 rather than buffered indefinitely.
func (st *stream) send(env streamEnvelope) bool {
	_ = st.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := st.conn.WriteJSON(env); err != nil {
		st.logger.Warn("stream write failed, closing", "error", err)
		closeWith(st.conn, websocket.CloseInternalServerErr, "write timeout")
		return false
	}
	return true
}
