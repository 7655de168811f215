package zerone

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"dn-cycle-bot/internal/venue"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// FillStream is a reconnecting websocket subscription to the account's fill
// and cancel events. Events are delivered at-least-once; the fill tracker
// owns deduplication.
type FillStream struct {
	url            string
	accountID      int64
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewFillStream(url string, accountID int64, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *FillStream {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &FillStream{
		url:            url,
		accountID:      accountID,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
	}
}

// Run blocks until ctx is done, reconnecting and resubscribing on failure.
func (s *FillStream) Run(ctx context.Context, handler func(venue.FillEvent)) error {
	for {
		if err := s.connectAndSubscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("fill stream connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			s.pingLoop(pingCtx)
		}()
		err := s.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("fill stream read loop ended", zap.Error(err))
		s.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *FillStream) connectAndSubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	sub := map[string]any{
		"method":  "subscribe",
		"channel": "fills",
		"account": s.accountID,
	}
	if err := writeJSON(ctx, conn, sub); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return err
	}
	s.conn = conn
	return nil
}

type streamMessage struct {
	Channel string   `json:"channel"`
	Data    wireFill `json:"data"`
}

func (s *FillStream) readLoop(ctx context.Context, handler func(venue.FillEvent)) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("fill stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("fill stream message skipped", zap.Error(err))
			continue
		}
		if msg.Channel != "fills" || msg.Data.FillID == "" {
			continue
		}
		if handler != nil {
			handler(fillEvent(msg.Data))
		}
	}
}

func (s *FillStream) pingLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	interval := s.pingInterval
	s.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, map[string]any{"method": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *FillStream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
