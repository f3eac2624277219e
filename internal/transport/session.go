// Package transport implements the Transport Session (C1): one authenticated
// WebSocket connection, with a reader goroutine feeding a buffered channel,
// a keepalive ticker, and no internal reconnect logic — reconnection is
// orchestrated by the strategy/engine per the reconnection protocol.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketmaker/internal/errs"
)

const (
	keepaliveInterval = 30 * time.Second
	receiveTimeout    = 100 * time.Millisecond
	writeTimeout      = 10 * time.Second
	inboxSize         = 256
)

// FrameKind classifies what Receive yielded.
type FrameKind int

const (
	FrameNone FrameKind = iota
	FrameText
	FrameClosed
	FrameError
)

// Frame is one inbound message (or the idle/closed/error markers).
type Frame struct {
	Kind FrameKind
	Data []byte
	Err  error
}

// Session wraps a single gorilla/websocket connection.
type Session struct {
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	lastSend time.Time

	inbox  chan Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an unconnected Session.
func New(logger *slog.Logger) *Session {
	return &Session{logger: logger, inbox: make(chan Frame, inboxSize)}
}

// Connect dials url and, once open, sends each frame in subParams in order.
// It starts the reader and keepalive goroutines before returning.
func (s *Session) Connect(ctx context.Context, url string, subParams []any) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", errs.ErrConnect, url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.lastSend = time.Now()
	s.mu.Unlock()

	for _, p := range subParams {
		if err := s.Send(p); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: initial subscribe: %v", errs.ErrConnect, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.readPump(runCtx)
	go s.keepalivePump(runCtx)

	return nil
}

// Send serialises v as JSON and writes it as a text frame.
func (s *Session) Send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", errs.ErrConnect)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: write: %v", errs.ErrConnect, err)
	}

	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return nil
}

// Receive returns the next frame, waiting at most the poll budget. A
// FrameNone kind means idle — no error, nothing to dispatch.
func (s *Session) Receive(ctx context.Context) Frame {
	select {
	case f := <-s.inbox:
		return f
	case <-time.After(receiveTimeout):
		return Frame{Kind: FrameNone}
	case <-ctx.Done():
		return Frame{Kind: FrameClosed}
	}
}

// Ping sends a low-cost keepalive frame. Failure is returned, not acted on:
// the keepalive goroutine only logs it. A connection that is really broken
// reaches the caller as a FrameError from the reader goroutine.
func (s *Session) Ping() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", errs.ErrConnect)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return fmt.Errorf("%w: ping: %v", errs.ErrConnect, err)
	}
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return nil
}

// Close tears down the connection and stops the background goroutines.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Session) readPump(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case s.inbox <- Frame{Kind: FrameError, Err: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case s.inbox <- Frame{Kind: FrameText, Data: data}:
		case <-ctx.Done():
			return
		default:
			s.logger.Warn("inbox full, dropping frame")
		}
	}
}

func (s *Session) keepalivePump(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastSend)
			s.mu.Unlock()
			if idle < keepaliveInterval {
				continue
			}
			if err := s.Ping(); err != nil {
				s.logger.Warn("keepalive ping failed", "error", err)
			}
		}
	}
}
