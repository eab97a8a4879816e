package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ddm-j/quasar-sub001/pkg/market"
)

// session is one live WebSocket window: the codec supplies the dial target,
// the subscribe/unsubscribe envelopes and the frame decoder; gorilla owns
// the wire.
type session struct {
	mod      invoker
	dialer   *websocket.Dialer
	creds    map[string]string
	provider string
	log      *slog.Logger

	conn     *websocket.Conn
	interval market.Interval
}

func (s *session) Connect(ctx context.Context) error {
	var dial dialResponse
	if err := s.mod.Invoke(ctx, opDial, dialRequest{Credentials: s.creds}, &dial); err != nil {
		return err
	}
	if dial.URL == "" {
		return fmt.Errorf("wasm: %s dial op returned no URL", s.provider)
	}

	header := http.Header{}
	for k, v := range dial.Header {
		header.Set(k, v)
	}

	conn, resp, err := s.dialer.DialContext(ctx, dial.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("wasm: %s websocket dial failed (status %d): %w", s.provider, resp.StatusCode, err)
		}
		return fmt.Errorf("wasm: %s websocket dial failed: %w", s.provider, err)
	}
	s.conn = conn
	return nil
}

func (s *session) Subscribe(ctx context.Context, interval market.Interval, symbols []string) error {
	s.interval = interval

	var frames framesResponse
	err := s.mod.Invoke(ctx, opSubscribeFrames, framesRequest{
		Credentials: s.creds,
		Interval:    string(interval),
		Symbols:     symbols,
	}, &frames)
	if err != nil {
		return err
	}
	return s.writeFrames(frames.Frames)
}

// Read blocks for the next upstream message and decodes it. The deadline on
// ctx bounds the read; its expiry surfaces as context.DeadlineExceeded so
// the window loop can distinguish "window over" from a broken feed.
func (s *session) Read(ctx context.Context) ([]market.Bar, error) {
	if d, ok := ctx.Deadline(); ok {
		if err := s.conn.SetReadDeadline(d); err != nil {
			return nil, err
		}
	}

	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, context.DeadlineExceeded
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var dec decodeFrameResponse
	err = s.mod.Invoke(ctx, opDecodeFrame, decodeFrameRequest{
		Interval: string(s.interval),
		Message:  msg,
	}, &dec)
	if err != nil {
		return nil, err
	}

	bars := make([]market.Bar, 0, len(dec.Bars))
	for _, wb := range dec.Bars {
		bars = append(bars, wb.toBar(s.provider, "", s.interval))
	}
	return bars, nil
}

func (s *session) Unsubscribe(ctx context.Context, symbols []string) error {
	if s.conn == nil {
		return nil
	}
	var frames framesResponse
	err := s.mod.Invoke(ctx, opUnsubFrames, framesRequest{
		Interval: string(s.interval),
		Symbols:  symbols,
	}, &frames)
	if err != nil {
		return err
	}
	return s.writeFrames(frames.Frames)
}

func (s *session) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *session) writeFrames(frames [][]byte) error {
	for _, f := range frames {
		if err := s.conn.WriteMessage(websocket.TextMessage, f); err != nil {
			return err
		}
	}
	return nil
}
