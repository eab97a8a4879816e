package market

import (
	"context"
	"sync"
)

// Stream is a bounded producer/consumer surface for lazy bar sequences.
// A provider goroutine produces into the channel while a collector drains
// it; the channel buffer doubles as the batch accumulator. The producer
// must call Close exactly once when done; the terminal error (if any) is
// visible through Err after the channel closes.
type Stream struct {
	c chan Bar

	once sync.Once
	err  error
}

// NewStream returns a stream with the given buffer size. A buffer of zero
// yields a fully synchronous hand-off.
func NewStream(buf int) *Stream {
	if buf < 0 {
		buf = 0
	}
	return &Stream{c: make(chan Bar, buf)}
}

// Bars is the consumer side. It is closed by the producer via Close.
func (s *Stream) Bars() <-chan Bar { return s.c }

// Send delivers one bar, giving up when ctx expires so a cancelled
// collector never wedges its producer.
func (s *Stream) Send(ctx context.Context, b Bar) error {
	select {
	case s.c <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the stream. err records why the producer stopped;
// nil means exhaustion. Subsequent calls are no-ops.
func (s *Stream) Close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.c)
	})
}

// Err reports the producer's terminal error. Only meaningful once Bars()
// has been drained (channel closed).
func (s *Stream) Err() error { return s.err }

// Collect drains the stream into a slice. Intended for tests and small
// result sets; collectors proper consume the channel incrementally.
func (s *Stream) Collect() ([]Bar, error) {
	var out []Bar
	for b := range s.c {
		out = append(out, b)
	}
	return out, s.Err()
}
