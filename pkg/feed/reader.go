package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// EventKind classifies Reader connection events.
type EventKind int

const (
	// Connected: the data source was dialed successfully.
	Connected EventKind = iota

	// Disconnected: the connection ended (Err is nil after Disconnect).
	Disconnected

	// DialFailed: the data source could not be reached within the retry budget.
	DialFailed
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case DialFailed:
		return "dial failed"
	default:
		return fmt.Sprintf("feed event(%d)", int(k))
	}
}

// maxLineLength bounds one telemetry line. Longer lines are dropped as malformed.
const maxLineLength = 4096

// Event reports a change of the data source connection.
type Event struct {
	Kind EventKind
	Addr string
	Err  error
}

// Reader owns the TCP connection to a data source and decodes its lines into
// Samples. Malformed lines are logged and dropped; the connection stays open.
type Reader struct {
	logger  *log.Logger
	retry   RetryConfig
	dialer  net.Dialer
	samples chan Sample
	events  chan Event
	now     func() time.Time

	// warn limits malformed-line log output from a misbehaving source
	warn *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	last   time.Time

	// gen identifies the current connection; events of replaced ones are dropped
	gen uint64

	accepted  atomic.Uint64
	malformed atomic.Uint64
	stale     atomic.Uint64
}

// NewReader creates a Reader. A nil logger uses log.Default().
func NewReader(retry RetryConfig, logger *log.Logger) *Reader {
	if logger == nil {
		logger = log.Default()
	}
	return &Reader{
		logger:  logger,
		retry:   retry,
		dialer:  net.Dialer{Timeout: 3 * time.Second},
		samples: make(chan Sample, 16),
		events:  make(chan Event, 8),
		now:     time.Now,
		warn:    rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Samples delivers decoded samples in receipt order.
func (r *Reader) Samples() <-chan Sample {
	return r.samples
}

// Events delivers connection state changes.
func (r *Reader) Events() <-chan Event {
	return r.events
}

// Stats returns the number of accepted, malformed and out-of-order lines.
func (r *Reader) Stats() (accepted, malformed, stale uint64) {
	return r.accepted.Load(), r.malformed.Load(), r.stale.Load()
}

// Connect dials addr in the background, replacing any current connection.
func (r *Reader) Connect(ctx context.Context, addr string) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	go r.run(ctx, gen, addr)
}

// Disconnect closes the current connection, if any. Samples already decoded
// stay queued; other components are unaffected.
func (r *Reader) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Reader) run(ctx context.Context, gen uint64, addr string) {
	conn, err := RetryWithBackoffResult(ctx, r.retry, func() (net.Conn, error) {
		return r.dialer.DialContext(ctx, "tcp", addr)
	})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Printf("failed to connect to data source %s: %v", addr, err)
			r.emitFor(gen, Event{Kind: DialFailed, Addr: addr, Err: err})
		}
		return
	}

	r.logger.Printf("connected to data source %s", addr)
	r.emitFor(gen, Event{Kind: Connected, Addr: addr})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	err = r.ReadFrom(ctx, conn)
	if ctx.Err() != nil {
		err = nil
	} else if err == nil {
		err = io.EOF
	}
	if err != nil {
		r.logger.Printf("data source %s disconnected: %v", addr, err)
	} else {
		r.logger.Printf("disconnected from data source %s", addr)
	}
	r.emitFor(gen, Event{Kind: Disconnected, Addr: addr, Err: err})
}

// ReadFrom decodes lines from src until it ends or ctx is canceled.
// It returns nil at end of stream. A line longer than maxLineLength is
// counted as malformed and skipped up to its terminator.
func (r *Reader) ReadFrom(ctx context.Context, src io.Reader) error {
	br := bufio.NewReaderSize(src, maxLineLength)
	overlong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			if !overlong {
				overlong = true
				r.dropLine(fmt.Errorf("%w: line longer than %d bytes", ErrMalformedSample, maxLineLength))
			}
			continue
		case overlong:
			// Tail of an over-long line
			overlong = false
		default:
			if s, ok := r.decode(strings.TrimRight(string(chunk), "\r\n")); ok {
				select {
				case r.samples <- s:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (r *Reader) decode(line string) (Sample, bool) {
	if line == "" {
		return Sample{}, false
	}

	s, err := ParseLine(line)
	if err != nil {
		r.dropLine(err)
		return Sample{}, false
	}

	s.ReceivedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !s.ReceivedAt.After(r.last) {
		r.stale.Add(1)
		return Sample{}, false
	}
	r.last = s.ReceivedAt

	r.accepted.Add(1)
	return s, true
}

func (r *Reader) dropLine(err error) {
	r.malformed.Add(1)
	if r.warn.Allow() {
		r.logger.Printf("dropping line: %v", err)
	}
}

// emitFor sends ev unless the connection gen has since been replaced by Connect.
func (r *Reader) emitFor(gen uint64, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	r.emit(ev)
}

func (r *Reader) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Printf("feed event dropped: %s", ev.Kind)
	}
}
