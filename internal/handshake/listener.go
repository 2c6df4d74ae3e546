package handshake

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/HMasataka/tlsserve/pkg/retry"
	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
)

// Conn is a connection that still has to complete its TLS handshake. *tls.Conn satisfies it.
type Conn interface {
	net.Conn
	HandshakeContext(ctx context.Context) error
}

// Options configures a Listener
type Options struct {
	// Workers bounds the number of handshakes in flight
	Workers int
	// MaxPending bounds handshaken connections waiting for Accept. Zero means unbounded.
	MaxPending int
	// HandshakeTimeout of zero leaves the handshake without a deadline
	HandshakeTimeout time.Duration
	Backoff          retry.Config
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		Workers:    16,
		MaxPending: 128,
		Backoff:    retry.DefaultConfig(),
	}
}

// Listener accepts connections from an inner listener, completes their TLS
// handshakes on a worker pool and hands only established connections to Accept.
// A failed handshake closes that connection and nothing else.
type Listener struct {
	ctx     context.Context
	cancel  context.CancelFunc
	inner   net.Listener
	options Options
	pool    *workerpool.WorkerPool

	mu      sync.Mutex
	pending deque.Deque[net.Conn]
	closed  bool
	err     error

	ready    chan struct{}
	done     chan struct{}
	failed   chan struct{}
	loopDone chan struct{}
}

var _ net.Listener = (*Listener)(nil)

// NewListener starts the accept loop on inner. The returned listener owns inner.
func NewListener(ctx context.Context, inner net.Listener, options Options) *Listener {
	ctx, cancel := context.WithCancel(ctx)

	if options.Workers <= 0 {
		options.Workers = 1
	}
	if options.Backoff == (retry.Config{}) {
		options.Backoff = retry.DefaultConfig()
	}

	l := &Listener{
		ctx:      ctx,
		cancel:   cancel,
		inner:    inner,
		options:  options,
		pool:     workerpool.New(options.Workers),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		failed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	go l.acceptLoop()

	return l
}

func (l *Listener) acceptLoop() {
	defer close(l.loopDone)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	attempt := 0
	for {
		c, err := l.inner.Accept()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}

			if retry.ShouldRetry(err) {
				delay := l.options.Backoff.Next(attempt)
				attempt++
				slog.Warn("accept failed, retrying", "error", err, "delay", delay)

				if timer == nil {
					timer = time.NewTimer(delay)
				} else {
					timer.Reset(delay)
				}

				select {
				case <-timer.C:
					continue
				case <-l.ctx.Done():
					return
				}
			}

			l.fail(err)
			return
		}
		attempt = 0

		conn, ok := c.(Conn)
		if !ok {
			// 平文のリスナー。ハンドシェイク不要
			l.enqueue(c)
			continue
		}

		l.Handle(conn)
	}
}

// Handle schedules the handshake of conn on the worker pool.
func (l *Listener) Handle(conn Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		conn.Close()
		return
	}

	l.pool.Submit(func() {
		l.handshake(conn)
	})
}

func (l *Listener) handshake(conn Conn) {
	ctx := l.ctx
	if l.options.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.options.HandshakeTimeout)
		defer cancel()
	}

	if err := conn.HandshakeContext(ctx); err != nil {
		slog.Warn("tls handshake failed", "remote_addr", addrString(conn.RemoteAddr()), "error", err)
		conn.Close()
		return
	}

	l.enqueue(conn)
}

func (l *Listener) enqueue(c net.Conn) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		c.Close()
		return
	}

	if l.options.MaxPending > 0 && l.pending.Len() >= l.options.MaxPending {
		l.mu.Unlock()
		slog.Warn("pending queue full, dropping connection",
			"remote_addr", addrString(c.RemoteAddr()),
			"max_pending", l.options.MaxPending,
			"waiting", l.Waiting(),
		)
		c.Close()
		return
	}

	l.pending.PushBack(c)
	l.mu.Unlock()

	l.signal()
}

func (l *Listener) signal() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *Listener) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()

	slog.Error("accept loop stopped", "error", err)
	close(l.failed)
}

// Accept returns the next connection whose handshake has completed.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, net.ErrClosed
		}

		if l.pending.Len() > 0 {
			c := l.pending.PopFront()
			more := l.pending.Len() > 0
			l.mu.Unlock()

			if more {
				l.signal()
			}
			return c, nil
		}

		if l.err != nil {
			err := l.err
			l.mu.Unlock()
			return nil, err
		}
		l.mu.Unlock()

		select {
		case <-l.ready:
		case <-l.failed:
		case <-l.done:
		}
	}
}

// Close stops accepting, waits for in-flight handshakes and closes every
// connection that was never returned by Accept.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true

	var pending []net.Conn
	for l.pending.Len() > 0 {
		pending = append(pending, l.pending.PopFront())
	}
	l.mu.Unlock()

	close(l.done)
	l.cancel()

	err := l.inner.Close()
	<-l.loopDone
	l.pool.StopWait()

	for _, c := range pending {
		c.Close()
	}

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Pending returns the number of established connections waiting for Accept.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Len()
}

// Waiting returns the number of handshakes queued behind busy workers.
func (l *Listener) Waiting() int {
	return l.pool.WaitingQueueSize()
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
