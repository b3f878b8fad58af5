// Package agent is the client side of the presence protocol: it keeps the
// caller's bucket alive and fetches country statistics on demand.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"melodybrain/internal/proto"
)

// ErrUnavailable matches every UnavailableError.
var ErrUnavailable = xerrors.New("stats server unavailable")

// UnavailableError reports a Query that ran out of attempts or time. It
// wraps the error of the last failed attempt.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrUnavailable, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

const (
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultAttemptTimeout    = 2 * time.Second
	DefaultMaxAttempts       = 8
	DefaultDeadline          = 30 * time.Second
	DefaultBackoffInitial    = 200 * time.Millisecond
	DefaultBackoffMax        = 5 * time.Second
)

type Options struct {
	Logger            slog.Logger
	Clock             quartz.Clock
	KeepaliveInterval time.Duration
	// AttemptTimeout bounds the wait for a reply to one query datagram.
	AttemptTimeout time.Duration
	MaxAttempts    int
	// Deadline bounds a whole Query including backoff sleeps.
	Deadline       time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// InitialSeed is used when non-nil; otherwise a random seed is drawn.
	InitialSeed *int32
}

// Agent shares one connected UDP socket between the keep-alive loop and
// queries. Queries are serialized; keep-alives never wait for them.
type Agent struct {
	conn  net.Conn
	log   slog.Logger
	clock quartz.Clock
	opts  Options

	seed atomic.Int32

	queryMu sync.Mutex
	buf     []byte
}

func New(conn net.Conn, opts Options) *Agent {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = DefaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	a := &Agent{
		conn:  conn,
		log:   opts.Logger.Named("agent"),
		clock: opts.Clock,
		opts:  opts,
		buf:   make([]byte, proto.MaxDatagramSize),
	}
	if opts.InitialSeed != nil {
		a.seed.Store(*opts.InitialSeed)
	} else {
		a.seed.Store(randomSeed())
	}
	return a
}

// Dial connects a UDP socket to addr and wraps it in an Agent.
func Dial(ctx context.Context, addr string, opts Options) (*Agent, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, xerrors.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, opts), nil
}

func (a *Agent) Close() error {
	return a.conn.Close()
}

// LocalSeed returns the seed reported in every heartbeat.
func (a *Agent) LocalSeed() int32 {
	return a.seed.Load()
}

// Run sends a keep-alive every KeepaliveInterval until ctx is done. Ticks
// missed while a send is slow are skipped, not replayed.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info(ctx, "keep-alive started",
		slog.F("server", a.conn.RemoteAddr().String()),
		slog.F("interval", a.opts.KeepaliveInterval),
	)
	a.keepalive(ctx)
	w := a.clock.TickerFunc(ctx, a.opts.KeepaliveInterval, func() error {
		a.keepalive(ctx)
		return nil
	}, "agent", "keepalive")
	err := w.Wait()
	if xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (a *Agent) keepalive(ctx context.Context) {
	if err := a.send(proto.Heartbeat{Seed: a.seed.Load()}); err != nil {
		a.log.Warn(ctx, "send keep-alive", slog.Error(err))
	}
}

func (a *Agent) send(hb proto.Heartbeat) error {
	var b [proto.HeartbeatSize]byte
	_, err := a.conn.Write(proto.AppendHeartbeat(b[:0], hb))
	return err
}

func randomSeed() int32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return int32(binary.BigEndian.Uint32(b[:]))
}
