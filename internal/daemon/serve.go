package daemon

import (
	"context"
	"net"
	"net/netip"
	"os"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"melodybrain/internal/proto"
)

// Serve runs the loop on conn until ctx is done. It sweeps once before the
// first read so buckets left active by a previous run are evicted.
func (r *Runner) Serve(ctx context.Context, conn net.PacketConn) error {
	r.log.Info(ctx, "aggregation loop started",
		slog.F("listen", conn.LocalAddr().String()),
		slog.F("store", r.st.Path()),
		slog.F("sweep_interval_s", r.sweepEvery),
	)
	r.sweep(ctx, r.now())

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, proto.MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			r.log.Info(ctx, "aggregation loop stopped")
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
			return xerrors.Errorf("set read deadline: %w", err)
		}
		n, from, err := conn.ReadFrom(buf)
		now := r.now()
		switch {
		case err == nil:
			r.respond(ctx, conn, from, r.Handle(now, addrOf(from), buf[:n]))
		case xerrors.Is(err, net.ErrClosed):
			return nil
		case isTimeout(err):
		default:
			r.log.Warn(ctx, "read datagram", slog.Error(err))
		}
		r.MaybeSweep(ctx, now)
	}
}

func (r *Runner) respond(ctx context.Context, conn net.PacketConn, to net.Addr, reply []byte) {
	if reply == nil {
		return
	}
	if _, err := conn.WriteTo(reply, to); err != nil {
		r.metrics.IncSendErrors()
		r.log.Debug(ctx, "send stats reply", slog.F("to", to.String()), slog.Error(err))
		return
	}
	r.metrics.IncReplies()
}

func (r *Runner) now() uint64 {
	return uint64(r.clock.Now().Unix())
}

func addrOf(a net.Addr) netip.Addr {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.AddrPort().Addr()
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr()
}

func isTimeout(err error) bool {
	if xerrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return xerrors.As(err, &ne) && ne.Timeout()
}
