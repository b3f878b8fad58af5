// Package network serves the admin status feed over QUIC.
package network

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	quic "github.com/quic-go/quic-go"
	"golang.org/x/xerrors"
)

const (
	maxIdleTimeout       = 30 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 5 * time.Second

	defaultMaxConnsPerIP   = 4
	defaultMaxStreamsPerIP = 8

	statusRequest = "status"
	maxRequestLen = 64
	maxStatusLen  = 1 << 20
)

type ServerOptions struct {
	Logger slog.Logger
	Secret string
	// Status returns the document served on each stream.
	Status          func() Status
	MaxConnsPerIP   int
	MaxStreamsPerIP int
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// ListenAndServe serves the feed on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, opts ServerOptions) error {
	return ListenAndServeWithReady(ctx, addr, nil, opts)
}

// ListenAndServeWithReady sends the bound address on ready once listening.
func ListenAndServeWithReady(ctx context.Context, addr string, ready chan<- net.Addr, opts ServerOptions) error {
	if opts.Status == nil {
		return xerrors.New("status source is required")
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	tlsConf, err := serverTLSConfig(opts.Secret)
	if err != nil {
		return err
	}
	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return xerrors.Errorf("listen admin feed on %s: %w", addr, err)
	}
	defer udpConn.Close()
	// Handlers exit once the transport closes their connections.
	var wg sync.WaitGroup
	defer wg.Wait()
	// Closing the transport, not just the listener, stops its read and send
	// loops even while a failed handshake is still draining.
	tr := &quic.Transport{Conn: udpConn}
	defer tr.Close()
	listener, err := tr.Listen(tlsConf, quicConfig())
	if err != nil {
		return xerrors.Errorf("listen admin feed on %s: %w", addr, err)
	}
	defer listener.Close()

	log := opts.Logger.Named("admin")
	log.Info(ctx, "admin feed listening", slog.F("addr", listener.Addr().String()))
	if ready != nil {
		ready <- listener.Addr()
	}

	lim := newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP)
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("accept admin connection: %w", err)
		}
		ip := remoteIP(conn.RemoteAddr())
		if !lim.acquireConn(ip) {
			log.Debug(ctx, "admin connection refused", slog.F("remote", ip.String()))
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer lim.releaseConn(ip)
			serveConn(ctx, log, conn, ip, lim, opts.Status)
		}()
	}
}

func serveConn(ctx context.Context, log slog.Logger, conn *quic.Conn, ip netip.Addr, lim *ipLimiter, status func() Status) {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !lim.acquireStream(ip) {
			stream.CancelRead(0)
			stream.CancelWrite(0)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer lim.releaseStream(ip)
			if err := serveStream(stream, status); err != nil {
				log.Debug(ctx, "admin stream", slog.F("remote", ip.String()), slog.Error(err))
			}
		}()
	}
}

func serveStream(stream *quic.Stream, status func() Status) error {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(streamRWTimeout))
	req, err := io.ReadAll(io.LimitReader(stream, maxRequestLen))
	if err != nil {
		return xerrors.Errorf("read request: %w", err)
	}
	if string(req) != statusRequest {
		stream.CancelWrite(0)
		return xerrors.Errorf("unknown request %q", req)
	}
	if err := json.NewEncoder(stream).Encode(status()); err != nil {
		return xerrors.Errorf("write status: %w", err)
	}
	return nil
}

// Fetch dials the feed at addr, pinning the certificate derived from secret,
// and returns one status document.
func Fetch(ctx context.Context, addr, secret string) (Status, error) {
	tlsConf, err := clientTLSConfig(secret)
	if err != nil {
		return Status{}, err
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return Status{}, xerrors.Errorf("resolve admin feed %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return Status{}, xerrors.Errorf("open client socket: %w", err)
	}
	defer udpConn.Close()
	tr := &quic.Transport{Conn: udpConn}
	defer tr.Close()
	conn, err := tr.Dial(ctx, raddr, tlsConf, quicConfig())
	if err != nil {
		return Status{}, xerrors.Errorf("dial admin feed %s: %w", addr, err)
	}
	defer conn.CloseWithError(0, "client done")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return Status{}, xerrors.Errorf("open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	} else {
		_ = stream.SetDeadline(time.Now().Add(streamRWTimeout))
	}
	if _, err := io.WriteString(stream, statusRequest); err != nil {
		return Status{}, xerrors.Errorf("write request: %w", err)
	}
	// Close only ends our send side; the response is still readable.
	if err := stream.Close(); err != nil {
		return Status{}, xerrors.Errorf("close request: %w", err)
	}
	var st Status
	if err := json.NewDecoder(io.LimitReader(stream, maxStatusLen)).Decode(&st); err != nil {
		return Status{}, xerrors.Errorf("decode status: %w", err)
	}
	return st, nil
}

func remoteIP(a net.Addr) netip.Addr {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
