package agent_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"melodybrain/internal/agent"
	"melodybrain/internal/proto"
	"melodybrain/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

var (
	de = mustCountry("DE")
	fr = mustCountry("FR")
)

func mustCountry(iso string) proto.Country {
	c, ok := proto.ParseCountry(iso)
	if !ok {
		panic(iso)
	}
	return c
}

// fakeServer records every heartbeat and answers queries through respond,
// which gets the 1-based index of the query and returns datagrams to send.
type fakeServer struct {
	conn    net.PacketConn
	got     chan proto.Heartbeat
	queries atomic.Int32
}

func newFakeServer(t *testing.T, respond func(n int, hb proto.Heartbeat) [][]byte) *fakeServer {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{conn: conn, got: make(chan proto.Heartbeat, 64)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, proto.MaxDatagramSize)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			hb, err := proto.DecodeHeartbeat(buf[:n])
			if err != nil {
				continue
			}
			select {
			case s.got <- hb:
			default:
			}
			if hb.WantsCountry == 0 || respond == nil {
				continue
			}
			for _, out := range respond(int(s.queries.Add(1)), hb) {
				_, _ = conn.WriteTo(out, from)
			}
		}
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-done
	})
	return s
}

func statsFor(t *testing.T, c proto.Country, connected uint32, seed int32) []byte {
	t.Helper()
	b, err := proto.EncodeStatsReply(proto.StatsReply{
		Country:   c,
		Connected: connected,
		Seed:      seed,
		Heatmap:   make([]float32, proto.NumCountries),
	})
	require.NoError(t, err)
	return b
}

func echo(t *testing.T) func(int, proto.Heartbeat) [][]byte {
	return func(_ int, hb proto.Heartbeat) [][]byte {
		return [][]byte{statsFor(t, hb.WantsCountry, 7, 42)}
	}
}

func newAgent(t *testing.T, s *fakeServer, opts agent.Options) *agent.Agent {
	t.Helper()
	conn, err := net.Dial("udp4", s.conn.LocalAddr().String())
	require.NoError(t, err)
	opts.Logger = testutil.Logger(t)
	if opts.AttemptTimeout == 0 {
		opts.AttemptTimeout = 200 * time.Millisecond
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 5 * time.Millisecond
		opts.BackoffMax = 20 * time.Millisecond
	}
	a := agent.New(conn, opts)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func seedPtr(v int32) *int32 { return &v }

func TestRunSendsKeepalives(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(testutil.Context(t, testutil.WaitLong))
	defer cancel()
	clock := quartz.NewMock(t)
	trap := clock.Trap().TickerFunc("agent", "keepalive")
	defer trap.Close()

	s := newFakeServer(t, nil)
	a := newAgent(t, s, agent.Options{Clock: clock, InitialSeed: seedPtr(11)})

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	call := trap.MustWait(ctx)
	require.Equal(t, agent.DefaultKeepaliveInterval, call.Duration)
	call.MustRelease(ctx)

	hb := testutil.RequireReceive(ctx, t, s.got)
	require.Equal(t, proto.Heartbeat{Seed: 11}, hb)

	clock.Advance(agent.DefaultKeepaliveInterval).MustWait(ctx)
	hb = testutil.RequireReceive(ctx, t, s.got)
	require.Equal(t, proto.Heartbeat{Seed: 11}, hb)

	res, err := a.Seed(ctx, agent.NewLocal, 0)
	require.NoError(t, err)
	require.Nil(t, res.Stats)

	clock.Advance(agent.DefaultKeepaliveInterval).MustWait(ctx)
	hb = testutil.RequireReceive(ctx, t, s.got)
	require.Equal(t, res.Seed, hb.Seed, "keep-alive carries the new local seed")

	cancel()
	require.NoError(t, testutil.RequireReceive(testutil.Context(t, testutil.WaitShort), t, done))
}

func TestQuery(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	s := newFakeServer(t, echo(t))
	a := newAgent(t, s, agent.Options{InitialSeed: seedPtr(-5)})

	reply, err := a.Query(ctx, de)
	require.NoError(t, err)
	require.Equal(t, de, reply.Country)
	require.EqualValues(t, 7, reply.Connected)
	require.EqualValues(t, 42, reply.Seed)
	require.Len(t, reply.Heatmap, proto.NumCountries)

	hb := testutil.RequireReceive(ctx, t, s.got)
	require.Equal(t, proto.Heartbeat{Seed: -5, WantsCountry: de}, hb)
}

func TestQueryZeroCountry(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, echo(t))
	a := newAgent(t, s, agent.Options{})
	_, err := a.Query(context.Background(), 0)
	require.Error(t, err)
}

func TestQueryRetriesAfterTimeout(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	s := newFakeServer(t, func(n int, hb proto.Heartbeat) [][]byte {
		if n == 1 {
			return nil
		}
		return [][]byte{statsFor(t, hb.WantsCountry, 1, 2)}
	})
	a := newAgent(t, s, agent.Options{AttemptTimeout: 50 * time.Millisecond})

	reply, err := a.Query(ctx, fr)
	require.NoError(t, err)
	require.Equal(t, fr, reply.Country)
	require.EqualValues(t, 2, s.queries.Load())
}

func TestQueryRetriesAfterDecodeFailure(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	s := newFakeServer(t, func(n int, hb proto.Heartbeat) [][]byte {
		if n == 1 {
			return [][]byte{[]byte("not a reply")}
		}
		return [][]byte{statsFor(t, hb.WantsCountry, 1, 2)}
	})
	a := newAgent(t, s, agent.Options{})

	_, err := a.Query(ctx, fr)
	require.NoError(t, err)
	require.EqualValues(t, 2, s.queries.Load())
}

func TestQuerySkipsStaleReply(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	s := newFakeServer(t, func(_ int, hb proto.Heartbeat) [][]byte {
		return [][]byte{
			statsFor(t, proto.Worldwide, 100, 100),
			statsFor(t, hb.WantsCountry, 3, 4),
		}
	})
	a := newAgent(t, s, agent.Options{})

	reply, err := a.Query(ctx, de)
	require.NoError(t, err)
	require.Equal(t, de, reply.Country)
	require.EqualValues(t, 3, reply.Connected)
	require.EqualValues(t, 1, s.queries.Load())
}

func TestQueryUnavailable(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	s := newFakeServer(t, nil)
	a := newAgent(t, s, agent.Options{
		AttemptTimeout: 30 * time.Millisecond,
		MaxAttempts:    3,
	})

	_, err := a.Query(ctx, de)
	require.Error(t, err)
	require.True(t, xerrors.Is(err, agent.ErrUnavailable))
	var ue *agent.UnavailableError
	require.True(t, xerrors.As(err, &ue))
	require.Equal(t, 3, ue.Attempts)
	require.Error(t, ue.Err)
}

func TestQueryDeadline(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	s := newFakeServer(t, nil)
	a := newAgent(t, s, agent.Options{
		AttemptTimeout: 30 * time.Millisecond,
		MaxAttempts:    1000,
		Deadline:       300 * time.Millisecond,
	})

	start := time.Now()
	_, err := a.Query(ctx, de)
	require.True(t, xerrors.Is(err, agent.ErrUnavailable))
	require.Less(t, time.Since(start), testutil.WaitShort)
}

func TestQueryCallerCancel(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, nil)
	a := newAgent(t, s, agent.Options{AttemptTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := a.Query(ctx, de)
	require.True(t, xerrors.Is(err, context.DeadlineExceeded))
	require.False(t, xerrors.Is(err, agent.ErrUnavailable))
}

func TestQueryAfterCancelledQuery(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, func(n int, hb proto.Heartbeat) [][]byte {
		if n == 1 {
			return nil
		}
		return [][]byte{statsFor(t, hb.WantsCountry, 5, 6)}
	})
	// One long attempt: a stray read deadline from the cancelled query would
	// fail the second query outright.
	a := newAgent(t, s, agent.Options{AttemptTimeout: time.Minute, MaxAttempts: 1})

	cancelled, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Query(cancelled, de)
	require.True(t, xerrors.Is(err, context.DeadlineExceeded))

	reply, err := a.Query(testutil.Context(t, testutil.WaitLong), fr)
	require.NoError(t, err)
	require.Equal(t, fr, reply.Country)
	require.EqualValues(t, 5, reply.Connected)
}

func TestConcurrentQueriesGetTheirOwnReply(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	s := newFakeServer(t, echo(t))
	a := newAgent(t, s, agent.Options{})

	var wg sync.WaitGroup
	for _, c := range []proto.Country{de, fr, proto.Worldwide, de, fr} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := a.Query(ctx, c)
			if !assertNoError(t, err) {
				return
			}
			if reply.Country != c {
				t.Errorf("query %s got reply for %s", c, reply.Country)
			}
		}()
	}
	wg.Wait()
}

func assertNoError(t *testing.T, err error) bool {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		return false
	}
	return true
}
