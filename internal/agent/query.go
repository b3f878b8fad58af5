package agent

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"melodybrain/internal/proto"
)

// Query asks the server for the statistics of country and waits for the
// matching reply. Attempts that time out or return a malformed datagram are
// retried with jittered exponential backoff until MaxAttempts, Deadline or
// ctx runs out. Country must be non-zero; zero asks the server for no reply.
func (a *Agent) Query(ctx context.Context, country proto.Country) (proto.StatsReply, error) {
	if country == 0 {
		return proto.StatsReply{}, xerrors.New("query needs a non-zero country code")
	}
	a.queryMu.Lock()
	defer a.queryMu.Unlock()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	deadline := a.clock.AfterFunc(a.opts.Deadline, cancel, "agent", "deadline")
	defer deadline.Stop()
	// Wake a blocked read as soon as ctx ends. A wake-up already running is
	// waited for, so it cannot land on the next query's read.
	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woken)
		_ = a.conn.SetReadDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-woken
		}
	}()

	var (
		reply    proto.StatsReply
		attempts int
		lastErr  error
	)
	op := func() error {
		attempts++
		r, err := a.attempt(ctx, country)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		}
		reply = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		a.log.Debug(ctx, "query attempt failed",
			slog.F("country", country.String()),
			slog.F("attempt", attempts),
			slog.F("retry_in", wait),
			slog.Error(err),
		)
	}
	err := backoff.RetryNotifyWithTimer(op, a.newBackoff(ctx), notify, &clockTimer{clock: a.clock})
	if err == nil {
		return reply, nil
	}
	if perr := parent.Err(); perr != nil {
		return proto.StatsReply{}, xerrors.Errorf("query %s: %w", country, perr)
	}
	if lastErr == nil {
		lastErr = err
	}
	a.log.Warn(ctx, "query failed",
		slog.F("country", country.String()),
		slog.F("attempts", attempts),
		slog.Error(lastErr),
	)
	return proto.StatsReply{}, &UnavailableError{Attempts: attempts, Err: lastErr}
}

func (a *Agent) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.opts.BackoffInitial
	eb.MaxInterval = a.opts.BackoffMax
	eb.MaxElapsedTime = a.opts.Deadline
	eb.Clock = backoffClock{a.clock}
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(a.opts.MaxAttempts-1)), ctx)
}

// attempt sends one query heartbeat and reads until a reply for country
// arrives or the attempt times out. Replies for other countries are leftovers
// from earlier timed-out attempts and are skipped.
func (a *Agent) attempt(ctx context.Context, country proto.Country) (proto.StatsReply, error) {
	if err := ctx.Err(); err != nil {
		return proto.StatsReply{}, err
	}
	if err := a.send(proto.Heartbeat{Seed: a.seed.Load(), WantsCountry: country}); err != nil {
		return proto.StatsReply{}, xerrors.Errorf("send query: %w", err)
	}
	until := time.Now().Add(a.opts.AttemptTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(until) {
		until = d
	}
	if err := a.conn.SetReadDeadline(until); err != nil {
		return proto.StatsReply{}, xerrors.Errorf("set read deadline: %w", err)
	}
	for {
		n, err := a.conn.Read(a.buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return proto.StatsReply{}, ctxErr
			}
			return proto.StatsReply{}, xerrors.Errorf("read stats reply: %w", err)
		}
		reply, err := proto.DecodeStatsReply(a.buf[:n])
		if err != nil {
			return proto.StatsReply{}, err
		}
		if reply.Country != country {
			a.log.Debug(ctx, "skip stale reply",
				slog.F("want", country.String()), slog.F("got", reply.Country.String()))
			continue
		}
		return reply, nil
	}
}

// backoffClock adapts a quartz clock to the backoff package.
type backoffClock struct {
	clock quartz.Clock
}

func (c backoffClock) Now() time.Time {
	return c.clock.Now("agent", "backoff")
}

// clockTimer drives backoff sleeps from a quartz clock.
type clockTimer struct {
	clock quartz.Clock
	timer *quartz.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d, "agent", "backoff")
		return
	}
	t.timer.Reset(d, "agent", "backoff")
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop("agent", "backoff")
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
