// Package daemon runs the aggregation loop: it applies heartbeats to the
// presence store, answers stats queries and evicts silent buckets.
package daemon

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"melodybrain/internal/geo"
	"melodybrain/internal/metrics"
	"melodybrain/internal/network"
	"melodybrain/internal/proto"
	"melodybrain/internal/store"
)

const (
	// DedupSeconds is the minimum gap between two refreshes of one bucket.
	DedupSeconds = 10

	defaultSweepInterval = 20 * time.Second
	defaultReadTimeout   = time.Second
	dropLogInterval      = time.Minute
)

type Options struct {
	Logger  slog.Logger
	Clock   quartz.Clock
	Metrics *metrics.Metrics
	// SweepInterval is truncated to whole seconds.
	SweepInterval time.Duration
	// ReadTimeout bounds each socket read so the loop wakes for sweeps.
	ReadTimeout time.Duration
	// SnapshotPath, when set, receives a JSON metrics snapshot after each sweep.
	SnapshotPath string
}

// Runner owns the store. Handle, MaybeSweep and Serve must be called from a
// single goroutine; Snapshot is safe from any goroutine.
type Runner struct {
	st       *store.Store
	geo      geo.Resolver
	log      slog.Logger
	clock    quartz.Clock
	metrics  *metrics.Metrics
	snapPath string

	sweepEvery  uint64
	readTimeout time.Duration
	lastSweep   uint64

	heat    []float32
	buf     []byte
	dropLog *logLimiter

	status atomic.Pointer[network.Status]
}

func New(st *store.Store, resolver geo.Resolver, opts Options) *Runner {
	if resolver == nil {
		resolver = geo.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	r := &Runner{
		st:          st,
		geo:         resolver,
		log:         opts.Logger.Named("daemon"),
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		snapPath:    opts.SnapshotPath,
		sweepEvery:  uint64(opts.SweepInterval / time.Second),
		readTimeout: opts.ReadTimeout,
		heat:        make([]float32, 0, proto.NumCountries),
		buf:         make([]byte, 0, proto.StatsReplySize(proto.NumCountries)),
		dropLog:     newLogLimiter(dropLogInterval),
	}
	r.observeWorldwide()
	r.publish()
	return r
}

// Handle applies one datagram from src at unix time now and returns the
// reply to send, or nil. The returned slice is reused by the next call.
func (r *Runner) Handle(now uint64, src netip.Addr, payload []byte) []byte {
	r.metrics.IncReceived()
	src = src.Unmap()
	if !src.Is4() {
		r.metrics.IncDrop(metrics.DropNonIPv4)
		return nil
	}
	bucket, ok := store.Bucket(src)
	if !ok {
		r.metrics.IncDrop(metrics.DropOutOfRange)
		return nil
	}
	hb, err := proto.DecodeHeartbeat(payload)
	if err != nil {
		r.metrics.IncDrop(metrics.DropDecode)
		if r.dropLog.allow(bucket, r.clock.Now()) {
			r.log.Debug(context.Background(), "drop malformed datagram",
				slog.F("src", src.String()), slog.F("len", len(payload)), slog.Error(err))
		}
		return nil
	}

	rec := r.st.IP(bucket)
	switch {
	case !rec.Created():
		rec = store.IPRecord{FirstSeen: now, LastSeen: now, Country: r.resolve(src)}
		r.st.SetIP(bucket, rec)
		r.updateAggregates(rec.Country, func(a *store.CountryAggregate) {
			a.Unique++
			a.Active++
		})
		r.metrics.IncCreated()
		r.observeWorldwide()
	case !rec.Active():
		// The country is kept from the first sighting.
		rec.FirstSeen = now
		rec.LastSeen = now
		r.st.SetIP(bucket, rec)
		r.updateAggregates(rec.Country, func(a *store.CountryAggregate) { a.Active++ })
		r.metrics.IncReactivated()
		r.observeWorldwide()
	case now > rec.LastSeen && now-rec.LastSeen > DedupSeconds:
		diff := uint32(now - rec.LastSeen)
		rec.CumDuration += diff
		rec.LastSeen = now
		rec.Hits++
		r.st.SetIP(bucket, rec)
		r.updateAggregates(rec.Country, func(a *store.CountryAggregate) {
			a.Smooth(hb.Seed)
			a.CumDuration += diff
		})
		r.metrics.IncRefreshed()
	default:
		r.metrics.IncDeduped()
	}

	if hb.WantsCountry == 0 {
		return nil
	}
	return r.reply(hb.WantsCountry)
}

func (r *Runner) reply(c proto.Country) []byte {
	agg := r.st.Country(c)
	r.heat = r.st.Heatmap(r.heat)
	out, err := proto.AppendStatsReply(r.buf[:0], proto.StatsReply{
		Country:   c,
		Connected: agg.Active,
		Seed:      int32(agg.Seed),
		Heatmap:   r.heat,
	})
	if err != nil {
		r.log.Error(context.Background(), "encode stats reply", slog.Error(err))
		return nil
	}
	r.buf = out
	return out
}

func (r *Runner) resolve(src netip.Addr) proto.Country {
	c, ok := r.geo.Lookup(src)
	if !ok || !c.Known() {
		return proto.Unknown
	}
	return c
}

// updateAggregates applies fn to the country and to the worldwide aggregate.
func (r *Runner) updateAggregates(c proto.Country, fn func(*store.CountryAggregate)) {
	if c != proto.Worldwide {
		r.st.UpdateCountry(c, fn)
	}
	r.st.UpdateCountry(proto.Worldwide, fn)
}

func (r *Runner) observeWorldwide() {
	ww := r.st.Country(proto.Worldwide)
	r.metrics.SetWorldwide(ww.Active, ww.Unique)
}

// MaybeSweep evicts stale buckets once more than the sweep interval has
// passed since the previous sweep. It reports whether a sweep ran.
func (r *Runner) MaybeSweep(ctx context.Context, now uint64) bool {
	if now <= r.lastSweep || now-r.lastSweep <= r.sweepEvery {
		return false
	}
	r.sweep(ctx, now)
	return true
}

func (r *Runner) sweep(ctx context.Context, now uint64) {
	start := r.clock.Now()
	res := r.st.Sweep(now)
	took := r.clock.Since(start)
	r.lastSweep = now

	r.metrics.ObserveSweep(res.Evicted, took)
	r.observeWorldwide()
	if err := r.st.Flush(); err != nil {
		r.log.Warn(ctx, "flush store", slog.Error(err))
	}
	r.publish()
	if err := r.metrics.WriteSnapshot(r.snapPath); err != nil {
		r.log.Warn(ctx, "write metrics snapshot", slog.F("path", r.snapPath), slog.Error(err))
	}

	fields := []slog.Field{
		slog.F("live", res.Live),
		slog.F("evicted", res.Evicted),
		slog.F("took", took),
	}
	if res.Evicted > 0 {
		r.log.Info(ctx, "sweep", fields...)
		return
	}
	r.log.Debug(ctx, "sweep", fields...)
}

func (r *Runner) publish() {
	aggs := r.st.Aggregates()
	st := &network.Status{
		GeneratedAt: r.clock.Now().UTC(),
		Store:       r.st.Path(),
		Metrics:     r.metrics.Snapshot(),
		Countries:   make([]network.CountryStatus, 0, len(aggs)),
	}
	for _, a := range aggs {
		st.Countries = append(st.Countries, network.CountryStatus{
			Country:     a.Country.String(),
			Active:      a.Active,
			Unique:      a.Unique,
			Seed:        int32(a.Seed),
			CumDuration: a.CumDuration,
		})
	}
	r.status.Store(st)
}

// Snapshot returns the status published by the most recent sweep.
func (r *Runner) Snapshot() network.Status {
	return *r.status.Load()
}
