package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DropReason names why a datagram was discarded without a state change.
type DropReason int

const (
	DropDecode DropReason = iota
	DropNonIPv4
	DropOutOfRange
	numDropReasons
)

func (r DropReason) String() string {
	switch r {
	case DropDecode:
		return "decode"
	case DropNonIPv4:
		return "non_ipv4"
	case DropOutOfRange:
		return "out_of_range"
	default:
		return "unknown"
	}
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Datagrams    DatagramMetrics   `json:"datagrams"`
	Presence     PresenceMetrics   `json:"presence"`
	Sweep        SweepMetrics      `json:"sweep"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
}

type DatagramMetrics struct {
	Received   uint64 `json:"received"`
	Replies    uint64 `json:"replies"`
	SendErrors uint64 `json:"send_errors"`
}

type PresenceMetrics struct {
	Created     uint64 `json:"created"`
	Reactivated uint64 `json:"reactivated"`
	Refreshed   uint64 `json:"refreshed"`
	Deduped     uint64 `json:"deduped"`
	Active      uint32 `json:"active"`
	Unique      uint32 `json:"unique"`
}

type SweepMetrics struct {
	Runs         uint64        `json:"runs"`
	Evicted      uint64        `json:"evicted"`
	LastDuration time.Duration `json:"last_duration"`
}

// Metrics is safe for concurrent use. The aggregation loop writes it; the
// admin feed and the Prometheus handler read it.
type Metrics struct {
	received     atomic.Uint64
	replies      atomic.Uint64
	sendErrors   atomic.Uint64
	created      atomic.Uint64
	reactivated  atomic.Uint64
	refreshed    atomic.Uint64
	deduped      atomic.Uint64
	sweeps       atomic.Uint64
	evicted      atomic.Uint64
	lastSweep    atomic.Int64
	active       atomic.Uint32
	unique       atomic.Uint32
	dropByReason [numDropReasons]atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncReceived()    { m.received.Add(1) }
func (m *Metrics) IncReplies()     { m.replies.Add(1) }
func (m *Metrics) IncSendErrors()  { m.sendErrors.Add(1) }
func (m *Metrics) IncCreated()     { m.created.Add(1) }
func (m *Metrics) IncReactivated() { m.reactivated.Add(1) }
func (m *Metrics) IncRefreshed()   { m.refreshed.Add(1) }
func (m *Metrics) IncDeduped()     { m.deduped.Add(1) }

func (m *Metrics) IncDrop(r DropReason) {
	if r < 0 || r >= numDropReasons {
		return
	}
	m.dropByReason[r].Add(1)
}

func (m *Metrics) ObserveSweep(evicted int, took time.Duration) {
	m.sweeps.Add(1)
	m.evicted.Add(uint64(evicted))
	m.lastSweep.Store(int64(took))
}

// SetWorldwide records the current worldwide active and unique counts.
func (m *Metrics) SetWorldwide(active, unique uint32) {
	m.active.Store(active)
	m.unique.Store(unique)
}

func (m *Metrics) Snapshot() Snapshot {
	drops := make(map[string]uint64, numDropReasons)
	for r := DropReason(0); r < numDropReasons; r++ {
		drops[r.String()] = m.dropByReason[r].Load()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Datagrams: DatagramMetrics{
			Received:   m.received.Load(),
			Replies:    m.replies.Load(),
			SendErrors: m.sendErrors.Load(),
		},
		Presence: PresenceMetrics{
			Created:     m.created.Load(),
			Reactivated: m.reactivated.Load(),
			Refreshed:   m.refreshed.Load(),
			Deduped:     m.deduped.Load(),
			Active:      m.active.Load(),
			Unique:      m.unique.Load(),
		},
		Sweep: SweepMetrics{
			Runs:         m.sweeps.Load(),
			Evicted:      m.evicted.Load(),
			LastDuration: time.Duration(m.lastSweep.Load()),
		},
		DropByReason: drops,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Register exposes the counters as melodybrain_* metrics.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "melodybrain",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "melodybrain",
			Name:      name,
			Help:      help,
		}, fn)
	}
	collectors := []prometheus.Collector{
		counter("datagrams_received_total", "Datagrams read from the socket.", &m.received),
		counter("replies_sent_total", "Stats replies sent.", &m.replies),
		counter("send_errors_total", "Stats replies that failed to send.", &m.sendErrors),
		counter("buckets_created_total", "Buckets seen for the first time.", &m.created),
		counter("buckets_reactivated_total", "Evicted buckets that came back.", &m.reactivated),
		counter("buckets_refreshed_total", "Heartbeats that refreshed a bucket and moved the seed.", &m.refreshed),
		counter("heartbeats_deduped_total", "Heartbeats inside the dedup window.", &m.deduped),
		counter("sweeps_total", "Sweep passes.", &m.sweeps),
		counter("buckets_evicted_total", "Buckets evicted by sweeps.", &m.evicted),
		gauge("active_buckets", "Currently active buckets worldwide.", func() float64 { return float64(m.active.Load()) }),
		gauge("unique_buckets", "Buckets ever seen worldwide.", func() float64 { return float64(m.unique.Load()) }),
		gauge("last_sweep_seconds", "Duration of the last sweep.", func() float64 {
			return time.Duration(m.lastSweep.Load()).Seconds()
		}),
	}
	for r := DropReason(0); r < numDropReasons; r++ {
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "melodybrain",
			Name:        "datagrams_dropped_total",
			Help:        "Datagrams dropped without a state change.",
			ConstLabels: prometheus.Labels{"reason": r.String()},
		}, func(v *atomic.Uint64) func() float64 {
			return func() float64 { return float64(v.Load()) }
		}(&m.dropByReason[r])))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
