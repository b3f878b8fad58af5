package store

import (
	"encoding/binary"
	"net/netip"
	"os"
	"path/filepath"

	"go4.org/netipx"
	"golang.org/x/xerrors"

	"melodybrain/internal/proto"
)

const (
	// NumBuckets covers the whole IPv4 space shifted right by 8 bits.
	NumBuckets = 1 << 24
	FileSize   = NumBuckets * RecordSize

	// TTLSeconds is how long a bucket stays active without a heartbeat.
	TTLSeconds = 10

	// Buckets below FirstUnicastBucket belong to 0.0.0.0/8, which no client
	// reports from. That range holds the country aggregates, indexed by code.
	FirstUnicastBucket = 0x010000
	LastUnicastBucket  = 0xdfffff
)

var unicast = netipx.IPRangeFrom(
	netip.AddrFrom4([4]byte{1, 0, 0, 0}),
	netip.AddrFrom4([4]byte{223, 255, 255, 255}),
)

// ErrUnsupportedPlatform is returned by Open where sparse shared mappings
// are not available.
var ErrUnsupportedPlatform = xerrors.New("sparse memory-mapped store is not supported on this platform")

// ErrNotAStore is returned by OpenReadOnly for files that were never sized
// by Open.
var ErrNotAStore = xerrors.New("file is not a presence store")

// Store is the presence database: one flat array of fixed-size slots mapped
// from a sparse file. It is not safe for concurrent use; the aggregation loop
// is its only user.
type Store struct {
	path     string
	f        *os.File
	data     []byte
	readOnly bool
}

// Open creates or opens the backing file, sizes it without writing zeros and
// maps it shared. Only touched pages cost memory or disk.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, xerrors.Errorf("create store dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, xerrors.Errorf("open store: %w", err)
	}
	if err := f.Truncate(FileSize); err != nil {
		_ = f.Close()
		return nil, xerrors.Errorf("size store: %w", err)
	}
	data, err := mapFile(f, FileSize, true)
	if err != nil {
		_ = f.Close()
		return nil, xerrors.Errorf("map store: %w", err)
	}
	return &Store{path: path, f: f, data: data}, nil
}

// OpenReadOnly maps an existing store for reading. It never creates or
// resizes the file. Calling a setter on the result panics.
func OpenReadOnly(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open store: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, xerrors.Errorf("stat store: %w", err)
	}
	if !fi.Mode().IsRegular() || fi.Size() != FileSize {
		_ = f.Close()
		return nil, xerrors.Errorf("%s: %w", path, ErrNotAStore)
	}
	data, err := mapFile(f, FileSize, false)
	if err != nil {
		_ = f.Close()
		return nil, xerrors.Errorf("map store: %w", err)
	}
	return &Store{path: path, f: f, data: data, readOnly: true}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Flush schedules dirty pages for write-back.
func (s *Store) Flush() error {
	if s.readOnly {
		return nil
	}
	return syncMapping(s.data, false)
}

func (s *Store) Close() error {
	if s.data == nil {
		return nil
	}
	var err error
	if !s.readOnly {
		err = syncMapping(s.data, true)
	}
	if uerr := unmapFile(s.data); uerr != nil && err == nil {
		err = uerr
	}
	s.data = nil
	if cerr := s.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Bucket returns the slot index of a client address. Only canonical IPv4
// unicast addresses have a bucket.
func Bucket(addr netip.Addr) (uint32, bool) {
	addr = addr.Unmap()
	if !addr.Is4() || !unicast.Contains(addr) {
		return 0, false
	}
	a := addr.As4()
	return binary.BigEndian.Uint32(a[:]) >> 8, true
}

func (s *Store) slot(idx uint32) []byte {
	off := int(idx) * RecordSize
	return s.data[off : off+RecordSize : off+RecordSize]
}

// IP reads the record of a unicast bucket.
func (s *Store) IP(bucket uint32) IPRecord {
	return decodeIPRecord(s.slot(bucket))
}

func (s *Store) SetIP(bucket uint32, r IPRecord) {
	r.encode(s.writable(bucket))
}

// writable is slot for setters; a read-only mapping would fault instead.
func (s *Store) writable(idx uint32) []byte {
	if s.readOnly {
		panic("store: write to read-only store " + s.path)
	}
	return s.slot(idx)
}

// Country reads the aggregate of a country code, Worldwide included.
func (s *Store) Country(c proto.Country) CountryAggregate {
	return decodeCountryAggregate(s.slot(uint32(c)))
}

func (s *Store) SetCountry(c proto.Country, a CountryAggregate) {
	a.encode(s.writable(uint32(c)))
}

// UpdateCountry applies fn to the aggregate of c and writes it back.
func (s *Store) UpdateCountry(c proto.Country, fn func(*CountryAggregate)) {
	a := s.Country(c)
	fn(&a)
	s.SetCountry(c, a)
}

// Heatmap appends, for every known country code, its share of the worldwide
// active count. With no active buckets every share is zero.
func (s *Store) Heatmap(dst []float32) []float32 {
	dst = dst[:0]
	world := s.Country(proto.Worldwide).Active
	for c := 0; c < proto.NumCountries; c++ {
		if world == 0 {
			dst = append(dst, 0)
			continue
		}
		dst = append(dst, float32(s.Country(proto.Country(c)).Active)/float32(world))
	}
	return dst
}

// CountryStat is an aggregate tagged with its code.
type CountryStat struct {
	Country proto.Country
	CountryAggregate
}

// Aggregates lists every country that was ever seen, Worldwide last.
func (s *Store) Aggregates() []CountryStat {
	var out []CountryStat
	for c := 0; c < proto.NumCountries; c++ {
		a := s.Country(proto.Country(c))
		if a.Unique == 0 {
			continue
		}
		out = append(out, CountryStat{Country: proto.Country(c), CountryAggregate: a})
	}
	return append(out, CountryStat{Country: proto.Worldwide, CountryAggregate: s.Country(proto.Worldwide)})
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Live    int
	Evicted int
}

// Sweep evicts every active bucket whose last heartbeat is more than
// TTLSeconds before now. Inactive buckets are skipped, so each record is
// evicted at most once. The scan covers the whole unicast range regardless
// of how many buckets are live.
func (s *Store) Sweep(now uint64) SweepResult {
	var (
		res     SweepResult
		evicted [256]uint32
	)
	for idx := uint32(FirstUnicastBucket); idx <= LastUnicastBucket; idx++ {
		b := s.slot(idx)
		if binary.LittleEndian.Uint64(b[0:8]) == 0 {
			continue
		}
		last := binary.LittleEndian.Uint64(b[8:16])
		if last == 0 {
			continue
		}
		if now <= last || now-last <= TTLSeconds {
			res.Live++
			continue
		}
		r := decodeIPRecord(b)
		r.CumDuration += uint32(now - last)
		r.LastSeen = 0
		r.encode(s.writable(idx))
		evicted[r.Country]++
		res.Evicted++
	}
	if res.Evicted == 0 {
		return res
	}
	for c, n := range evicted {
		if n == 0 || proto.Country(c) == proto.Worldwide {
			continue
		}
		s.UpdateCountry(proto.Country(c), func(a *CountryAggregate) { a.Active = saturatingSub(a.Active, n) })
	}
	s.UpdateCountry(proto.Worldwide, func(a *CountryAggregate) {
		a.Active = saturatingSub(a.Active, uint32(res.Evicted))
	})
	return res
}

func saturatingSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}
