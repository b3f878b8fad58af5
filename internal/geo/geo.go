// Package geo resolves client addresses to country codes.
package geo

import (
	"net"
	"net/netip"

	"github.com/oschwald/maxminddb-golang"
	"go4.org/netipx"
	"golang.org/x/xerrors"

	"melodybrain/internal/proto"
)

// Resolver maps an address to a country. A miss is a normal outcome; callers
// fall back to proto.Unknown. Implementations must be safe for concurrent
// reads.
type Resolver interface {
	Lookup(ip netip.Addr) (proto.Country, bool)
}

// MaxMind reads a GeoLite2/GeoIP2 country database.
type MaxMind struct {
	db *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// OpenMaxMind maps the database read-only.
func OpenMaxMind(path string) (*MaxMind, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open geoip database %q: %w", path, err)
	}
	return &MaxMind{db: db}, nil
}

func (m *MaxMind) Lookup(ip netip.Addr) (proto.Country, bool) {
	var rec countryRecord
	if err := m.db.Lookup(net.IP(ip.Unmap().AsSlice()), &rec); err != nil {
		return proto.Unknown, false
	}
	return known(rec.Country.ISOCode)
}

func (m *MaxMind) Close() error {
	return m.db.Close()
}

func known(iso string) (proto.Country, bool) {
	c, ok := proto.ParseCountry(iso)
	if !ok || !c.Known() {
		return proto.Unknown, false
	}
	return c, true
}

// Static resolves from a fixed prefix table. It backs tests and servers run
// without a geoip database.
type Static struct {
	sets []staticSet
}

type staticSet struct {
	country proto.Country
	set     *netipx.IPSet
}

// NewStatic builds a resolver from ISO code to CIDR prefixes.
func NewStatic(table map[string][]string) (*Static, error) {
	s := &Static{}
	for iso, prefixes := range table {
		c, ok := known(iso)
		if !ok {
			return nil, xerrors.Errorf("unknown country code %q", iso)
		}
		var b netipx.IPSetBuilder
		for _, p := range prefixes {
			pfx, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, xerrors.Errorf("parse prefix %q: %w", p, err)
			}
			b.AddPrefix(pfx)
		}
		set, err := b.IPSet()
		if err != nil {
			return nil, xerrors.Errorf("build prefix set for %s: %w", iso, err)
		}
		s.sets = append(s.sets, staticSet{country: c, set: set})
	}
	return s, nil
}

func (s *Static) Lookup(ip netip.Addr) (proto.Country, bool) {
	ip = ip.Unmap()
	for _, e := range s.sets {
		if e.set.Contains(ip) {
			return e.country, true
		}
	}
	return proto.Unknown, false
}

// Nop never resolves.
type Nop struct{}

func (Nop) Lookup(netip.Addr) (proto.Country, bool) {
	return proto.Unknown, false
}
