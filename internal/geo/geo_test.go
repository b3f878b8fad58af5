package geo_test

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
	"github.com/stretchr/testify/require"

	"melodybrain/internal/geo"
	"melodybrain/internal/proto"
)

func TestStatic(t *testing.T) {
	t.Parallel()
	r, err := geo.NewStatic(map[string][]string{
		"US": {"8.8.8.0/24", "4.0.0.0/8"},
		"fr": {"90.0.0.0/8"},
	})
	require.NoError(t, err)

	us, _ := proto.ParseCountry("US")
	fr, _ := proto.ParseCountry("FR")
	cases := []struct {
		ip      string
		country proto.Country
		ok      bool
	}{
		{ip: "8.8.8.8", country: us, ok: true},
		{ip: "4.3.2.1", country: us, ok: true},
		{ip: "::ffff:90.1.2.3", country: fr, ok: true},
		{ip: "8.8.9.8", country: proto.Unknown},
		{ip: "2001:db8::1", country: proto.Unknown},
	}
	for _, tc := range cases {
		c, ok := r.Lookup(netip.MustParseAddr(tc.ip))
		require.Equal(t, tc.ok, ok, tc.ip)
		require.Equal(t, tc.country, c, tc.ip)
	}
}

func TestStaticRejectsBadInput(t *testing.T) {
	t.Parallel()
	_, err := geo.NewStatic(map[string][]string{"XX": {"1.0.0.0/8"}})
	require.Error(t, err)
	_, err = geo.NewStatic(map[string][]string{"WW": {"1.0.0.0/8"}})
	require.Error(t, err)
	_, err = geo.NewStatic(map[string][]string{"US": {"not-a-prefix"}})
	require.Error(t, err)
}

func TestNop(t *testing.T) {
	t.Parallel()
	c, ok := geo.Nop{}.Lookup(netip.MustParseAddr("8.8.8.8"))
	require.False(t, ok)
	require.Equal(t, proto.Unknown, c)
}

func TestOpenMaxMindMissingFile(t *testing.T) {
	t.Parallel()
	_, err := geo.OpenMaxMind(filepath.Join(t.TempDir(), "missing.mmdb"))
	require.Error(t, err)
}

// writeCountryDB builds a country database mapping each CIDR to its record.
func writeCountryDB(t *testing.T, networks map[string]mmdbtype.DataType) string {
	t.Helper()
	w, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType: "GeoLite2-Country",
		RecordSize:   24,
	})
	require.NoError(t, err)
	for cidr, rec := range networks {
		_, network, err := net.ParseCIDR(cidr)
		require.NoError(t, err)
		require.NoError(t, w.Insert(network, rec))
	}
	path := filepath.Join(t.TempDir(), "country.mmdb")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = w.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path
}

func isoRecord(iso string) mmdbtype.Map {
	return mmdbtype.Map{
		"country": mmdbtype.Map{"iso_code": mmdbtype.String(iso)},
	}
}

func TestMaxMind(t *testing.T) {
	t.Parallel()
	path := writeCountryDB(t, map[string]mmdbtype.DataType{
		"81.0.0.0/8": isoRecord("DE"),
		"2.0.0.0/8":  isoRecord("fr"),
		"45.0.0.0/8": isoRecord("XX"),
		"46.0.0.0/8": isoRecord("WW"),
		// country is a string here, which does not decode into the record.
		"47.0.0.0/8": mmdbtype.Map{"country": mmdbtype.String("DE")},
	})
	m, err := geo.OpenMaxMind(path)
	require.NoError(t, err)
	defer m.Close()

	de, _ := proto.ParseCountry("DE")
	fr, _ := proto.ParseCountry("FR")
	cases := []struct {
		ip      string
		country proto.Country
		ok      bool
	}{
		{ip: "81.2.3.4", country: de, ok: true},
		{ip: "::ffff:81.2.3.4", country: de, ok: true},
		{ip: "2.200.0.1", country: fr, ok: true},
		{ip: "8.8.8.8", country: proto.Unknown},
		{ip: "45.1.1.1", country: proto.Unknown},
		{ip: "46.1.1.1", country: proto.Unknown},
		{ip: "47.1.1.1", country: proto.Unknown},
	}
	for _, tc := range cases {
		c, ok := m.Lookup(netip.MustParseAddr(tc.ip))
		require.Equal(t, tc.ok, ok, tc.ip)
		require.Equal(t, tc.country, c, tc.ip)
	}
}
