package proto_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"melodybrain/internal/proto"
	"melodybrain/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	t.Parallel()
	for _, h := range []proto.Heartbeat{
		{},
		{Seed: -1, WantsCountry: 1},
		{Seed: 2147483647, WantsCountry: proto.Worldwide},
		{Seed: -2147483648, WantsCountry: 42},
	} {
		data := proto.EncodeHeartbeat(h)
		require.Len(t, data, proto.HeartbeatSize)
		got, err := proto.DecodeHeartbeat(data)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestStatsReplyRoundTrip(t *testing.T) {
	t.Parallel()
	heat := make([]float32, proto.NumCountries)
	for i := range heat {
		heat[i] = float32(i) / float32(proto.NumCountries)
	}
	for _, s := range []proto.StatsReply{
		{Country: 1, Heatmap: []float32{}},
		{Country: proto.Worldwide, Connected: 12, Seed: -77, Heatmap: heat},
	} {
		data, err := proto.EncodeStatsReply(s)
		require.NoError(t, err)
		require.LessOrEqual(t, len(data), proto.MaxDatagramSize)
		got, err := proto.DecodeStatsReply(data)
		require.NoError(t, err)
		require.Equal(t, s, got)
	}

	// A reply encoded without a heatmap still decodes to a non-nil one.
	data, err := proto.EncodeStatsReply(proto.StatsReply{Country: 1})
	require.NoError(t, err)
	got, err := proto.DecodeStatsReply(data)
	require.NoError(t, err)
	require.NotNil(t, got.Heatmap)
	require.Empty(t, got.Heatmap)
}

func TestFullHeatmapFitsDatagram(t *testing.T) {
	t.Parallel()
	require.LessOrEqual(t, proto.StatsReplySize(proto.NumCountries), proto.MaxDatagramSize)
}

func TestEncodeStatsReplyRejectsOversizeHeatmap(t *testing.T) {
	t.Parallel()
	_, err := proto.EncodeStatsReply(proto.StatsReply{Heatmap: make([]float32, 400)})
	require.Error(t, err)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()
	hb := proto.EncodeHeartbeat(proto.Heartbeat{Seed: 5, WantsCountry: 3})
	reply, err := proto.EncodeStatsReply(proto.StatsReply{Country: 3, Heatmap: []float32{0.5}})
	require.NoError(t, err)

	badMagic := append([]byte{}, hb...)
	badMagic[0] = 'X'
	badVersion := append([]byte{}, hb...)
	badVersion[2] = 9
	trailing := append(append([]byte{}, hb...), 0)

	cases := map[string][]byte{
		"empty":         nil,
		"short":         hb[:3],
		"truncated":     hb[:len(hb)-1],
		"bad magic":     badMagic,
		"bad version":   badVersion,
		"trailing":      trailing,
		"stats as beat": reply,
		"oversize":      make([]byte, proto.MaxDatagramSize+1),
		"postcard-ish":  {0x05, 0x00},
	}
	for name, data := range cases {
		_, err := proto.DecodeHeartbeat(data)
		require.Error(t, err, name)
		require.True(t, xerrors.Is(err, proto.ErrDecode), name)
	}

	_, err = proto.DecodeStatsReply(hb)
	require.True(t, xerrors.Is(err, proto.ErrDecode))
	_, err = proto.DecodeStatsReply(reply[:len(reply)-2])
	require.True(t, xerrors.Is(err, proto.ErrDecode))
}

func TestParseCountry(t *testing.T) {
	t.Parallel()
	us, ok := proto.ParseCountry("us")
	require.True(t, ok)
	require.Equal(t, "US", us.String())
	require.True(t, us.Known())

	ww, ok := proto.ParseCountry("WW")
	require.True(t, ok)
	require.Equal(t, proto.Worldwide, ww)
	require.False(t, ww.Known())

	_, ok = proto.ParseCountry("ZZ")
	require.False(t, ok, "unknown bucket is not addressable by name")
	_, ok = proto.ParseCountry("XX")
	require.False(t, ok)

	require.Equal(t, "ZZ", proto.Unknown.String())
	require.Less(t, proto.NumCountries, int(proto.Worldwide))
}
