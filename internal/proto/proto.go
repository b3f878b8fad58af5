package proto

import (
	"encoding/binary"
	"math"

	"golang.org/x/xerrors"
)

const (
	// MaxDatagramSize bounds every payload so it fits one UDP datagram.
	MaxDatagramSize = 1200

	Version = 1

	TypeHeartbeat  = 1
	TypeStatsReply = 2

	headerSize     = 4
	HeartbeatSize  = headerSize + 4 + 1
	statsFixedSize = headerSize + 1 + 4 + 4 + 2
	maxHeatmapLen  = (MaxDatagramSize - statsFixedSize) / 4
)

var magic = [2]byte{'M', 'B'}

// ErrDecode wraps every decode failure. Callers drop the datagram.
var ErrDecode = xerrors.New("malformed datagram")

// Heartbeat is the client keep-alive. WantsCountry of zero asks for no reply.
type Heartbeat struct {
	Seed         int32
	WantsCountry Country
}

// StatsReply answers a Heartbeat with a non-zero WantsCountry. Country echoes
// the requested code so a client can tell replies to different queries apart.
type StatsReply struct {
	Country   Country
	Connected uint32
	Seed      int32
	Heatmap   []float32
}

func appendHeader(b []byte, msgType byte) []byte {
	return append(b, magic[0], magic[1], Version, msgType)
}

func checkHeader(data []byte, msgType byte) error {
	if len(data) > MaxDatagramSize {
		return xerrors.Errorf("%d bytes exceeds datagram size: %w", len(data), ErrDecode)
	}
	if len(data) < headerSize {
		return xerrors.Errorf("short header: %w", ErrDecode)
	}
	if data[0] != magic[0] || data[1] != magic[1] {
		return xerrors.Errorf("bad magic: %w", ErrDecode)
	}
	if data[2] != Version {
		return xerrors.Errorf("unsupported version %d: %w", data[2], ErrDecode)
	}
	if data[3] != msgType {
		return xerrors.Errorf("unexpected message type %d: %w", data[3], ErrDecode)
	}
	return nil
}

func AppendHeartbeat(b []byte, h Heartbeat) []byte {
	b = appendHeader(b, TypeHeartbeat)
	b = binary.BigEndian.AppendUint32(b, uint32(h.Seed))
	return append(b, byte(h.WantsCountry))
}

func EncodeHeartbeat(h Heartbeat) []byte {
	return AppendHeartbeat(make([]byte, 0, HeartbeatSize), h)
}

func DecodeHeartbeat(data []byte) (Heartbeat, error) {
	if err := checkHeader(data, TypeHeartbeat); err != nil {
		return Heartbeat{}, err
	}
	if len(data) != HeartbeatSize {
		return Heartbeat{}, xerrors.Errorf("heartbeat length %d: %w", len(data), ErrDecode)
	}
	return Heartbeat{
		Seed:         int32(binary.BigEndian.Uint32(data[4:8])),
		WantsCountry: Country(data[8]),
	}, nil
}

func StatsReplySize(heatmapLen int) int {
	return statsFixedSize + 4*heatmapLen
}

func AppendStatsReply(b []byte, s StatsReply) ([]byte, error) {
	if len(s.Heatmap) > maxHeatmapLen {
		return b, xerrors.Errorf("heatmap of %d entries does not fit a datagram", len(s.Heatmap))
	}
	b = appendHeader(b, TypeStatsReply)
	b = append(b, byte(s.Country))
	b = binary.BigEndian.AppendUint32(b, s.Connected)
	b = binary.BigEndian.AppendUint32(b, uint32(s.Seed))
	b = binary.BigEndian.AppendUint16(b, uint16(len(s.Heatmap)))
	for _, v := range s.Heatmap {
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b, nil
}

func EncodeStatsReply(s StatsReply) ([]byte, error) {
	return AppendStatsReply(make([]byte, 0, StatsReplySize(len(s.Heatmap))), s)
}

func DecodeStatsReply(data []byte) (StatsReply, error) {
	if err := checkHeader(data, TypeStatsReply); err != nil {
		return StatsReply{}, err
	}
	if len(data) < statsFixedSize {
		return StatsReply{}, xerrors.Errorf("short stats reply: %w", ErrDecode)
	}
	n := int(binary.BigEndian.Uint16(data[13:15]))
	if len(data) != StatsReplySize(n) {
		return StatsReply{}, xerrors.Errorf("heatmap length %d does not match %d bytes: %w", n, len(data), ErrDecode)
	}
	s := StatsReply{
		Country:   Country(data[4]),
		Connected: binary.BigEndian.Uint32(data[5:9]),
		Seed:      int32(binary.BigEndian.Uint32(data[9:13])),
		Heatmap:   make([]float32, n),
	}
	for i := range s.Heatmap {
		off := statsFixedSize + 4*i
		s.Heatmap[i] = math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4]))
	}
	return s, nil
}
