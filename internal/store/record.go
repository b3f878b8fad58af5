package store

import (
	"encoding/binary"

	"melodybrain/internal/proto"
)

// RecordSize is the width of every slot in the backing file. Both record
// kinds are little-endian with the field order below and zero padding.
//
//	IPRecord:          first_seen u64 | last_seen u64 | cum_duration u32 | hits u32 | country u8 | pad[7]
//	CountryAggregate:  active u32 | unique u32 | seed i64 | cum_duration u32 | pad[12]
const RecordSize = 32

// SmoothingFactor is the divisor of the consensus seed moving average.
const SmoothingFactor = 2000

// IPRecord tracks one bucket of 256 consecutive IPv4 addresses.
type IPRecord struct {
	FirstSeen   uint64
	LastSeen    uint64
	CumDuration uint32
	Hits        uint32
	Country     proto.Country
}

// Created reports whether the bucket was ever seen.
func (r IPRecord) Created() bool { return r.FirstSeen != 0 }

// Active reports whether the bucket is live, i.e. not evicted by a sweep.
func (r IPRecord) Active() bool { return r.LastSeen != 0 }

func decodeIPRecord(b []byte) IPRecord {
	_ = b[RecordSize-1]
	return IPRecord{
		FirstSeen:   binary.LittleEndian.Uint64(b[0:8]),
		LastSeen:    binary.LittleEndian.Uint64(b[8:16]),
		CumDuration: binary.LittleEndian.Uint32(b[16:20]),
		Hits:        binary.LittleEndian.Uint32(b[20:24]),
		Country:     proto.Country(b[24]),
	}
}

func (r IPRecord) encode(b []byte) {
	_ = b[RecordSize-1]
	binary.LittleEndian.PutUint64(b[0:8], r.FirstSeen)
	binary.LittleEndian.PutUint64(b[8:16], r.LastSeen)
	binary.LittleEndian.PutUint32(b[16:20], r.CumDuration)
	binary.LittleEndian.PutUint32(b[20:24], r.Hits)
	b[24] = byte(r.Country)
}

// CountryAggregate holds the totals of every bucket attributed to a country.
// Seed is kept wide so the smoothing arithmetic cannot overflow.
type CountryAggregate struct {
	Active      uint32
	Unique      uint32
	Seed        int64
	CumDuration uint32
}

// Smooth moves Seed toward sample by 1/SmoothingFactor of the distance.
// Division truncates toward zero, so distances under SmoothingFactor do not
// move the seed at all.
func (a *CountryAggregate) Smooth(sample int32) {
	a.Seed += (int64(sample) - a.Seed) / SmoothingFactor
}

// Deactivate decrements Active, saturating at zero.
func (a *CountryAggregate) Deactivate() {
	if a.Active > 0 {
		a.Active--
	}
}

func decodeCountryAggregate(b []byte) CountryAggregate {
	_ = b[RecordSize-1]
	return CountryAggregate{
		Active:      binary.LittleEndian.Uint32(b[0:4]),
		Unique:      binary.LittleEndian.Uint32(b[4:8]),
		Seed:        int64(binary.LittleEndian.Uint64(b[8:16])),
		CumDuration: binary.LittleEndian.Uint32(b[16:20]),
	}
}

func (a CountryAggregate) encode(b []byte) {
	_ = b[RecordSize-1]
	binary.LittleEndian.PutUint32(b[0:4], a.Active)
	binary.LittleEndian.PutUint32(b[4:8], a.Unique)
	binary.LittleEndian.PutUint64(b[8:16], uint64(a.Seed))
	binary.LittleEndian.PutUint32(b[16:20], a.CumDuration)
}
