package omm

import (
	"encoding/binary"
	"fmt"
)

// Reference wire layout shared by bakers that don't define their own:
// little-endian throughout.
//
// Usage count record, 8 bytes:
//	count             u32
//	subdivision level u16
//	format            u16
//
// Post-dispatch stats block, 5 words:
//	array data size   u32
//	desc count        u32
//	total opaque      u32
//	total transparent u32
//	total unknown     u32

const (
	usageCountStride = 8
	statsBlockSize   = 20
)

// StatsBlockSize is the byte size of the reference stats block.
const StatsBlockSize = statsBlockSize

// DecodeUsageCounts parses histogram records until data runs out.
func DecodeUsageCounts(data []byte) ([]UsageCount, error) {
	if len(data)%usageCountStride != 0 {
		return nil, fmt.Errorf("omm: histogram size %d is not a multiple of %d", len(data), usageCountStride)
	}
	counts := make([]UsageCount, 0, len(data)/usageCountStride)
	for off := 0; off < len(data); off += usageCountStride {
		counts = append(counts, UsageCount{
			Count:            binary.LittleEndian.Uint32(data[off : off+4]),
			SubdivisionLevel: binary.LittleEndian.Uint16(data[off+4 : off+6]),
			Format:           Format(binary.LittleEndian.Uint16(data[off+6 : off+8])),
		})
	}
	return counts, nil
}

// AppendUsageCount appends one histogram record to buf.
func AppendUsageCount(buf []byte, c UsageCount) []byte {
	var rec [usageCountStride]byte
	binary.LittleEndian.PutUint32(rec[0:4], c.Count)
	binary.LittleEndian.PutUint16(rec[4:6], c.SubdivisionLevel)
	binary.LittleEndian.PutUint16(rec[6:8], uint16(c.Format))
	return append(buf, rec[:]...)
}

// DecodeStatsLE parses the reference stats block.
func DecodeStatsLE(data []byte) (PostDispatchStats, error) {
	if len(data) < statsBlockSize {
		return PostDispatchStats{}, fmt.Errorf("omm: stats block needs %d bytes, have %d", statsBlockSize, len(data))
	}
	return PostDispatchStats{
		ArrayDataSize:    uint64(binary.LittleEndian.Uint32(data[0:4])),
		TotalOpaque:      uint64(binary.LittleEndian.Uint32(data[8:12])),
		TotalTransparent: uint64(binary.LittleEndian.Uint32(data[12:16])),
		TotalUnknown:     uint64(binary.LittleEndian.Uint32(data[16:20])),
	}, nil
}

// AppendStatsLE writes the reference stats block. descCount is the number
// of micromap descriptors the dispatch produced.
func AppendStatsLE(buf []byte, s PostDispatchStats, descCount uint32) []byte {
	var blk [statsBlockSize]byte
	binary.LittleEndian.PutUint32(blk[0:4], uint32(s.ArrayDataSize))
	binary.LittleEndian.PutUint32(blk[4:8], descCount)
	binary.LittleEndian.PutUint32(blk[8:12], uint32(s.TotalOpaque))
	binary.LittleEndian.PutUint32(blk[12:16], uint32(s.TotalTransparent))
	binary.LittleEndian.PutUint32(blk[16:20], uint32(s.TotalUnknown))
	return append(buf, blk[:]...)
}
