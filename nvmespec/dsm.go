package nvmespec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DsmRangeSize is the wire size of one dataset management range.
const DsmRangeSize = 16

// MaxDsmRanges is the largest number of ranges one DSM command may carry.
const MaxDsmRanges = 256

// DsmRange is one dataset management range: a run of logical blocks plus
// context attributes.
type DsmRange struct {
	ContextAttributes uint32
	BlockCount        uint32
	StartingLBA       uint64
}

// EncodeDsmRanges encodes ranges into the list a DSM command's PRP1 points at.
func EncodeDsmRanges(ranges []DsmRange) ([]byte, error) {
	if len(ranges) == 0 || len(ranges) > MaxDsmRanges {
		return nil, errors.Errorf("dataset management: %d ranges", len(ranges))
	}

	buf := make([]byte, len(ranges)*DsmRangeSize)
	for i, r := range ranges {
		b := buf[i*DsmRangeSize:]
		binary.LittleEndian.PutUint32(b[0:4], r.ContextAttributes)
		binary.LittleEndian.PutUint32(b[4:8], r.BlockCount)
		binary.LittleEndian.PutUint64(b[8:16], r.StartingLBA)
	}

	return buf, nil
}

// DecodeDsmRanges decodes nr ranges from buf.
func DecodeDsmRanges(buf []byte, nr int) ([]DsmRange, error) {
	if nr*DsmRangeSize > len(buf) {
		return nil, errors.Errorf("dataset management: %d ranges in %d bytes", nr, len(buf))
	}

	ranges := make([]DsmRange, nr)
	for i := range ranges {
		b := buf[i*DsmRangeSize:]
		ranges[i] = DsmRange{
			ContextAttributes: binary.LittleEndian.Uint32(b[0:4]),
			BlockCount:        binary.LittleEndian.Uint32(b[4:8]),
			StartingLBA:       binary.LittleEndian.Uint64(b[8:16]),
		}
	}

	return ranges, nil
}
