package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// encodeVector writes a uint32 element count followed by little-endian float32s.
func encodeVector(v crawler.Vector) []byte {
	buf := make([]byte, 4+4*len(v))
	binary.LittleEndian.PutUint32(buf, uint32(len(v)))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4+i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) (crawler.Vector, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("embedding blob too short: %d bytes", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data))
	if len(data)-4 != n*4 {
		return nil, fmt.Errorf("embedding blob holds %d bytes for %d values", len(data)-4, n)
	}
	out := make(crawler.Vector, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+i*4:]))
	}
	return out, nil
}
