package collective

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire layout, little endian:
//
//	u16 op length | op | u64 seq | u32 from | u32 chunk | u32 chunks | f64...
const headerFixed = 2 + 8 + 4*3

func encodeMessage(m Message) []byte {
	b := make([]byte, 0, headerFixed+len(m.Op)+8*len(m.Data))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.Op)))
	b = append(b, m.Op...)
	b = binary.LittleEndian.AppendUint64(b, m.Seq)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.From))
	b = binary.LittleEndian.AppendUint32(b, uint32(m.Chunk))
	b = binary.LittleEndian.AppendUint32(b, uint32(m.Chunks))
	for _, v := range m.Data {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}

func decodeMessage(b []byte) (Message, error) {
	if len(b) < 2 {
		return Message{}, errors.New("message too short")
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n+headerFixed-2 {
		return Message{}, fmt.Errorf("message header truncated")
	}
	m := Message{Op: string(b[:n])}
	b = b[n:]
	m.Seq = binary.LittleEndian.Uint64(b)
	m.From = int(binary.LittleEndian.Uint32(b[8:]))
	m.Chunk = int(binary.LittleEndian.Uint32(b[12:]))
	m.Chunks = int(binary.LittleEndian.Uint32(b[16:]))
	b = b[20:]
	if len(b)%8 != 0 {
		return Message{}, fmt.Errorf("payload of %d bytes is not a whole number of values", len(b))
	}
	if len(b) > 0 {
		m.Data = make([]float64, len(b)/8)
		for i := range m.Data {
			m.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
	}
	return m, nil
}
