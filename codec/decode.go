package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Decode parses a single MessagePack value from b and returns it along
// with the number of bytes consumed. The returned value is one of: nil,
// bool, int64, uint64 (only for values exceeding math.MaxInt64),
// float32, float64, string, []byte, []any, *Map, or time.Time.
//
// Decode rejects wire tag 0xc1 (ErrNeverUsed) and any input that ends
// before a complete value has been read (ErrTruncated).
func Decode(b []byte) (any, int, error) {
	r := &reader{buf: b}
	v, err := r.value()
	if err != nil {
		return nil, r.pos, err
	}
	return v, r.pos, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return ErrTruncated
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) value() (any, error) {
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}

	switch {
	case tag <= tagPosFixintMax:
		return int64(tag), nil
	case tag >= tagNegFixintMin:
		return int64(int8(tag)), nil
	case tag >= tagFixmapMin && tag <= tagFixmapMax:
		return r.readMap(int(tag & 0x0f))
	case tag >= tagFixarrMin && tag <= tagFixarrMax:
		return r.readArray(int(tag & 0x0f))
	case tag >= tagFixstrMin && tag <= tagFixstrMax:
		return r.readString(int(tag & 0x1f))
	}

	switch tag {
	case tagNil:
		return nil, nil
	case tagNever:
		return nil, ErrNeverUsed
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagBin8:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		return r.readBin(int(n))
	case tagBin16:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return r.readBin(int(n))
	case tagBin32:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return r.readBin(int(n))
	case tagFixext1:
		return r.readExt(1)
	case tagFixext2:
		return r.readExt(2)
	case tagFixext4:
		return r.readExt(4)
	case tagFixext8:
		return r.readExt(8)
	case tagFixext16:
		return r.readExt(16)
	case tagExt8:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		return r.readExt(int(n))
	case tagExt16:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return r.readExt(int(n))
	case tagExt32:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return r.readExt(int(n))
	case tagFloat32:
		b, err := r.bytes(4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
	case tagFloat64:
		b, err := r.bytes(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case tagUint8:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		return int64(b), nil
	case tagUint16:
		v, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return int64(v), nil
	case tagUint32:
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return int64(v), nil
	case tagUint64:
		return r.readHiLoUint()
	case tagInt8:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		return int64(int8(b)), nil
	case tagInt16:
		v, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return int64(int16(v)), nil
	case tagInt32:
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return int64(int32(v)), nil
	case tagInt64:
		return r.readHiLoInt()
	case tagStr8:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		return r.readString(int(n))
	case tagStr16:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return r.readString(int(n))
	case tagStr32:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return r.readString(int(n))
	case tagArr16:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return r.readArray(int(n))
	case tagArr32:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return r.readArray(int(n))
	case tagMap16:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return r.readMap(int(n))
	case tagMap32:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return r.readMap(int(n))
	}

	return nil, fmt.Errorf("codec: unknown wire tag 0x%02x", tag)
}

// readHiLoUint and readHiLoInt reconstruct a 64-bit wire value from its
// big-endian high/low 32-bit halves using floating-point multiplication,
// deliberately matching the precision the JS wire peer has (lossy beyond
// 2^53) rather than exploiting Go's exact 64-bit integers. See OQ-3 in
// DESIGN.md: this is intentional wire compatibility, not a bug.
func (r *reader) readHiLoUint() (any, error) {
	hi, err := r.uint32()
	if err != nil {
		return nil, err
	}
	lo, err := r.uint32()
	if err != nil {
		return nil, err
	}
	f := float64(hi)*4294967296 + float64(lo)
	if f > float64(math.MaxInt64) {
		return uint64(f), nil
	}
	return int64(f), nil
}

func (r *reader) readHiLoInt() (any, error) {
	hi, err := r.uint32()
	if err != nil {
		return nil, err
	}
	lo, err := r.uint32()
	if err != nil {
		return nil, err
	}
	// hi carries the sign: reading it as a signed 32-bit word and lo as
	// unsigned reconstructs the two's-complement value via the same
	// float64 multiplication a JS wire peer would use, positive or
	// negative, exact below 2^53 and deliberately lossy beyond it.
	return int64(float64(int32(hi))*4294967296 + float64(lo)), nil
}

func (r *reader) readString(n int) (string, error) {
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readBin(n int) ([]byte, error) {
	b, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *reader) readArray(n int) ([]any, error) {
	arr := make([]any, n)
	for i := 0; i < n; i++ {
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		arr[i] = v
	}
	return arr, nil
}

func (r *reader) readMap(n int) (*Map, error) {
	m := NewMap()
	for i := 0; i < n; i++ {
		kv, err := r.value()
		if err != nil {
			return nil, err
		}
		key, ok := kv.(string)
		if !ok {
			return nil, fmt.Errorf("codec: map key is not a string (%T)", kv)
		}
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		m.Set(key, v)
	}
	return m, nil
}

func (r *reader) readExt(n int) (any, error) {
	if err := r.need(1); err != nil {
		return nil, err
	}
	extType := int8(r.buf[r.pos])
	r.pos++
	data, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	if extType != extTypeTimestamp {
		// No other ext types are part of this wire protocol.
		out := make([]byte, n)
		copy(out, data)
		return out, nil
	}
	return decodeTimestamp(data)
}

func decodeTimestamp(data []byte) (time.Time, error) {
	switch len(data) {
	case 4:
		sec := binary.BigEndian.Uint32(data)
		return time.Unix(int64(sec), 0).UTC(), nil
	case 8:
		packed := binary.BigEndian.Uint64(data)
		nsec := packed >> 34
		sec := packed & 0x3FFFFFFFF
		return time.Unix(int64(sec), int64(nsec)).UTC(), nil
	case 12:
		nsec := binary.BigEndian.Uint32(data[0:4])
		sec := int64(binary.BigEndian.Uint64(data[4:12]))
		return time.Unix(sec, int64(nsec)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("codec: invalid timestamp ext length %d", len(data))
	}
}
