package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// Encode serializes v to MessagePack bytes. Supported types: nil, bool,
// int/int8/int16/int32/int64, uint/uint8/uint16/uint32/uint64, float32,
// float64, string, []byte, []any (each element independently encoded),
// *Map (insertion-ordered string-keyed map, omitted entries dropped),
// map[string]any (encoded with its keys in sorted order, since a Go map
// has no insertion order), and time.Time. Any other type returns
// ErrUnsupportedType.
func Encode(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := encodeValue(buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case bool:
		if t {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case int:
		encodeInt(buf, int64(t))
	case int8:
		encodeInt(buf, int64(t))
	case int16:
		encodeInt(buf, int64(t))
	case int32:
		encodeInt(buf, int64(t))
	case int64:
		encodeInt(buf, t)
	case uint:
		encodeUint(buf, uint64(t))
	case uint8:
		encodeUint(buf, uint64(t))
	case uint16:
		encodeUint(buf, uint64(t))
	case uint32:
		encodeUint(buf, uint64(t))
	case uint64:
		encodeUint(buf, t)
	case float32:
		buf.WriteByte(tagFloat32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(t))
		buf.Write(b[:])
	case float64:
		buf.WriteByte(tagFloat64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(t))
		buf.Write(b[:])
	case string:
		return encodeString(buf, t)
	case []byte:
		return encodeBin(buf, t)
	case []any:
		return encodeArray(buf, t)
	case *Map:
		return encodeMap(buf, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			m.Set(k, t[k])
		}
		return encodeMap(buf, m)
	case time.Time:
		return encodeTimestamp(buf, t)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

// encodeInt picks the narrowest signed/positive-fixint-or-uint tag that
// fits v, matching the peer's preference for uint tags on non-negative
// values. The 53-bit "safe range" named in spec.md does not change which
// tag is chosen — Go's int64 is exact at every width — it only bears on
// how Decode reconstructs magnitudes beyond it (see decode.go).
func encodeInt(buf *bytes.Buffer, v int64) {
	if v >= 0 {
		encodeUint(buf, uint64(v))
		return
	}
	switch {
	case v >= -32:
		buf.WriteByte(byte(v))
	case v >= math.MinInt8:
		buf.WriteByte(tagInt8)
		buf.WriteByte(byte(int8(v)))
	case v >= math.MinInt16:
		buf.WriteByte(tagInt16)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(int16(v)))
		buf.Write(b[:])
	case v >= math.MinInt32:
		buf.WriteByte(tagInt32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(v)))
		buf.Write(b[:])
	default:
		buf.WriteByte(tagInt64)
		hi, lo := splitHiLo(uint64(v))
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:4], hi)
		binary.BigEndian.PutUint32(b[4:8], lo)
		buf.Write(b[:])
	}
}

func encodeUint(buf *bytes.Buffer, v uint64) {
	switch {
	case v <= tagPosFixintMax:
		buf.WriteByte(byte(v))
	case v <= math.MaxUint8:
		buf.WriteByte(tagUint8)
		buf.WriteByte(byte(v))
	case v <= math.MaxUint16:
		buf.WriteByte(tagUint16)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	case v <= math.MaxUint32:
		buf.WriteByte(tagUint32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	default:
		buf.WriteByte(tagUint64)
		hi, lo := splitHiLo(v)
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:4], hi)
		binary.BigEndian.PutUint32(b[4:8], lo)
		buf.Write(b[:])
	}
}

// splitHiLo decomposes a 64-bit wire value into the high/low 32-bit
// halves the wire format uses for values outside JS's 53-bit safe
// integer range. Bit-shifting is exact in Go; Decode deliberately
// reconstructs the other direction using floating-point multiplication
// to mirror the precision the JS wire peer actually has (see OQ-3 in
// DESIGN.md) rather than "fixing" it.
func splitHiLo(v uint64) (hi, lo uint32) {
	return uint32(v >> 32), uint32(v)
}

func encodeString(buf *bytes.Buffer, s string) error {
	n := len(s)
	switch {
	case n <= 31:
		buf.WriteByte(byte(tagFixstrMin | n))
	case n <= math.MaxUint8:
		buf.WriteByte(tagStr8)
		buf.WriteByte(byte(n))
	case n <= math.MaxUint16:
		buf.WriteByte(tagStr16)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case uint(n) <= math.MaxUint32:
		buf.WriteByte(tagStr32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		return fmt.Errorf("%w: string too large (%d bytes)", ErrUnsupportedType, n)
	}
	buf.WriteString(s)
	return nil
}

func encodeBin(buf *bytes.Buffer, data []byte) error {
	n := len(data)
	switch {
	case n <= math.MaxUint8:
		buf.WriteByte(tagBin8)
		buf.WriteByte(byte(n))
	case n <= math.MaxUint16:
		buf.WriteByte(tagBin16)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case uint(n) <= math.MaxUint32:
		buf.WriteByte(tagBin32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		return fmt.Errorf("%w: []byte too large (%d bytes)", ErrUnsupportedType, n)
	}
	buf.Write(data)
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	n := len(arr)
	switch {
	case n <= 15:
		buf.WriteByte(byte(tagFixarrMin | n))
	case n <= math.MaxUint16:
		buf.WriteByte(tagArr16)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(tagArr32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	}
	for _, elem := range arr {
		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}
	return nil
}

func encodeMap(buf *bytes.Buffer, m *Map) error {
	n := m.Len()
	switch {
	case n <= 15:
		buf.WriteByte(byte(tagFixmapMin | n))
	case n <= math.MaxUint16:
		buf.WriteByte(tagMap16)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(tagMap32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	}
	var encErr error
	m.Each(func(key string, value any) {
		if encErr != nil {
			return
		}
		if encErr = encodeString(buf, key); encErr != nil {
			return
		}
		encErr = encodeValue(buf, value)
	})
	return encErr
}

// encodeTimestamp picks the narrowest of the three documented ext -1
// widths: 32-bit seconds-only, 64-bit packed seconds+nanoseconds, or the
// 12-byte wide form for out-of-range seconds.
func encodeTimestamp(buf *bytes.Buffer, t time.Time) error {
	sec := t.Unix()
	nsec := int64(t.Nanosecond())
	extType := extTypeTimestamp

	switch {
	case nsec == 0 && sec >= 0 && sec <= math.MaxUint32:
		buf.WriteByte(tagFixext4)
		buf.WriteByte(byte(extType))
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(sec))
		buf.Write(b[:])
	case sec >= 0 && sec < (1<<34):
		buf.WriteByte(tagFixext8)
		buf.WriteByte(byte(extType))
		packed := (uint64(nsec) << 34) | uint64(sec)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], packed)
		buf.Write(b[:])
	default:
		buf.WriteByte(tagExt8)
		buf.WriteByte(12)
		buf.WriteByte(byte(extType))
		var nb [4]byte
		binary.BigEndian.PutUint32(nb[:], uint32(nsec))
		buf.Write(nb[:])
		var sb [8]byte
		binary.BigEndian.PutUint64(sb[:], uint64(sec))
		buf.Write(sb[:])
	}
	return nil
}
