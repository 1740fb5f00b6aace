// Package integrity implements the record sealing primitives shared by
// the evidence store, the context store, and the audit log: canonical
// byte encoding, HMAC sealing, and AEAD encryption with key rotation.
package integrity

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// Type tags for the length-prefixed canonical encoding. Each value is
// encoded as tag byte, big-endian uint32 length, payload. Maps encode
// entries in sorted key order, so equal records always produce equal
// bytes regardless of construction order.
const (
	tagNil    byte = 0x00
	tagBool   byte = 0x01
	tagInt    byte = 0x02
	tagFloat  byte = 0x03
	tagString byte = 0x04
	tagBytes  byte = 0x05
	tagList   byte = 0x06
	tagMap    byte = 0x07
)

// Canonicalize encodes a record into a deterministic byte sequence.
// Supported value types are nil, bool, integer and float kinds, string,
// []byte, []interface{}, and map[string]interface{}.
func Canonicalize(record map[string]interface{}) ([]byte, error) {
	var buf []byte
	buf, err := appendValue(buf, record)
	if err != nil {
		return nil, errors.NewIntegrityError("record canonicalisation failed").WithCause(err)
	}
	return buf, nil
}

func appendValue(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return appendTagged(buf, tagNil, nil), nil
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return appendTagged(buf, tagBool, []byte{b}), nil
	case int:
		return appendInt(buf, int64(val)), nil
	case int32:
		return appendInt(buf, int64(val)), nil
	case int64:
		return appendInt(buf, val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("uint64 value %d overflows canonical integer", val)
		}
		return appendInt(buf, int64(val)), nil
	case float32:
		return appendFloat(buf, float64(val)), nil
	case float64:
		// Whole-number floats canonicalise as integers so JSON decoding
		// round-trips to the same bytes.
		if val == math.Trunc(val) && !math.IsInf(val, 0) && math.Abs(val) < math.MaxInt64 {
			return appendInt(buf, int64(val)), nil
		}
		return appendFloat(buf, val), nil
	case string:
		return appendTagged(buf, tagString, []byte(val)), nil
	case []byte:
		return appendTagged(buf, tagBytes, val), nil
	case []interface{}:
		var inner []byte
		var err error
		for _, item := range val {
			inner, err = appendValue(inner, item)
			if err != nil {
				return nil, err
			}
		}
		return appendTagged(buf, tagList, inner), nil
	case []string:
		var inner []byte
		for _, item := range val {
			inner = appendTagged(inner, tagString, []byte(item))
		}
		return appendTagged(buf, tagList, inner), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var inner []byte
		var err error
		for _, k := range keys {
			inner = appendTagged(inner, tagString, []byte(k))
			inner, err = appendValue(inner, val[k])
			if err != nil {
				return nil, err
			}
		}
		return appendTagged(buf, tagMap, inner), nil
	default:
		return nil, fmt.Errorf("unsupported canonical type %T", v)
	}
}

func appendInt(buf []byte, v int64) []byte {
	return appendTagged(buf, tagInt, []byte(strconv.FormatInt(v, 10)))
}

func appendFloat(buf []byte, v float64) []byte {
	return appendTagged(buf, tagFloat, []byte(strconv.FormatFloat(v, 'g', -1, 64)))
}

func appendTagged(buf []byte, tag byte, payload []byte) []byte {
	buf = append(buf, tag)
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, payload...)
}
