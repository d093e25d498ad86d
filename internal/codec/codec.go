// Package codec implements the compact binary encoding used to store feature
// records in the cache tier. There is no msgpack-equivalent dependency
// anywhere in the project's third-party stack, so this is a hand-rolled
// tagged binary format built directly on encoding/binary (see DESIGN.md for
// why no library could take this on).
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrCorruptCacheEntry is returned when a cached value cannot be decoded.
// Callers in the cache tier treat this the same as a cache miss.
var ErrCorruptCacheEntry = errors.New("corrupt cache entry")

const formatVersion byte = 1

// Kind tags the type of value carried by a FeatureValue.
type Kind byte

// Supported value kinds. KindNull carries no payload.
const (
	KindFloat64 Kind = iota + 1
	KindInt64
	KindString
	KindBool
	KindNull
)

// FeatureValue is a tagged union over the value types a feature can hold.
type FeatureValue struct {
	Kind    Kind
	Float64 float64
	Int64   int64
	String  string
	Bool    bool
}

// Float64Value constructs a FeatureValue carrying a float64.
func Float64Value(v float64) FeatureValue { return FeatureValue{Kind: KindFloat64, Float64: v} }

// Int64Value constructs a FeatureValue carrying an int64.
func Int64Value(v int64) FeatureValue { return FeatureValue{Kind: KindInt64, Int64: v} }

// StringValue constructs a FeatureValue carrying a string.
func StringValue(v string) FeatureValue { return FeatureValue{Kind: KindString, String: v} }

// BoolValue constructs a FeatureValue carrying a bool.
func BoolValue(v bool) FeatureValue { return FeatureValue{Kind: KindBool, Bool: v} }

// NullValue constructs a FeatureValue carrying no value.
func NullValue() FeatureValue { return FeatureValue{Kind: KindNull} }

// Record is what the cache tier stores per key: a feature value plus the
// bookkeeping needed to compute freshness and source attribution on read.
type Record struct {
	Value            FeatureValue
	TimestampUnixNano int64
	Metadata         map[string]string
}

// Encode serializes a Record into the wire format:
//
//	[1B format version][1B value kind][value bytes]
//	[8B unix-nano timestamp][4B metadata count][metadata entries]
//
// each string field is length-prefixed with a uint32.
func Encode(r Record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(formatVersion)
	buf.WriteByte(byte(r.Value.Kind))

	if err := encodeValue(&buf, r.Value); err != nil {
		return nil, err
	}

	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(r.TimestampUnixNano)) //nolint:gosec // round-trip bit pattern
	buf.Write(tsBytes[:])

	var countBytes [4]byte
	binary.BigEndian.PutUint32(countBytes[:], uint32(len(r.Metadata))) //nolint:gosec // bounded by caller
	buf.Write(countBytes[:])

	for k, v := range r.Metadata {
		if err := writeString(&buf, k); err != nil {
			return nil, err
		}

		if err := writeString(&buf, v); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode deserializes a Record from the wire format produced by Encode.
// Any structural inconsistency is reported as ErrCorruptCacheEntry.
func Decode(b []byte) (Record, error) {
	r := bytes.NewReader(b)

	version, err := r.ReadByte()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
	}

	if version != formatVersion {
		return Record{}, fmt.Errorf("%w: unsupported format version %d", ErrCorruptCacheEntry, version)
	}

	kindByte, err := r.ReadByte()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
	}

	value, err := decodeValue(r, Kind(kindByte))
	if err != nil {
		return Record{}, err
	}

	var tsBytes [8]byte
	if _, err := io.ReadFull(r, tsBytes[:]); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
	}

	timestamp := int64(binary.BigEndian.Uint64(tsBytes[:])) //nolint:gosec // round-trip bit pattern

	var countBytes [4]byte
	if _, err := io.ReadFull(r, countBytes[:]); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
	}

	count := binary.BigEndian.Uint32(countBytes[:])

	metadata := make(map[string]string, count)

	for i := uint32(0); i < count; i++ {
		k, err := readString(r)
		if err != nil {
			return Record{}, err
		}

		v, err := readString(r)
		if err != nil {
			return Record{}, err
		}

		metadata[k] = v
	}

	return Record{Value: value, TimestampUnixNano: timestamp, Metadata: metadata}, nil
}

func encodeValue(buf *bytes.Buffer, v FeatureValue) error {
	switch v.Kind {
	case KindFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float64))
		buf.Write(b[:])
	case KindInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int64)) //nolint:gosec // round-trip bit pattern
		buf.Write(b[:])
	case KindString:
		return writeString(buf, v.String)
	case KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindNull:
		// no payload
	default:
		return fmt.Errorf("%w: unknown value kind %d", ErrCorruptCacheEntry, v.Kind)
	}

	return nil
}

func decodeValue(r *bytes.Reader, kind Kind) (FeatureValue, error) {
	switch kind {
	case KindFloat64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return FeatureValue{}, fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
		}

		return Float64Value(math.Float64frombits(binary.BigEndian.Uint64(b[:]))), nil
	case KindInt64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return FeatureValue{}, fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
		}

		return Int64Value(int64(binary.BigEndian.Uint64(b[:]))), nil //nolint:gosec // round-trip bit pattern
	case KindString:
		s, err := readString(r)
		if err != nil {
			return FeatureValue{}, err
		}

		return StringValue(s), nil
	case KindBool:
		bb, err := r.ReadByte()
		if err != nil {
			return FeatureValue{}, fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
		}

		return BoolValue(bb != 0), nil
	case KindNull:
		return NullValue(), nil
	default:
		return FeatureValue{}, fmt.Errorf("%w: unknown value kind %d", ErrCorruptCacheEntry, kind)
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(s))) //nolint:gosec // bounded by caller
	buf.Write(lenBytes[:])
	buf.WriteString(s)

	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
	}

	n := binary.BigEndian.Uint32(lenBytes[:])

	strBytes := make([]byte, n)
	if _, err := io.ReadFull(r, strBytes); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCacheEntry, err)
	}

	return string(strBytes), nil
}
