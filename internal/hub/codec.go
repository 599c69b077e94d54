package hub

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// RPC results travel as a compact tagged binary encoding before sealing;
// broadcasts stay UTF-8 JSON. The codec covers the JSON value model: null,
// bool, int64, float64, string, bytes, array, and map with string keys.
//
// Layout per value: one type tag byte, then a little-endian payload.
// Variable-size payloads carry a uint32 length prefix.

type wireTag uint8

const (
	tagNull   wireTag = 0x00
	tagFalse  wireTag = 0x01
	tagTrue   wireTag = 0x02
	tagInt64  wireTag = 0x03
	tagFloat  wireTag = 0x04
	tagString wireTag = 0x05
	tagBytes  wireTag = 0x06
	tagArray  wireTag = 0x07
	tagMap    wireTag = 0x08
)

// maxWireSize bounds a single encoded value.
const maxWireSize = 4 << 20

// EncodeResult serializes a handler result into the compact binary form.
// Arbitrary structs are lowered through their JSON representation so every
// handler return type round-trips without codec-specific wiring.
func EncodeResult(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	if buf.Len() > maxWireSize {
		return nil, fmt.Errorf("encoded result exceeds %d bytes", maxWireSize)
	}
	return buf.Bytes(), nil
}

// DecodeResult reverses EncodeResult.
func DecodeResult(data []byte) (any, error) {
	r := bytes.NewReader(data)
	v, err := decodeValue(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errors.New("trailing bytes after value")
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(byte(tagNull))
	case bool:
		if val {
			buf.WriteByte(byte(tagTrue))
		} else {
			buf.WriteByte(byte(tagFalse))
		}
	case int:
		return encodeValue(buf, int64(val))
	case int64:
		buf.WriteByte(byte(tagInt64))
		binary.Write(buf, binary.LittleEndian, val)
	case float64:
		buf.WriteByte(byte(tagFloat))
		binary.Write(buf, binary.LittleEndian, math.Float64bits(val))
	case string:
		buf.WriteByte(byte(tagString))
		writeSized(buf, []byte(val))
	case []byte:
		buf.WriteByte(byte(tagBytes))
		writeSized(buf, val)
	case []any:
		buf.WriteByte(byte(tagArray))
		binary.Write(buf, binary.LittleEndian, uint32(len(val)))
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case map[string]any:
		buf.WriteByte(byte(tagMap))
		binary.Write(buf, binary.LittleEndian, uint32(len(val)))
		for key, item := range val {
			writeSized(buf, []byte(key))
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case json.RawMessage:
		return encodeLowered(buf, []byte(val))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("lower %T to JSON: %w", v, err)
		}
		return encodeLowered(buf, data)
	}
	return nil
}

// encodeLowered re-parses JSON text into the value model and encodes it.
func encodeLowered(buf *bytes.Buffer, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("parse lowered JSON: %w", err)
	}
	return encodeValue(buf, normalizeNumbers(generic))
}

// normalizeNumbers converts json.Number into int64 where exact, float64
// otherwise, so integers survive the round trip undamaged.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case map[string]any:
		for key, item := range val {
			val[key] = normalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}

func writeSized(buf *bytes.Buffer, data []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
}

func decodeValue(r *bytes.Reader) (any, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch wireTag(tagByte) {
	case tagNull:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt64:
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return v, nil
	case tagFloat:
		var bits uint64
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return nil, err
		}
		return math.Float64frombits(bits), nil
	case tagString:
		data, err := readSized(r)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	case tagBytes:
		return readSized(r)
	case tagArray:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case tagMap:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, n)
		for i := uint32(0); i < n; i++ {
			key, err := readSized(r)
			if err != nil {
				return nil, err
			}
			item, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out[string(key)] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown wire tag 0x%02X", tagByte)
	}
}

func readCount(r *bytes.Reader) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, err
	}
	if int(n) > r.Len() {
		return 0, errors.New("count exceeds remaining input")
	}
	return n, nil
}

func readSized(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, errors.New("length exceeds remaining input")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
