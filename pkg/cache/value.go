package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// ValueKind discriminates the two arms of a cache value.
type ValueKind string

const (
	// KindStructured marks a JSON-serializable document. Structured
	// values round-trip through JSON typing on slower tiers: numbers
	// come back as float64, objects as map[string]interface{}.
	KindStructured ValueKind = "structured"

	// KindBlob marks an opaque byte payload with a declared codec. The
	// cache never interprets the payload; the codec names the encoding
	// for the consumer that stored it.
	KindBlob ValueKind = "blob"
)

// Value is the tagged union stored in the cache: either a structured
// document or an opaque blob with a declared codec.
type Value struct {
	Kind       ValueKind   `json:"kind"`
	Structured interface{} `json:"structured,omitempty"`
	Blob       []byte      `json:"blob,omitempty"`
	Codec      string      `json:"codec,omitempty"`
}

// StructuredValue wraps a JSON-serializable document.
func StructuredValue(v interface{}) Value {
	return Value{Kind: KindStructured, Structured: v}
}

// BlobValue wraps an opaque payload with its declared codec.
func BlobValue(payload []byte, codec string) Value {
	return Value{Kind: KindBlob, Blob: payload, Codec: codec}
}

// encodeValue serializes a value to its wire form.
func encodeValue(v Value) ([]byte, error) {
	switch v.Kind {
	case KindStructured, KindBlob:
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.Kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache value: %w", err)
	}
	return raw, nil
}

// decodeValue parses the wire form back into a value.
func decodeValue(raw []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Value{}, fmt.Errorf("failed to decode cache value: %w", err)
	}
	switch v.Kind {
	case KindStructured, KindBlob:
	default:
		return Value{}, fmt.Errorf("unknown value kind %q", v.Kind)
	}
	return v, nil
}

const (
	// compressionThreshold is the minimum serialized size worth gzipping.
	compressionThreshold = 1 << 10

	// compressionMinSaving is the fraction of the raw size compression
	// must shave off to be kept.
	compressionMinSaving = 0.10
)

// compressPayload gzips the payload when it is large enough and the
// result saves at least compressionMinSaving. Returns the bytes to
// store and whether they are compressed.
func compressPayload(raw []byte) ([]byte, bool) {
	if len(raw) < compressionThreshold {
		return raw, false
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return raw, false
	}
	if err := zw.Close(); err != nil {
		return raw, false
	}
	if float64(buf.Len()) > float64(len(raw))*(1.0-compressionMinSaving) {
		return raw, false
	}
	return buf.Bytes(), true
}

// decompressPayload reverses compressPayload.
func decompressPayload(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed payload: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return raw, nil
}
