// Package serialize provides the input/output serializers that the
// dispatch core carries through PartitionedRequest unchanged, per spec §3
// ("input/output serializers"). Grounded on the teacher's
// src/bundle/compression.go CompressionHandler family.
package serialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Serializer converts a value to and from wire bytes. The dispatch core
// never inspects the bytes; it only threads an instance through to the
// transport and back.
type Serializer[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSONSerializer is the default Serializer, used whenever a caller doesn't
// need a custom wire format.
type JSONSerializer[T any] struct{}

// NewJSONSerializer creates a JSONSerializer.
func NewJSONSerializer[T any]() JSONSerializer[T] {
	return JSONSerializer[T]{}
}

func (JSONSerializer[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("serialize: unmarshal: %w", err)
	}
	return v, nil
}

// CompressingSerializer wraps an inner Serializer's bytes in zstd
// compression, grounded on the teacher's ZstdHandler. Useful for
// sub-requests whose payload is large enough that compression pays for
// itself (bulk reads/writes spanning many partitions).
type CompressingSerializer[T any] struct {
	Inner Serializer[T]
	level zstd.EncoderLevel
}

// NewCompressingSerializer wraps inner with zstd compression at the given
// level (zstd.SpeedDefault if level is the zero value).
func NewCompressingSerializer[T any](inner Serializer[T], level zstd.EncoderLevel) CompressingSerializer[T] {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return CompressingSerializer[T]{Inner: inner, level: level}
}

func (c CompressingSerializer[T]) Marshal(v T) ([]byte, error) {
	raw, err := c.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, fmt.Errorf("serialize: new zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, fmt.Errorf("serialize: zstd write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("serialize: zstd close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c CompressingSerializer[T]) Unmarshal(data []byte) (T, error) {
	var zero T
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return zero, fmt.Errorf("serialize: new zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return zero, fmt.Errorf("serialize: zstd read: %w", err)
	}
	return c.Inner.Unmarshal(raw)
}
