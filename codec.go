// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"fmt"
	"reflect"

	"github.com/klauspost/compress/zstd"
	"github.com/sugawarayuuta/sonnet"
	"google.golang.org/protobuf/proto"
)

// Codec encodes/decodes call arguments and results
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return sonnet.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return sonnet.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// BinaryCodec passes bytes through unchanged (for pre-encoded data)
type BinaryCodec struct{}

func (BinaryCodec) Encode(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if b, ok := v.(*[]byte); ok {
		return *b, nil
	}
	return sonnet.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v interface{}) error {
	if b, ok := v.(*[]byte); ok {
		*b = append((*b)[:0], data...)
		return nil
	}
	return sonnet.Unmarshal(data, v)
}

// Binary is a codec that passes bytes through unchanged
var Binary Codec = BinaryCodec{}

// ProtoCodec encodes protobuf messages in their binary wire format.
type ProtoCodec struct{}

func (ProtoCodec) Encode(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Decode(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

// Proto is the protobuf codec
var Proto Codec = ProtoCodec{}

// decodeInto decodes data into *v. When V is a pointer type the pointee is
// allocated first and handed to the codec directly, which is what codecs
// that need the concrete message type expect. Empty data leaves *v zero
// apart from that allocation.
func decodeInto[V any](c Codec, data []byte, v *V) error {
	rv := reflect.ValueOf(v).Elem()
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		if len(data) == 0 {
			return nil
		}
		return c.Decode(data, rv.Interface())
	}
	if len(data) == 0 {
		return nil
	}
	return c.Decode(data, v)
}

// Payloads larger than the configured threshold are zstd-compressed before
// they are copied into a slot, which lets compressible values above
// MaxPayloadSize still travel in one slot.
var (
	compressEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	compressDecoder, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(64<<20),
	)
)

// pack compresses payload when it is at least threshold bytes and the
// result is smaller. A threshold of zero disables compression.
func pack(payload []byte, threshold int) ([]byte, uint32) {
	if threshold <= 0 || len(payload) < threshold {
		return payload, 0
	}
	out := compressEncoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(out) >= len(payload) {
		return payload, 0
	}
	return out, FlagCompressed
}

// unpack reverses pack according to the slot flags.
func unpack(payload []byte, flags uint32) ([]byte, error) {
	if flags&FlagCompressed == 0 {
		return payload, nil
	}
	out, err := compressDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}
