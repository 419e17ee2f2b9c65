// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies the message carried by a slot.
type Kind uint8

const (
	KindRequest   Kind = 0x01
	KindResponse  Kind = 0x02
	KindHeartbeat Kind = 0x03
	KindNotify    Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindHeartbeat:
		return "heartbeat"
	case KindNotify:
		return "notify"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Slot flags.
const (
	FlagCompressed uint32 = 1 << 0
)

// Slot is one fixed-size queue element. Its layout is explicit and
// little-endian so it does not depend on Go struct layout:
//
//	@0   version    u8
//	@1   kind       u8
//	@2   methodLen  u16
//	@4   status     u32
//	@8   requestID  u64
//	@16  payloadLen u32
//	@20  flags      u32
//	@24  method     [64]byte
//	@96  payload    [4000]byte
type Slot [SlotSize]byte

const (
	SlotSize       = 4096
	WireVersion    = 1
	MaxMethodLen   = 64
	MaxPayloadSize = SlotSize - offPayload

	offVersion    = 0
	offKind       = 1
	offMethodLen  = 2
	offStatus     = 4
	offRequestID  = 8
	offPayloadLen = 16
	offFlags      = 20
	offMethod     = 24
	offPayload    = offMethod + MaxMethodLen
)

// slotLayoutTag is hashed into every queue header so that peers built
// with a different slot layout refuse to attach.
const slotLayoutTag = "shmrpc.Slot/v1"

var ErrMalformed = errors.New("shmrpc: malformed envelope")

// RequestEnvelope is a request, heartbeat or notification as seen by the
// server.
type RequestEnvelope struct {
	Kind      Kind
	RequestID uint64
	Method    string
	Flags     uint32
	Payload   []byte
}

// ResponseEnvelope is the server's answer to one request id.
type ResponseEnvelope struct {
	Kind      Kind
	RequestID uint64
	Status    StatusCode
	Flags     uint32
	Payload   []byte
}

// MarshalSlot writes the envelope into s. It fails with ErrSizeExceeded if
// the method name or payload does not fit.
func (e *RequestEnvelope) MarshalSlot(s *Slot) error {
	if len(e.Method) > MaxMethodLen {
		return sizeError(e.Method, "method name", len(e.Method), MaxMethodLen)
	}
	if len(e.Payload) > MaxPayloadSize {
		return sizeError(e.Method, "payload", len(e.Payload), MaxPayloadSize)
	}
	kind := e.Kind
	if kind == 0 {
		kind = KindRequest
	}
	putHeader(s, kind, 0, e.RequestID, e.Flags, len(e.Payload))
	binary.LittleEndian.PutUint16(s[offMethodLen:], uint16(len(e.Method)))
	copy(s[offMethod:offMethod+MaxMethodLen], e.Method)
	copy(s[offPayload:], e.Payload)
	return nil
}

// UnmarshalSlot reads s into the envelope. The payload is copied, so the
// slot may be reused once this returns.
func (e *RequestEnvelope) UnmarshalSlot(s *Slot) error {
	kind, id, flags, payload, err := readHeader(s)
	if err != nil {
		return err
	}
	e.Kind, e.RequestID, e.Flags = kind, id, flags
	switch kind {
	case KindRequest, KindHeartbeat, KindNotify:
	default:
		return fmt.Errorf("%w: unexpected %s in request queue", ErrMalformed, kind)
	}
	methodLen := int(binary.LittleEndian.Uint16(s[offMethodLen:]))
	if methodLen > MaxMethodLen {
		return fmt.Errorf("%w: method length %d", ErrMalformed, methodLen)
	}
	e.Method = string(s[offMethod : offMethod+methodLen])
	e.Payload = append([]byte(nil), payload...)
	return nil
}

// MarshalSlot writes the envelope into s.
func (e *ResponseEnvelope) MarshalSlot(s *Slot) error {
	if len(e.Payload) > MaxPayloadSize {
		return sizeError("", "response payload", len(e.Payload), MaxPayloadSize)
	}
	kind := e.Kind
	if kind == 0 {
		kind = KindResponse
	}
	putHeader(s, kind, e.Status, e.RequestID, e.Flags, len(e.Payload))
	binary.LittleEndian.PutUint16(s[offMethodLen:], 0)
	copy(s[offPayload:], e.Payload)
	return nil
}

// UnmarshalSlot reads s into the envelope, copying the payload.
func (e *ResponseEnvelope) UnmarshalSlot(s *Slot) error {
	kind, id, flags, payload, err := readHeader(s)
	if err != nil {
		return err
	}
	e.Kind, e.RequestID, e.Flags = kind, id, flags
	switch kind {
	case KindResponse, KindHeartbeat:
	default:
		return fmt.Errorf("%w: unexpected %s in response queue", ErrMalformed, kind)
	}
	e.Status = StatusCode(binary.LittleEndian.Uint32(s[offStatus:]))
	e.Payload = append([]byte(nil), payload...)
	return nil
}

func putHeader(s *Slot, kind Kind, status StatusCode, id uint64, flags uint32, payloadLen int) {
	s[offVersion] = WireVersion
	s[offKind] = byte(kind)
	binary.LittleEndian.PutUint32(s[offStatus:], uint32(status))
	binary.LittleEndian.PutUint64(s[offRequestID:], id)
	binary.LittleEndian.PutUint32(s[offPayloadLen:], uint32(payloadLen))
	binary.LittleEndian.PutUint32(s[offFlags:], flags)
}

func readHeader(s *Slot) (Kind, uint64, uint32, []byte, error) {
	if v := s[offVersion]; v != WireVersion {
		return 0, 0, 0, nil, fmt.Errorf("%w: wire version %d, want %d", ErrMalformed, v, WireVersion)
	}
	kind := Kind(s[offKind])
	id := binary.LittleEndian.Uint64(s[offRequestID:])
	flags := binary.LittleEndian.Uint32(s[offFlags:])
	n := binary.LittleEndian.Uint32(s[offPayloadLen:])
	if n > MaxPayloadSize {
		return kind, id, flags, nil, fmt.Errorf("%w: payload length %d", ErrMalformed, n)
	}
	return kind, id, flags, s[offPayload : offPayload+int(n)], nil
}
