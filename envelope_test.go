// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/luxfi/shmrpc/ring"
)

func TestSlotLayout(t *testing.T) {
	if ring.RegionSize[Slot](1) != ring.HeaderSize+SlotSize {
		t.Fatalf("slot is not %d bytes", SlotSize)
	}
	if MaxPayloadSize != 4000 {
		t.Fatalf("MaxPayloadSize = %d", MaxPayloadSize)
	}

	var s Slot
	req := RequestEnvelope{RequestID: 0x0102030405060708, Method: "add", Flags: FlagCompressed, Payload: []byte("xyz")}
	if err := req.MarshalSlot(&s); err != nil {
		t.Fatal(err)
	}
	if s[offVersion] != WireVersion || Kind(s[offKind]) != KindRequest {
		t.Errorf("header bytes %v", s[:2])
	}
	if got := binary.LittleEndian.Uint64(s[offRequestID:]); got != req.RequestID {
		t.Errorf("request id at @8 = %#x", got)
	}
	if got := binary.LittleEndian.Uint16(s[offMethodLen:]); got != 3 {
		t.Errorf("method length at @2 = %d", got)
	}
	if got := string(s[offMethod : offMethod+3]); got != "add" {
		t.Errorf("method at @24 = %q", got)
	}
	if got := string(s[offPayload : offPayload+3]); got != "xyz" {
		t.Errorf("payload at @96 = %q", got)
	}
}

func TestRequestEnvelope(t *testing.T) {
	var s Slot
	in := RequestEnvelope{Kind: KindNotify, RequestID: 42, Method: "log", Payload: []byte("line")}
	if err := in.MarshalSlot(&s); err != nil {
		t.Fatal(err)
	}

	var out RequestEnvelope
	if err := out.UnmarshalSlot(&s); err != nil {
		t.Fatal(err)
	}
	if out.Kind != KindNotify || out.RequestID != 42 || out.Method != "log" || string(out.Payload) != "line" {
		t.Fatalf("got %+v", out)
	}

	// The payload must not alias the slot.
	s[offPayload] = 'X'
	if string(out.Payload) != "line" {
		t.Error("payload aliases the slot")
	}
}

func TestResponseEnvelope(t *testing.T) {
	var s Slot
	in := ResponseEnvelope{RequestID: 7, Status: StatusExecutionError, Payload: []byte("err")}
	if err := in.MarshalSlot(&s); err != nil {
		t.Fatal(err)
	}
	var out ResponseEnvelope
	if err := out.UnmarshalSlot(&s); err != nil {
		t.Fatal(err)
	}
	if out.Kind != KindResponse || out.RequestID != 7 || out.Status != StatusExecutionError || string(out.Payload) != "err" {
		t.Fatalf("got %+v", out)
	}
}

func TestEnvelopeSizeLimits(t *testing.T) {
	var s Slot
	tests := []struct {
		name string
		env  RequestEnvelope
	}{
		{"method", RequestEnvelope{Method: strings.Repeat("m", MaxMethodLen+1)}},
		{"payload", RequestEnvelope{Method: "m", Payload: make([]byte, MaxPayloadSize+1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.MarshalSlot(&s)
			if !errors.Is(err, ErrSizeExceeded) {
				t.Fatalf("MarshalSlot = %v, want ErrSizeExceeded", err)
			}
		})
	}

	full := RequestEnvelope{Method: strings.Repeat("m", MaxMethodLen), Payload: bytes.Repeat([]byte{1}, MaxPayloadSize)}
	if err := full.MarshalSlot(&s); err != nil {
		t.Fatalf("limits exactly: %v", err)
	}
	var out RequestEnvelope
	if err := out.UnmarshalSlot(&s); err != nil || len(out.Method) != MaxMethodLen || len(out.Payload) != MaxPayloadSize {
		t.Fatalf("limits exactly: %d/%d, %v", len(out.Method), len(out.Payload), err)
	}
}

func TestMalformedSlot(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Slot)
	}{
		{"zero slot", func(s *Slot) { *s = Slot{} }},
		{"version", func(s *Slot) { s[offVersion] = WireVersion + 1 }},
		{"payload length", func(s *Slot) { binary.LittleEndian.PutUint32(s[offPayloadLen:], MaxPayloadSize+1) }},
		{"method length", func(s *Slot) { binary.LittleEndian.PutUint16(s[offMethodLen:], MaxMethodLen+1) }},
		{"response kind", func(s *Slot) { s[offKind] = byte(KindResponse) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var s Slot
			env := RequestEnvelope{RequestID: 1, Method: "m"}
			env.MarshalSlot(&s)
			tc.mutate(&s)
			var out RequestEnvelope
			if err := out.UnmarshalSlot(&s); !errors.Is(err, ErrMalformed) {
				t.Fatalf("UnmarshalSlot = %v, want ErrMalformed", err)
			}
		})
	}

	var s Slot
	req := RequestEnvelope{RequestID: 1, Method: "m"}
	req.MarshalSlot(&s)
	var resp ResponseEnvelope
	if err := resp.UnmarshalSlot(&s); !errors.Is(err, ErrMalformed) {
		t.Fatalf("request read as response: %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code StatusCode
		want codes.Code
	}{
		{StatusOK, codes.OK},
		{StatusMethodNotFound, codes.Unimplemented},
		{StatusInvalidArgs, codes.InvalidArgument},
		{StatusExecutionError, codes.Internal},
		{StatusTimeout, codes.DeadlineExceeded},
		{StatusConnectionError, codes.Unavailable},
		{StatusSerializationError, codes.DataLoss},
		{StatusSizeExceeded, codes.ResourceExhausted},
		{StatusUnknown, codes.Unknown},
	}
	for _, tc := range tests {
		err := &Error{Code: tc.code, Method: "m"}
		st, ok := status.FromError(err)
		if !ok || st.Code() != tc.want {
			t.Errorf("%v: grpc code %v, want %v", tc.code, st.Code(), tc.want)
		}
		if Code(err) != tc.code {
			t.Errorf("Code(%v) = %v", err, Code(err))
		}
	}
	if Code(nil) != StatusOK {
		t.Error("Code(nil) != StatusOK")
	}
	if Code(errors.New("x")) != StatusUnknown {
		t.Error("plain error not StatusUnknown")
	}
}

func TestErrorPayload(t *testing.T) {
	in := &Error{Code: StatusMethodNotFound, Method: "nope", Message: `no handler bound for "nope"`}
	payload := encodeErrorPayload(9, in)
	if !bytes.Contains(payload, []byte(`"jsonrpc":"2.0"`)) || !bytes.Contains(payload, []byte(`-32601`)) {
		t.Fatalf("payload is not a JSON-RPC error object: %s", payload)
	}

	out := decodeErrorPayload(StatusMethodNotFound, "nope", payload)
	if out.Code != in.Code || out.Message != in.Message || out.Method != "nope" {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}

	raw := decodeErrorPayload(StatusExecutionError, "m", []byte("plain text"))
	if raw.Message != "plain text" {
		t.Errorf("plain payload decoded as %q", raw.Message)
	}

	for _, msg := range []string{
		strings.Repeat("x", 2*MaxPayloadSize),
		strings.Repeat("<", MaxPayloadSize),
		strings.Repeat(`"`, 2500),
		strings.Repeat("\x01", 1000),
		strings.Repeat("日本", 1000),
	} {
		long := &Error{Code: StatusInvalidArgs, Method: strings.Repeat("m", MaxMethodLen), Message: msg}
		payload := encodeErrorPayload(1, long)
		if len(payload) > MaxPayloadSize {
			t.Errorf("%q...: encodes to %d bytes", msg[:4], len(payload))
			continue
		}
		out := decodeErrorPayload(StatusInvalidArgs, "m", payload)
		if out.Message == "" || !utf8.ValidString(out.Message) || !strings.HasPrefix(msg, out.Message) {
			t.Errorf("%q...: decoded message of %d bytes is not a valid prefix", msg[:4], len(out.Message))
		}
	}
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abc", 2, "ab"},
		{"abc", 0, ""},
		{"é", 1, ""},
		{"aé", 2, "a"},
		{"日本", 5, "日"},
		{"日本", 6, "日本"},
	}
	for _, tc := range tests {
		if got := truncateUTF8(tc.in, tc.n); got != tc.want {
			t.Errorf("truncateUTF8(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestCodecs(t *testing.T) {
	var raw []byte
	if err := Binary.Decode([]byte{1, 2}, &raw); err != nil || !bytes.Equal(raw, []byte{1, 2}) {
		t.Fatalf("binary decode = %v, %v", raw, err)
	}
	if b, err := Binary.Encode([]byte{3}); err != nil || !bytes.Equal(b, []byte{3}) {
		t.Fatalf("binary encode = %v, %v", b, err)
	}

	b, err := Proto.Encode(wrapperspb.String("hi"))
	if err != nil {
		t.Fatal(err)
	}
	var out wrapperspb.StringValue
	if err := Proto.Decode(b, &out); err != nil || out.GetValue() != "hi" {
		t.Fatalf("proto decode = %q, %v", out.GetValue(), err)
	}
	if _, err := Proto.Encode(struct{}{}); err == nil {
		t.Error("proto codec accepted a non-message")
	}

	payload := bytes.Repeat([]byte("z"), 10000)
	packed, flags := pack(payload, 1024)
	if flags&FlagCompressed == 0 || len(packed) >= len(payload) {
		t.Fatalf("compressible payload not compressed: %d bytes, flags %d", len(packed), flags)
	}
	unpacked, err := unpack(packed, flags)
	if err != nil || !bytes.Equal(unpacked, payload) {
		t.Fatalf("unpack: %d bytes, %v", len(unpacked), err)
	}
	if _, flags := pack(payload[:100], 1024); flags != 0 {
		t.Error("payload below threshold compressed")
	}
	if _, err := unpack([]byte("not zstd"), FlagCompressed); err == nil {
		t.Error("unpack accepted garbage")
	}
}

func TestProtoCall(t *testing.T) {
	ch := testChannel(t)
	server := startServer(t, ch, WithCodec(Proto))
	client := dialClient(t, ch, WithCodec(Proto))

	BindFunc(server, "upper", func(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
		return wrapperspb.String(strings.ToUpper(in.GetValue())), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out wrapperspb.StringValue
	if err := client.Call(ctx, "upper", wrapperspb.String("shm"), &out); err != nil {
		t.Fatal(err)
	}
	if out.GetValue() != "SHM" {
		t.Errorf("got %q", out.GetValue())
	}
}
