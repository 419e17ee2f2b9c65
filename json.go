// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"bytes"
	"errors"
	"unicode/utf8"

	rpc "github.com/gorilla/rpc/v2/json2"
	"github.com/sugawarayuuta/sonnet"
)

// Error responses carry a JSON-RPC 2.0 error object as their payload, so a
// peer written against any JSON-RPC client library can read them:
//
//	{"jsonrpc":"2.0","error":{"code":-32601,"message":"...","data":{"status":1}},"id":42}
//
// The status in the slot header stays authoritative.

// maxErrorMessage bounds the raw message before encoding. The encoded
// object is checked against MaxPayloadSize separately since escaping can
// grow the text up to six times.
const maxErrorMessage = 3072

type errorData struct {
	Status StatusCode `json:"status"`
	Method string     `json:"method,omitempty"`
}

type errorObject struct {
	Code    rpc.ErrorCode `json:"code"`
	Message string        `json:"message"`
	Data    errorData     `json:"data"`
}

type errorResponse struct {
	Version string      `json:"jsonrpc"`
	Error   errorObject `json:"error"`
	ID      uint64      `json:"id"`
}

func jsonRPCCode(c StatusCode) rpc.ErrorCode {
	switch c {
	case StatusMethodNotFound:
		return rpc.E_NO_METHOD
	case StatusInvalidArgs:
		return rpc.E_BAD_PARAMS
	case StatusSerializationError:
		return rpc.E_PARSE
	case StatusExecutionError, StatusUnknown:
		return rpc.E_INTERNAL
	default:
		return rpc.E_SERVER
	}
}

// encodeErrorPayload renders e as a JSON-RPC 2.0 error response that fits
// in one slot. Long messages are cut on a rune boundary until the encoded
// object fits.
func encodeErrorPayload(id uint64, e *Error) []byte {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	msg = truncateUTF8(msg, maxErrorMessage)
	for {
		b, err := sonnet.Marshal(errorResponse{
			Version: "2.0",
			Error: errorObject{
				Code:    jsonRPCCode(e.Code),
				Message: msg,
				Data:    errorData{Status: e.Code, Method: e.Method},
			},
			ID: id,
		})
		if err != nil {
			return []byte(e.Code.String())
		}
		if len(b) <= MaxPayloadSize {
			return b
		}
		if msg == "" {
			return []byte(e.Code.String())
		}
		// Every raw byte removed shrinks the encoding by at least one byte.
		msg = truncateUTF8(msg, len(msg)-(len(b)-MaxPayloadSize))
	}
}

// truncateUTF8 returns the longest prefix of s no longer than n bytes that
// does not split a rune.
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// decodeErrorPayload rebuilds the caller-side error from a failed response.
func decodeErrorPayload(code StatusCode, method string, payload []byte) *Error {
	out := &Error{Code: code, Method: method}
	if len(payload) == 0 {
		return out
	}
	var ignored struct{}
	err := rpc.DecodeClientResponse(bytes.NewReader(payload), &ignored)
	var jerr *rpc.Error
	switch {
	case errors.As(err, &jerr):
		out.Message = jerr.Message
	default:
		out.Message = string(payload)
	}
	if out.Message == code.String() {
		out.Message = ""
	}
	return out
}
