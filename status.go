// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusCode is carried in every response slot.
type StatusCode uint32

const (
	StatusOK                 StatusCode = 0
	StatusMethodNotFound     StatusCode = 1
	StatusInvalidArgs        StatusCode = 2
	StatusExecutionError     StatusCode = 3
	StatusTimeout            StatusCode = 4
	StatusConnectionError    StatusCode = 5
	StatusSerializationError StatusCode = 6
	StatusSizeExceeded       StatusCode = 7
	StatusUnknown            StatusCode = 999
)

var statusNames = map[StatusCode]string{
	StatusOK:                 "ok",
	StatusMethodNotFound:     "method not found",
	StatusInvalidArgs:        "invalid arguments",
	StatusExecutionError:     "execution error",
	StatusTimeout:            "timeout",
	StatusConnectionError:    "connection error",
	StatusSerializationError: "serialization error",
	StatusSizeExceeded:       "size exceeded",
	StatusUnknown:            "unknown error",
}

func (c StatusCode) String() string {
	if s, ok := statusNames[c]; ok {
		return s
	}
	return fmt.Sprintf("status(%d)", uint32(c))
}

// GRPCCode maps the status onto the closest gRPC code.
func (c StatusCode) GRPCCode() codes.Code {
	switch c {
	case StatusOK:
		return codes.OK
	case StatusMethodNotFound:
		return codes.Unimplemented
	case StatusInvalidArgs:
		return codes.InvalidArgument
	case StatusExecutionError:
		return codes.Internal
	case StatusTimeout:
		return codes.DeadlineExceeded
	case StatusConnectionError:
		return codes.Unavailable
	case StatusSerializationError:
		return codes.DataLoss
	case StatusSizeExceeded:
		return codes.ResourceExhausted
	default:
		return codes.Unknown
	}
}

// Error is returned by Call and friends for every RPC-level failure.
// errors.Is matches on Code, so the package sentinels below can be used to
// classify any *Error.
type Error struct {
	Code    StatusCode
	Method  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Method != "" {
		msg = fmt.Sprintf("%s: %s", e.Method, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "shmrpc: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// GRPCStatus lets status.FromError and status.Code understand *Error.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code.GRPCCode(), e.Error())
}

var (
	ErrMethodNotFound     = &Error{Code: StatusMethodNotFound}
	ErrInvalidArgs        = &Error{Code: StatusInvalidArgs}
	ErrExecution          = &Error{Code: StatusExecutionError}
	ErrCallTimeout        = &Error{Code: StatusTimeout}
	ErrNotConnected       = &Error{Code: StatusConnectionError}
	ErrSerialization      = &Error{Code: StatusSerializationError}
	ErrSizeExceeded       = &Error{Code: StatusSizeExceeded}
	ErrUnknown            = &Error{Code: StatusUnknown}
	ErrClosed             = errors.New("shmrpc: closed")
	ErrServerRunning      = errors.New("shmrpc: server already running")
	ErrInvalidChannelName = errors.New("shmrpc: invalid channel name")
)

// Errorf builds an *Error that handlers can return to choose the status
// sent back to the caller.
func Errorf(code StatusCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Code classifies err. A nil error is StatusOK.
func Code(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	return StatusUnknown
}

func sizeError(method, what string, got, limit int) *Error {
	return &Error{
		Code:    StatusSizeExceeded,
		Method:  method,
		Message: fmt.Sprintf("%s is %d bytes, limit %d", what, got, limit),
	}
}

func timeoutError(method string) *Error {
	return &Error{
		Code:    StatusTimeout,
		Method:  method,
		Message: "no response before deadline",
		Err:     context.DeadlineExceeded,
	}
}

// handlerError turns whatever a handler returned into an *Error.
func handlerError(method string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		out := *e
		if out.Method == "" {
			out.Method = method
		}
		if out.Message == "" && out.Err != nil {
			out.Message = out.Err.Error()
			out.Err = nil
		}
		return &out
	}
	return &Error{Code: StatusExecutionError, Method: method, Message: err.Error()}
}
