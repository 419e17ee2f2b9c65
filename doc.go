// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package shmrpc provides request/response RPC between processes on one
// host over lock-free single-producer/single-consumer queues in shared
// memory.
//
// # Channels
//
// A channel name N maps to two segments, /shmrpc_N_req and /shmrpc_N_rsp.
// The server creates both; the client attaches to both. Each segment holds
// one ring of fixed 4 KiB slots whose layout is versioned and checked at
// attach time, so two binaries that disagree on queue size or slot format
// refuse to talk instead of corrupting each other.
//
// Exactly one server and one client may use a channel at a time: the
// server is the only consumer of requests and producer of responses, the
// client the reverse. Nothing enforces this at runtime.
//
// # Usage
//
// Server usage:
//
//	server, err := shmrpc.NewServer("orders")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Close()
//
//	shmrpc.BindFunc(server, "add", func(ctx context.Context, args [2]int) (int, error) {
//	    return args[0] + args[1], nil
//	})
//	server.Run(ctx)
//
// Client usage:
//
//	client, err := shmrpc.NewClient("orders")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.WaitForConnection(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	sum, err := shmrpc.Invoke[int](ctx, client, "add", [2]int{2, 3})
//
//	// Non-blocking
//	f := client.AsyncCall(ctx, "add", [2]int{4, 5})
//	sum, err = shmrpc.Await[int](ctx, f)
//
// # Timeouts
//
// Every call has a deadline: the context's, or the configured default
// (5s). When it passes the call fails with an error matching
// ErrCallTimeout; no cancellation is sent to the server and its eventual
// response is discarded.
//
// # Errors
//
// RPC failures are *Error values carrying a StatusCode. They match the
// package sentinels with errors.Is and convert to gRPC statuses through
// status.FromError. Failed responses carry a JSON-RPC 2.0 error object as
// their payload.
//
// # Transports
//
//   - "shm": named shared-memory segments (default)
//   - "local": heap queues for a client and server in the same process
package shmrpc
