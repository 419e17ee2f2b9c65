// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command shmrpc runs a demo server, client or benchmark over a shared
// memory channel.
//
//	shmrpc -role server -channel demo
//	shmrpc -role client -channel demo
//	shmrpc -role bench -channel demo -n 100000
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/luxfi/shmrpc"
	"github.com/luxfi/shmrpc/internal/logger"
)

type addArgs struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

func main() {
	// Flags
	role := flag.String("role", "server", "server, client or bench")
	channel := flag.String("channel", "demo", "channel name")
	n := flag.Int("n", 10000, "number of calls in bench mode")
	timeout := flag.Duration("timeout", shmrpc.DefaultTimeout, "per call timeout")
	workers := flag.Int("workers", 1, "server handler goroutines")
	compress := flag.Int("compress", 0, "compress payloads of at least this many bytes (0 disables)")
	queueSize := flag.Uint64("queue", shmrpc.DefaultQueueSize, "slots per queue, power of two")
	level := flag.String("log-level", "info", "error, warn, info or debug")
	flag.Parse()

	logger.Setup(os.Stderr)
	logger.SetLevel(logger.ParseLevel(*level))

	opts := []shmrpc.Option{
		shmrpc.WithTimeout(*timeout),
		shmrpc.WithWorkers(*workers),
		shmrpc.WithCompression(*compress),
		shmrpc.WithQueueSizes(*queueSize, *queueSize),
	}

	// Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *role {
	case "server":
		err = runServer(ctx, *channel, opts)
	case "client":
		err = runClient(ctx, *channel, flag.Args(), opts)
	case "bench":
		err = runBench(ctx, *channel, *n, opts)
	default:
		logger.Fatal("unknown role %q", *role)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("%s: %v", *role, err)
	}
}

func runServer(ctx context.Context, channel string, opts []shmrpc.Option) error {
	server, err := shmrpc.NewServer(channel, opts...)
	if err != nil {
		return err
	}
	defer server.Close()

	shmrpc.BindFunc(server, "add", func(ctx context.Context, args addArgs) (int64, error) {
		return args.A + args.B, nil
	})
	shmrpc.BindFunc(server, "echo", func(ctx context.Context, s string) (string, error) {
		return s, nil
	})
	shmrpc.BindFunc(server, "upper", func(ctx context.Context, s string) (string, error) {
		return strings.ToUpper(s), nil
	})
	server.Bind("ping", func(context.Context, []byte) ([]byte, error) {
		return []byte("pong"), nil
	})

	logger.Info("serving %s on %s and %s. Press Ctrl+C to stop.", channel,
		shmrpc.RequestSegmentName(channel), shmrpc.ResponseSegmentName(channel))
	logger.Info("methods: %s", strings.Join(server.Registry().Methods(), ", "))
	return server.Run(ctx)
}

func runClient(ctx context.Context, channel string, words []string, opts []shmrpc.Option) error {
	client, err := shmrpc.Dial(ctx, channel, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	sum, err := shmrpc.Invoke[int64](ctx, client, "add", addArgs{A: 2, B: 3})
	if err != nil {
		return err
	}
	logger.Info("add(2, 3) = %d", sum)

	msg := "hello from pid " + strconv.Itoa(os.Getpid())
	if len(words) > 0 {
		msg = strings.Join(words, " ")
	}
	echo, err := shmrpc.Invoke[string](ctx, client, "upper", msg)
	if err != nil {
		return err
	}
	logger.Info("upper(%q) = %q", msg, echo)

	pong, err := client.CallRaw(ctx, "ping", nil)
	if err != nil {
		return err
	}
	logger.Info("ping = %s", pong)
	return nil
}

func runBench(ctx context.Context, channel string, n int, opts []shmrpc.Option) error {
	client, err := shmrpc.Dial(ctx, channel, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	latencies := make([]time.Duration, 0, n)
	begin := time.Now()
	for i := 0; i < n; i++ {
		start := time.Now()
		if _, err := client.CallRaw(ctx, "ping", nil); err != nil {
			return err
		}
		latencies = append(latencies, time.Since(start))
	}
	total := time.Since(begin)
	if n == 0 {
		return nil
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		return latencies[int(p*float64(len(latencies)-1))]
	}
	logger.Info("%d calls in %v (%.0f calls/s)", n, total, float64(n)/total.Seconds())
	logger.Info("latency p50=%v p90=%v p99=%v max=%v", pct(0.50), pct(0.90), pct(0.99), latencies[n-1])
	return nil
}
