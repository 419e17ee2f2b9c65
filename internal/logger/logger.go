// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logger is the level-gated logging front end shared by every
// shmrpc package. It writes through the standard library logger so the
// host application keeps control of the output.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(LevelInfo))
}

// SetLevel sets the global log level.
func SetLevel(l Level) {
	currentLevel.Store(int32(l))
}

// Enabled reports whether messages at l are currently written.
func Enabled(l Level) bool {
	return Level(currentLevel.Load()) >= l
}

// Setup initializes the standard logger output.
func Setup(w io.Writer) {
	log.SetOutput(w)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
}

// ParseLevel maps a flag value to a Level. Unknown names fall back to info.
func ParseLevel(s string) Level {
	switch s {
	case "error":
		return LevelError
	case "warn":
		return LevelWarn
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func Debug(format string, v ...interface{}) {
	if Enabled(LevelDebug) {
		output("[shmrpc] DEBUG: "+format, v...)
	}
}

// Info logs informative messages if the level allows.
func Info(format string, v ...interface{}) {
	if Enabled(LevelInfo) {
		output("[shmrpc] INFO: "+format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if Enabled(LevelWarn) {
		output("[shmrpc] WARN: "+format, v...)
	}
}

// Error logs error messages.
func Error(format string, v ...interface{}) {
	if Enabled(LevelError) {
		output("[shmrpc] ERROR: "+format, v...)
	}
}

// Fatal logs independent of error level and exits.
func Fatal(format string, v ...interface{}) {
	output("[shmrpc] FATAL: "+format, v...)
	os.Exit(1)
}

func output(format string, v ...interface{}) {
	// Calldepth 3 skips output and the level function to reach the caller.
	log.Output(3, fmt.Sprintf(format, v...))
}
