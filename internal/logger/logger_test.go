// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logger

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
)

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf)
	defer log.SetOutput(os.Stderr)
	defer SetLevel(LevelInfo)

	SetLevel(LevelError)
	Info("hidden %d", 1)
	Error("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at error level: %q", out)
	}
	if !strings.Contains(out, "ERROR: shown 2") {
		t.Errorf("error line missing: %q", out)
	}
	if !strings.Contains(out, "logger_test.go") {
		t.Errorf("caller file not reported: %q", out)
	}

	buf.Reset()
	SetLevel(LevelDebug)
	Debug("trace %s", "on")
	if !strings.Contains(buf.String(), "DEBUG: trace on") {
		t.Errorf("debug line missing: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"error": LevelError,
		"warn":  LevelWarn,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"bogus": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}
