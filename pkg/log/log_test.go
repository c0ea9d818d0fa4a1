package log

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{" warn ", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).WithName("radio").WithValues("sorcID", "abc")

	l.Log(DebugLevel, "d")
	l.Log(InfoLevel, "i")
	l.Log(WarnLevel, "w")
	l.Log(ErrorLevel, "e")
	l.Error(errors.New("boom"), "failed")

	entries := logs.All()
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}

	want := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel, zapcore.ErrorLevel}
	for i, e := range entries {
		if e.Level != want[i] {
			t.Errorf("entry %d level = %v, want %v", i, e.Level, want[i])
		}
		if e.LoggerName != "radio" {
			t.Errorf("entry %d logger = %q, want radio", i, e.LoggerName)
		}
		if e.ContextMap()["sorcID"] != "abc" {
			t.Errorf("entry %d missing sorcID field: %v", i, e.ContextMap())
		}
	}

	if got := entries[4].ContextMap()["error"]; got != "boom" {
		t.Errorf("error field = %v, want boom", got)
	}
}

func TestLogrBridge(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	lr := FromZap(zap.New(core)).Logr()

	lr.Info("from klog", "k", "v")

	if logs.Len() != 1 {
		t.Fatalf("got %d entries, want 1", logs.Len())
	}
	if logs.All()[0].Message != "from klog" {
		t.Errorf("message = %q", logs.All()[0].Message)
	}
}
