package util

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/pterm/pterm"
)

// TestFormatBytesFixedWidth verifies that every formatted value is exactly
// 8 characters wide so reporter lines stay aligned.
func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) width = %d, want 8", tc.in, len(got))
		}
	}
}

// TestShortIDStable verifies that ShortID is deterministic and always 8 chars.
func TestShortIDStable(t *testing.T) {
	a := ShortID("5f1c2a1e-0000-4000-8000-000000000001")
	b := ShortID("5f1c2a1e-0000-4000-8000-000000000001")
	if a != b {
		t.Fatalf("ShortID not deterministic: %q vs %q", a, b)
	}
	if len(a) != 8 {
		t.Fatalf("ShortID length = %d, want 8", len(a))
	}
	if ShortID("") != "--------" {
		t.Fatalf("ShortID(\"\") = %q", ShortID(""))
	}
}

// TestStatsActive verifies the connected-peer gauge derived from the counters.
func TestStatsActive(t *testing.T) {
	s := &stats{}
	s.AddPeer()
	s.AddPeer()
	s.RemovePeer()
	s.AddSent(10)
	s.AddRecv(4)

	if got := s.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
	if s.MessagesSent.Load() != 1 || s.BytesSent.Load() != 10 {
		t.Errorf("sent counters = %d/%d, want 1/10", s.MessagesSent.Load(), s.BytesSent.Load())
	}
	if s.MessagesRecv.Load() != 1 || s.BytesRecv.Load() != 4 {
		t.Errorf("recv counters = %d/%d, want 1/4", s.MessagesRecv.Load(), s.BytesRecv.Load())
	}
}

// TestLogLevels verifies that every helper writes its message with the
// expected level, and that debug output follows EnableDebug.
func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	prevWriter, prevLevel := pterm.DefaultLogger.Writer, pterm.DefaultLogger.Level
	pterm.DefaultLogger.Writer = &buf
	pterm.DefaultLogger.Level = pterm.LogLevelInfo
	t.Cleanup(func() {
		pterm.DefaultLogger.Writer = prevWriter
		pterm.DefaultLogger.Level = prevLevel
	})

	testCases := []struct {
		log   func(string, ...interface{})
		level string
	}{
		{LogInfo, "INFO"},
		{LogSuccess, "INFO"},
		{LogWarning, "WARN"},
		{LogError, "ERROR"},
	}

	for i, tc := range testCases {
		buf.Reset()
		tc.log("entry %d", i)
		out := buf.String()
		if !strings.Contains(out, fmt.Sprintf("entry %d", i)) || !strings.Contains(out, tc.level) {
			t.Errorf("case %d: output %q, want level %s", i, out, tc.level)
		}
	}

	buf.Reset()
	LogDebug("hidden")
	if buf.Len() != 0 || DebugEnabled() {
		t.Fatalf("debug output before EnableDebug: %q", buf.String())
	}
	EnableDebug()
	LogDebug("shown")
	if !strings.Contains(buf.String(), "shown") || !DebugEnabled() {
		t.Fatalf("debug output after EnableDebug: %q", buf.String())
	}
}

// TestPionLoggerFollowsDebug verifies that pion's chatty levels are only
// printed in debug mode while warnings always are.
func TestPionLoggerFollowsDebug(t *testing.T) {
	var buf bytes.Buffer
	prevWriter, prevLevel := pterm.DefaultLogger.Writer, pterm.DefaultLogger.Level
	pterm.DefaultLogger.Writer = &buf
	pterm.DefaultLogger.Level = pterm.LogLevelInfo
	t.Cleanup(func() {
		pterm.DefaultLogger.Writer = prevWriter
		pterm.DefaultLogger.Level = prevLevel
	})

	log := PionLoggerFactory{}.NewLogger("ice")
	log.Infof("gathering %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("pion info printed without debug: %q", buf.String())
	}

	log.Warnf("lost %s", "candidate")
	if out := buf.String(); !strings.Contains(out, "[pion/ice] lost candidate") {
		t.Fatalf("pion warning = %q", out)
	}
}
