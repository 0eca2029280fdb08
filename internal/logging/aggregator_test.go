package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestAggregatorCountsAndTotals(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 3600)

	agg.Add(CompCapture, "chunk", 100, slog.String("session", "s1"))
	agg.Add(CompCapture, "chunk", 50, slog.String("session", "s2"))
	agg.Record(CompBridge, "broadcast")

	if got := agg.Pending(CompCapture, "chunk"); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	agg.flush()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d summaries, want 2: %s", len(lines), buf.String())
	}

	// Sorted: bridge before capture.
	var first, second map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &first)
	_ = json.Unmarshal([]byte(lines[1]), &second)

	if first["event"] != "broadcast" {
		t.Errorf("first event = %v", first["event"])
	}
	if _, ok := first["total"]; ok {
		t.Error("zero total should be omitted")
	}
	if second["count"] != float64(2) || second["total"] != float64(150) {
		t.Errorf("chunk summary = %v", second)
	}
	if second["session"] != "s2" {
		t.Errorf("last fields should win, got session=%v", second["session"])
	}
	if agg.Pending(CompCapture, "chunk") != 0 {
		t.Error("flush did not reset entries")
	}
}

func TestAggregatorNilLogger(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()
	agg.Record(CompInput, "send")
	agg.Stop()
}

func TestAggregatorEmptyFlushIsSilent(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 1)
	agg.flush()
	if buf.Len() != 0 {
		t.Errorf("unexpected output: %s", buf.String())
	}
}
