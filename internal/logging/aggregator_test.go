package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestAggregatorCountsAndResets(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 3600)

	agg.Record(CompScroll, "wheel_passthrough")
	agg.Record(CompScroll, "wheel_passthrough", slog.String("session", "abc"))
	agg.Flush()

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if rec["count"] != float64(2) {
		t.Errorf("count = %v, want 2", rec["count"])
	}
	if rec["session"] != "abc" {
		t.Errorf("session = %v, want abc", rec["session"])
	}

	buf.Reset()
	agg.Flush()
	if buf.Len() != 0 {
		t.Errorf("second flush should be empty, got %q", buf.String())
	}
}

func TestAggregatorNilLogger(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()
	agg.Record(CompBridge, "pty_chunk")
	agg.Stop()
	agg.Stop()
}
