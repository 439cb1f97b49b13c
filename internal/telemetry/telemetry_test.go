package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	if err := Init(context.Background(), Config{}, "flagsweep", "test"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	_, span := Tracer("").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("expected no-op span when disabled")
	}
	span.End()
	Shutdown(context.Background())
}

func TestInit_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Enabled: true, Stdout: true, Writer: &buf}
	if err := Init(context.Background(), cfg, "flagsweep", "test"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Init(context.Background(), Config{}, "flagsweep", "test")
	})

	_, span := Tracer("test").Start(context.Background(), "runner.run")
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording span when enabled")
	}
	span.End()

	counter, err := Meter("test").Int64Counter("flagsweep.test.counter")
	if err != nil {
		t.Fatalf("Int64Counter failed: %v", err)
	}
	counter.Add(context.Background(), 1)

	Shutdown(context.Background())
	if !strings.Contains(buf.String(), "runner.run") {
		t.Errorf("span not exported: %s", buf.String())
	}
}
