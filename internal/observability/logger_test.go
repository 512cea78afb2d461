package observability

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewStdLogger(log.New(&buf, "", 0), false))
	t.Cleanup(func() { SetLogger(nil) })

	SetLogger(nil)
	Log().Info("ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected noop logger, got %q", buf.String())
	}
}

func TestStdLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Info("order admitted", String("order_id", "ord-1"), Int("retry_count", 2))

	got := strings.TrimSpace(buf.String())
	want := "INFO order admitted order_id=ord-1 retry_count=2"
	if got != want {
		t.Fatalf("log line = %q, want %q", got, want)
	}
}

func TestStdLoggerDebugSuppressed(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected suppressed debug output, got %q", buf.String())
	}

	debugLogger := NewStdLogger(log.New(&buf, "", 0), true)
	debugLogger.Debug("visible")
	if !strings.Contains(buf.String(), "DEBUG visible") {
		t.Fatalf("expected debug output, got %q", buf.String())
	}
}

func TestErrFieldNilSafe(t *testing.T) {
	f := Err(nil)
	if f.Value != "<nil>" {
		t.Fatalf("nil error field = %v", f.Value)
	}
	f = Err(errors.New("boom"))
	if f.Value != "boom" {
		t.Fatalf("error field = %v", f.Value)
	}
}
