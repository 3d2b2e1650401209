package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func newBufferLogger(t *testing.T, f Formatter, lvl Level) (Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	l := NewLogger(WithLevel(lvl), WithFormatter(f), WithOutput(&ConsoleOutput{Writer: buf}))
	return l, buf
}

func TestLevelGate(t *testing.T) {
	l, buf := newBufferLogger(t, &TextFormatter{}, WarnLevel)
	l.Info("dropped")
	l.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info should be filtered: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn missing: %q", out)
	}
	l.SetLevel(DebugLevel)
	l.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("SetLevel not applied")
	}
}

func TestJSONFieldsAndComponent(t *testing.T) {
	l, buf := newBufferLogger(t, &JSONFormatter{}, DebugLevel)
	l.WithComponent("rebalance").With(Str("processor", "orders")).Info("rebalance.claimed", Int("partition", 3), Err(errors.New("boom")))

	var got map[string]any
	if err := sonic.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if got["msg"] != "rebalance.claimed" {
		t.Fatalf("msg: %v", got["msg"])
	}
	if got[ComponentKey] != "rebalance" || got["processor"] != "orders" {
		t.Fatalf("inherited fields missing: %v", got)
	}
	if got["partition"].(float64) != 3 {
		t.Fatalf("partition: %v", got["partition"])
	}
	if got["error"] != "boom" {
		t.Fatalf("error: %v", got["error"])
	}
	if got["level"] != "INFO" {
		t.Fatalf("level: %v", got["level"])
	}
}

func TestChildDoesNotLeakIntoParent(t *testing.T) {
	l, buf := newBufferLogger(t, &TextFormatter{}, InfoLevel)
	_ = l.With(Str("child", "yes"))
	l.Info("parent")
	if strings.Contains(buf.String(), "child=yes") {
		t.Fatalf("child field leaked: %q", buf.String())
	}
}

func TestApplyConfigRedactAndSample(t *testing.T) {
	l, err := ApplyConfig(&Config{Level: "debug", Format: "text", Outputs: []string{"null"}, Redact: []string{"secret"}, SampleInitial: 1, SampleThereafter: 100})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	buf := &bytes.Buffer{}
	bl := l.(*BaseLogger)
	bl.outputs = []Output{&ConsoleOutput{Writer: buf}}
	for i := 0; i < 5; i++ {
		l.Info("hot path", Str("secret", "hunter2"))
	}
	out := buf.String()
	// first occurrence, then every 100th after it (the second call starts that cycle)
	if strings.Count(out, "hot path") != 2 {
		t.Fatalf("expected sampling to keep two lines: %q", out)
	}
	if strings.Contains(out, "hunter2") || !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("redaction not applied: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel, "": InfoLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNopLoggerSilent(t *testing.T) {
	l := NewNopLogger()
	l.Error("nothing")
	if l.GetLevel() <= FatalLevel {
		t.Fatalf("nop logger should be above fatal")
	}
}
