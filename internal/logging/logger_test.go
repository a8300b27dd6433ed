package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	if err := Configure("debug", "json"); err != nil {
		t.Fatal(err)
	}
	defer Configure("info", "text")

	log := NewLogger("Resolver").With("run_id", "r1")
	log.Info("ordered", "regions", 3)

	out := buf.String()
	for _, want := range []string{`"component":"Resolver"`, `"run_id":"r1"`, `"regions":3`, `"msg":"ordered"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
}

func TestConfigureRejectsUnknownValues(t *testing.T) {
	if err := Configure("loud", ""); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := Configure("", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
