package ulog

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func capture(f func()) string {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)
	f()
	return buf.String()
}

func TestInfoPrefix(t *testing.T) {
	out := capture(func() { Info("upload done: %s", "spk.bin") })
	if !strings.HasPrefix(out, "[INFO] upload done: spk.bin") {
		t.Errorf("Info() output = %q, want [INFO] prefix", out)
	}
}

func TestErrorPrefix(t *testing.T) {
	out := capture(func() { Error("device not found") })
	if !strings.HasPrefix(out, "[ERROR] device not found") {
		t.Errorf("Error() output = %q, want [ERROR] prefix", out)
	}
}

func TestWarnPrefix(t *testing.T) {
	out := capture(func() { Warn("retrying") })
	if !strings.HasPrefix(out, "[WARN] retrying") {
		t.Errorf("Warn() output = %q, want [WARN] prefix", out)
	}
}
