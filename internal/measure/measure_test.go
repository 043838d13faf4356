package measure

import (
	"bytes"
	"log"
	"testing"
)

// Interactively always takes the non-terminal branch under `go test` (no
// tty on stdout), so this exercises the ulog fallback path.
func TestInteractivelyNonTTYLogsStartAndDone(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	done := Interactively("running test-op")
	done("")

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("running test-op...")) {
		t.Errorf("expected start line in output, got %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("running test-op done in")) {
		t.Errorf("expected done line in output, got %q", out)
	}
}
