// Package ioprogress renders a console progress bar for long-running
// transfers, the way the original tool's print_progress did, but only when
// standard output is a terminal — the same TTY-gating internal/measure
// applies to build timing.
package ioprogress

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

const barLength = 40

// Writer counts bytes written through it and renders a progress bar against
// a known total. It is meant to sit behind an io.TeeReader so the byte count
// updates as the source is read.
type Writer struct {
	label      string
	total      uint64
	written    uint64
	interative bool
}

// NewWriter returns a progress Writer for a transfer of total bytes.
func NewWriter(label string, total uint64) *Writer {
	return &Writer{
		label:      label,
		total:      total,
		interative: isatty.IsTerminal(os.Stdout.Fd()),
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.written += uint64(len(p))
	w.render()
	return len(p), nil
}

func (w *Writer) render() {
	if !w.interative || w.total == 0 {
		return
	}
	frac := float64(w.written) / float64(w.total)
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * barLength)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", barLength-filled)
	fmt.Printf("\rTx: |%s| %5.1f%% %s", bar, frac*100, w.label)
}

// Done finishes the bar with a trailing newline.
func (w *Writer) Done() {
	if !w.interative {
		return
	}
	fmt.Println()
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Discard returns a Writer-shaped sink for transfers that don't need a bar
// (e.g. individual chunks of a large chunked flash).
func Discard() io.Writer {
	return discardWriter{}
}
