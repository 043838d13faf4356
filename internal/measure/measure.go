// Package measure times a stage of the boot/provisioning sequence and
// reports how long it took, the way the teacher's image-build step does,
// but falling back to a plain logged line (rather than staying silent) when
// stdout isn't a terminal — useful output here is a record of serial
// sequencing, not just an operator's progress bar.
package measure

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/astraboot/usbboot/internal/ulog"
)

// Interactively announces label and returns a closure that reports its
// elapsed duration plus an optional trailing fragment (e.g. an error
// summary) when called. On a non-terminal stdout it logs both the start and
// the completion through ulog instead of rendering a carriage-return status
// line.
func Interactively(label string) (done func(fragment string)) {
	start := time.Now()

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		ulog.Info("%s...", label)
		return func(fragment string) {
			ulog.Info("%s done in %.2fs%s", label, time.Since(start).Seconds(), fragment)
		}
	}

	tag := "[" + label + "]"
	fmt.Print(tag)
	return func(fragment string) {
		elapsed := time.Since(start)
		fmt.Printf("\r[done] in %.2fs%s"+strings.Repeat(" ", len(tag))+"\n",
			elapsed.Seconds(),
			fragment)
	}
}
