// Package discovery finds the target's USB CDC-ACM serial device by
// (VID,PID), polling for up to a fixed window because the device's USB
// personality — and therefore its vendor/product ID — changes between
// orchestrator stages. Grounded on the original tool's find_cdc_port /
// auto_detect_usb_cdc_port, adapted from pyserial's list_ports to Linux's
// /sys/class/tty sysfs tree (the pack carries no cross-platform serial
// enumeration library, only daedaluz/goserial's open-by-path API).
package discovery

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/astraboot/usbboot/internal/config"
)

// ErrNoDevice reports that no candidate device matched within the poll
// window.
type ErrNoDevice struct {
	Pairs []config.VIDPID
}

func (e *ErrNoDevice) Error() string {
	if len(e.Pairs) == 0 {
		return "no USB CDC serial device found"
	}
	parts := make([]string, len(e.Pairs))
	for i, p := range e.Pairs {
		parts[i] = "VID:0x" + strconv.FormatUint(uint64(p.VID), 16) + ", PID:0x" + strconv.FormatUint(uint64(p.PID), 16)
	}
	return "no USB CDC serial device matched " + strings.Join(parts, "; ")
}

var ttyNameHeuristic = regexp.MustCompile(`^(com\d+|ttyACM\d+|ttyUSB\d+|usbmodem\w*)$`)

// Find polls /sys/class/tty for a device matching one of pairs, for up to
// config.DiscoveryWait, sleeping config.DiscoveryInterval between scans. A
// nil or empty pairs falls back to a name-based heuristic over /dev.
func Find(pairs []config.VIDPID) (string, error) {
	deadline := time.Now().Add(config.DiscoveryWait)
	for {
		if dev := scanOnce(pairs); dev != "" {
			return dev, nil
		}
		if time.Now().After(deadline) {
			return "", &ErrNoDevice{Pairs: pairs}
		}
		time.Sleep(config.DiscoveryInterval)
	}
}

func scanOnce(pairs []config.VIDPID) string {
	entries, err := os.ReadDir("/sys/class/tty")
	if err != nil {
		return ""
	}
	for _, ent := range entries {
		name := ent.Name()
		if len(pairs) > 0 {
			vid, pid, ok := readVIDPID(name)
			if !ok || !matches(vid, pid, pairs) {
				continue
			}
		} else if !ttyNameHeuristic.MatchString(name) {
			continue
		}
		if _, err := os.Stat(filepath.Join("/dev", name)); err != nil {
			continue
		}
		return filepath.Join("/dev", name)
	}
	return ""
}

func matches(vid, pid uint16, pairs []config.VIDPID) bool {
	for _, p := range pairs {
		if p.VID == vid && p.PID == pid {
			return true
		}
	}
	return false
}

// readVIDPID walks up from /sys/class/tty/<name>/device to the owning USB
// interface's device directory and reads idVendor/idProduct.
func readVIDPID(name string) (vid, pid uint16, ok bool) {
	devLink := filepath.Join("/sys/class/tty", name, "device")
	real, err := filepath.EvalSymlinks(devLink)
	if err != nil {
		return 0, 0, false
	}
	dir := real
	for i := 0; i < 6; i++ {
		if v, p, ok := readIDFiles(dir); ok {
			return v, p, true
		}
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." {
			break
		}
	}
	return 0, 0, false
}

func readIDFiles(dir string) (vid, pid uint16, ok bool) {
	vb, err := os.ReadFile(filepath.Join(dir, "idVendor"))
	if err != nil {
		return 0, 0, false
	}
	pb, err := os.ReadFile(filepath.Join(dir, "idProduct"))
	if err != nil {
		return 0, 0, false
	}
	v, err1 := strconv.ParseUint(strings.TrimSpace(string(vb)), 16, 16)
	p, err2 := strconv.ParseUint(strings.TrimSpace(string(pb)), 16, 16)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint16(v), uint16(p), true
}
