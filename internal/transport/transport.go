// Package transport owns the serial handle used to talk to the target's USB
// CDC-ACM boot channel: timed reads/writes and a scoped per-call timeout
// override, with the handle released on every exit path.
package transport

import (
	"fmt"
	"io"
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/astraboot/usbboot/internal/config"
)

// Port is the exclusively-owned serial connection for one operation group.
// It is never shared between goroutines; the protocol engine never issues a
// second request before the previous one has returned a header or timed out.
type Port struct {
	conn    *serial.Port
	timeout time.Duration
}

// Open acquires the serial port at path with the given baud rate and the
// package default read timeout, putting the line into raw 8N1 mode at baud
// via BOTHER/SetCustomSpeed so arbitrary rates (not just the fixed Bxxxxxx
// constants) work. The caller must Close the returned Port on every exit
// path, including errors further up the call stack.
func Open(path string, baud int) (*Port, error) {
	opts := serial.NewOptions().SetReadTimeout(config.DefaultTimeout)
	conn, err := serial.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", path, err)
	}

	if err := configureRaw(conn, baud); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configuring serial port %s: %w", path, err)
	}

	return &Port{conn: conn, timeout: config.DefaultTimeout}, nil
}

// configureRaw puts conn into raw mode (no echo, no line discipline, 8
// data bits, no parity) at the given baud rate.
func configureRaw(conn *serial.Port, baud int) error {
	attrs, err := conn.GetAttr2()
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	attrs.SetCustomSpeed(uint32(baud))
	return conn.SetAttr2(serial.TCSANOW, attrs)
}

// Close releases the serial handle. Safe to call multiple times.
func (p *Port) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *Port) applyTimeout() {
	p.conn.SetReadTimeout(p.timeout)
}

// WithTimeout temporarily overrides the read deadline for the duration of
// the returned scope and restores the previous deadline on every exit path,
// including panics.
func (p *Port) WithTimeout(d time.Duration) (restore func()) {
	if d <= 0 {
		return func() {}
	}
	prev := p.timeout
	p.timeout = d
	p.applyTimeout()
	return func() {
		p.timeout = prev
		p.applyTimeout()
	}
}

// WriteAll writes the entirety of b and waits for it to drain out to the
// wire before returning.
func (p *Port) WriteAll(b []byte) error {
	if _, err := p.conn.Write(b); err != nil {
		return fmt.Errorf("writing %d bytes: %w", len(b), err)
	}
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("draining %d bytes: %w", len(b), err)
	}
	return nil
}

// ResetInput discards any bytes already buffered on the read side, used
// before sending an eMMC sub-command so a stale reply cannot be mistaken for
// the one about to be requested.
func (p *Port) ResetInput() error {
	return p.conn.Flush(serial.TCIFLUSH)
}

// ErrTransportTimeout reports fewer than the requested bytes arriving within
// the active read deadline.
type ErrTransportTimeout struct {
	Want, Got int
}

func (e *ErrTransportTimeout) Error() string {
	return fmt.Sprintf("transport timeout: wanted %d bytes, got %d", e.Want, e.Got)
}

// ReadExact reads exactly n bytes or returns ErrTransportTimeout with
// whatever was read before the deadline expired. A serial Read that returns
// zero bytes with no error means the configured read timeout elapsed with no
// more data arriving.
func (p *Port) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := p.conn.Read(buf[got:])
		got += m
		if err != nil && err != io.EOF {
			return buf[:got], fmt.Errorf("reading %d bytes: %w", n, err)
		}
		if m == 0 {
			break
		}
	}
	if got != n {
		return buf[:got], &ErrTransportTimeout{Want: n, Got: got}
	}
	return buf, nil
}
