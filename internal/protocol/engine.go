package protocol

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/astraboot/usbboot/internal/config"
	"github.com/astraboot/usbboot/internal/ioprogress"
	"github.com/astraboot/usbboot/internal/transport"
	"github.com/astraboot/usbboot/internal/ulog"
)

// Engine is the request/response protocol engine. RawMode is a per-session
// flag set once when the engine is constructed and never branched on inside
// the wire codec: the engine alone decides whether an inner frame is wrapped
// in the outer host-API envelope.
type Engine struct {
	port    *transport.Port
	RawMode bool
}

// New builds an engine bound to an already-open port.
func New(port *transport.Port, rawMode bool) *Engine {
	return &Engine{port: port, RawMode: rawMode}
}

// request describes one inner-frame operation, mirroring the original
// tool's send_packet parameters.
type request struct {
	serviceID, opcode byte
	payload           []byte
	hostOpcode        byte
	addr, imgType     uint32
	isLast            bool
	numWords          *uint32
	timeout           time.Duration
}

// send builds, transmits and waits for the reply to one operation, returning
// its return code. The engine never pipelines: the previous operation's
// reply (or timeout) is always resolved before the next is sent.
func (e *Engine) send(req request) (uint32, error) {
	inner := buildInnerFrame(req.serviceID, req.opcode, req.addr, req.imgType, req.isLast, req.payload, req.numWords)
	frame := inner
	if !e.RawMode {
		frame = wrapOuter(req.hostOpcode, inner)
	}

	var restore func()
	if req.timeout > 0 {
		restore = e.port.WithTimeout(req.timeout)
		defer restore()
	}

	if err := e.port.WriteAll(frame); err != nil {
		return 0, err
	}

	return e.readRC()
}

// readRC reads one 8-byte reply header (and, in outer mode, its trailing
// data block) and extracts the return code per spec: raw mode carries the rc
// directly in the header's last 4 bytes; outer mode carries a data_length
// there, and the rc is the first 4 bytes of that data block (0 if the data
// block is empty).
func (e *Engine) readRC() (uint32, error) {
	hdr, err := e.port.ReadExact(config.HostHdrSize)
	if err != nil {
		return 0, err
	}
	trailing, err := parseReplyHeader(hdr)
	if err != nil {
		return 0, err
	}

	if e.RawMode {
		return trailing, nil
	}

	dataLen := trailing
	if dataLen == 0 {
		return 0, nil
	}
	data, err := e.port.ReadExact(int(dataLen))
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, nil
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}

// Version sends opcode 0x0A for serviceID and decodes the 32-bit version
// reply as (major=hi16, minor=lo16).
func (e *Engine) Version(serviceID byte) (major, minor uint16, err error) {
	rc, err := e.send(request{
		serviceID:  serviceID,
		opcode:     config.OpcodeVersion,
		hostOpcode: config.HostAPIOpcodeVersion,
	})
	if err != nil {
		return 0, 0, err
	}
	return uint16(rc >> 16), uint16(rc), nil
}

// Exec sends opcode 0x0C with no payload, handing control to the
// already-uploaded A-core image.
func (e *Engine) Exec() error {
	rc, err := e.send(request{
		serviceID:  config.ServiceIDBoot,
		opcode:     config.OpcodeExec,
		hostOpcode: config.HostAPIOpcodeExec,
	})
	if err != nil {
		return err
	}
	return rcError(rc)
}

// Run sends opcode 0x0B targeting addr, starting an already-uploaded image.
func (e *Engine) Run(addr uint32) error {
	rc, err := e.send(request{
		serviceID:  config.ServiceIDBoot,
		opcode:     config.OpcodeRunImg,
		hostOpcode: config.HostAPIOpcodeGeneric,
		addr:       addr,
	})
	if err != nil {
		return err
	}
	return rcError(rc)
}

// EmmcOp issues one eMMC sub-command (§3: subcmd/param1/param2 carried in
// the inner header's num_words/address/image_type slots), resetting the
// input buffer first so a stale reply can't be mistaken for this one, and
// sleeping postDelay after a header was successfully read (regardless of the
// returned rc) to let the device settle.
func (e *Engine) EmmcOp(subcmd, param1, param2 uint32, timeout, postDelay time.Duration) (uint32, error) {
	if err := e.port.ResetInput(); err != nil {
		return 0, err
	}
	numWords := subcmd
	rc, err := e.send(request{
		serviceID:  config.ServiceIDBoot,
		opcode:     config.OpcodeEmmcOp,
		hostOpcode: config.HostAPIOpcodeEmmc,
		addr:       param1,
		imgType:    param2,
		numWords:   &numWords,
		timeout:    timeout,
	})
	if err != nil {
		return 0, err
	}
	if postDelay > 0 {
		time.Sleep(postDelay)
	}
	return rc, nil
}

// Upload runs the three-phase upload session of §3/§4.3: an UPLOAD setup
// frame carrying the file's full byte size as num_words, then the raw file
// bytes streamed with no inner framing, then a terminal reply frame whose rc
// must be zero.
func (e *Engine) Upload(path string, addr, imgType uint32) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for upload: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	size := uint64(st.Size())

	numWords := uint32(size)
	rc, err := e.send(request{
		serviceID:  config.ServiceIDBoot,
		opcode:     config.OpcodeUpload,
		hostOpcode: config.HostAPIOpcodeGeneric,
		addr:       addr,
		imgType:    imgType,
		numWords:   &numWords,
	})
	if err != nil {
		return fmt.Errorf("upload setup for %s: %w", path, err)
	}
	if err := rcError(rc); err != nil {
		return fmt.Errorf("upload setup for %s: %w", path, err)
	}

	start := time.Now()
	w := ioprogress.NewWriter(st.Name(), size)
	if err := e.stream(io.TeeReader(f, w), size); err != nil {
		return fmt.Errorf("streaming %s: %w", path, err)
	}
	w.Done()

	restore := e.port.WithTimeout(config.UploadACKWait)
	defer restore()
	finalRC, err := e.readRC()
	if err != nil {
		return fmt.Errorf("waiting for final ACK after %s: %w", path, err)
	}
	if err := rcError(finalRC); err != nil {
		return fmt.Errorf("final verification of %s: %w", path, err)
	}

	elapsed := time.Since(start)
	rate := float64(size) / 1024 / elapsed.Seconds()
	ulog.Info("upload done: %s (%.4fs, %.2f KB/s)", st.Name(), elapsed.Seconds(), rate)
	return nil
}

// stream copies exactly size bytes from r to the port in fixed chunks, with
// no inner framing between chunks.
func (e *Engine) stream(r io.Reader, size uint64) error {
	buf := make([]byte, config.StreamChunkSize)
	var sent uint64
	for sent < size {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := e.port.WriteAll(buf[:n]); werr != nil {
				return werr
			}
			sent += uint64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	if sent != size {
		return fmt.Errorf("streamed %d of %d bytes", sent, size)
	}
	return nil
}

// RunSPK streams path as a legacy ROM-level upload (opcode is one of
// config.LegacyOp{Keys,SPK,M52BL}): header + raw unpadded file bytes, then
// an 8-byte reply whose last 4 bytes are the return code directly (no outer
// envelope, no word-padding). Used only for the initial boot-package
// handoff, never for the main two-layer protocol.
func (e *Engine) RunSPK(path string, opcode byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for run-spk upload: %w", path, err)
	}
	defer f.Close()

	payload, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	start := time.Now()
	frame := buildLegacyFrame(opcode, payload)
	if err := e.port.WriteAll(frame); err != nil {
		return fmt.Errorf("writing run-spk frame for %s: %w", path, err)
	}

	hdr, err := e.port.ReadExact(config.HostHdrSize)
	if err != nil {
		return fmt.Errorf("reading run-spk reply for %s: %w", path, err)
	}
	rc, err := parseReplyHeader(hdr)
	if err != nil {
		return fmt.Errorf("run-spk reply for %s: %w", path, err)
	}
	if err := rcError(rc); err != nil {
		return err
	}

	elapsed := time.Since(start)
	rate := float64(len(payload)) / 1024 / elapsed.Seconds()
	ulog.Info("✔ %s (%.4fs, %.2f KB/s)", path, elapsed.Seconds(), rate)
	return nil
}

// StreamChunk uploads an in-memory chunk as a standalone upload session,
// used by the chunked large-file eMMC path (no temp file involved).
func (e *Engine) StreamChunk(data []byte, addr, imgType uint32) error {
	numWords := uint32(len(data))
	rc, err := e.send(request{
		serviceID:  config.ServiceIDBoot,
		opcode:     config.OpcodeUpload,
		hostOpcode: config.HostAPIOpcodeGeneric,
		addr:       addr,
		imgType:    imgType,
		numWords:   &numWords,
	})
	if err != nil {
		return fmt.Errorf("chunk upload setup: %w", err)
	}
	if err := rcError(rc); err != nil {
		return fmt.Errorf("chunk upload setup: %w", err)
	}

	if err := e.stream(io.TeeReader(newByteReader(data), ioprogress.Discard()), uint64(len(data))); err != nil {
		return fmt.Errorf("chunk upload stream: %w", err)
	}

	restore := e.port.WithTimeout(config.UploadACKWait)
	defer restore()
	finalRC, err := e.readRC()
	if err != nil {
		return fmt.Errorf("chunk final ACK: %w", err)
	}
	return rcError(finalRC)
}

func rcError(rc uint32) error {
	if rc != 0 {
		return &FirmwareError{RC: rc}
	}
	return nil
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
