// Package protocol implements the host-API/operation two-layer wire codec
// and the request/response protocol engine that runs on top of it.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/astraboot/usbboot/internal/config"
)

// outerHeader is the 8-byte host-API envelope wrapping an inner frame.
type outerHeader struct {
	Sync1, Sync2, Service, Opcode byte
	PayloadLen                    uint32
}

// innerHeader is the 32-byte operation header.
type innerHeader struct {
	Sync1, Sync2, Service, Opcode byte
	Reserved0                     uint32
	NumWords                      uint32
	Reserved1                     uint32
	Address                       uint32
	ImageType                     uint32
	IsLast                        uint32
	Reserved2                     uint32
}

// padTo4 right-pads payload with 0xFF to a 4-byte boundary, per spec: inner
// frame payloads are word-aligned with 0xFF filler before transmission.
func padTo4(payload []byte) []byte {
	pad := (4 - (len(payload) % 4)) % 4
	if pad == 0 {
		return payload
	}
	out := make([]byte, len(payload)+pad)
	copy(out, payload)
	for i := len(payload); i < len(out); i++ {
		out[i] = 0xFF
	}
	return out
}

// buildInnerFrame packs the 32-byte inner header plus its padded payload. If
// numWords is non-nil it overrides the word count otherwise derived from the
// padded payload length (used by UPLOAD's setup frame, whose num_words is the
// full unpadded file size).
func buildInnerFrame(serviceID, opcode byte, addr, imgType uint32, isLast bool, payload []byte, numWords *uint32) []byte {
	padded := padTo4(payload)
	words := uint32(len(padded) / 4)
	if numWords != nil {
		words = *numWords
	}
	isLastVal := uint32(0)
	if isLast {
		isLastVal = 1
	}
	hdr := innerHeader{
		Sync1:     config.Sync1,
		Sync2:     config.Sync2,
		Service:   serviceID,
		Opcode:    opcode,
		NumWords:  words,
		Address:   addr,
		ImageType: imgType,
		IsLast:    isLastVal,
	}
	var buf bytes.Buffer
	buf.Grow(config.OpHeaderSize + len(padded))
	// binary.Write on a fixed-size struct of bytes/uint32 never errors.
	_ = binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(padded)
	return buf.Bytes()
}

// buildLegacyFrame packs the run-spk header: structurally the same 32-byte
// layout as an inner operation header, but with an unpadded payload and
// num_words set to the exact payload length. This is the ROM-level SPK/keys
// upload contract, kept deliberately separate from the two-layer protocol's
// word-padded framing.
func buildLegacyFrame(opcode byte, payload []byte) []byte {
	hdr := innerHeader{
		Sync1:    config.Sync1,
		Sync2:    config.Sync2,
		Service:  config.ServiceIDBoot,
		Opcode:   opcode,
		NumWords: uint32(len(payload)),
	}
	var buf bytes.Buffer
	buf.Grow(config.OpHeaderSize + len(payload))
	_ = binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(payload)
	return buf.Bytes()
}

// wrapOuter wraps an inner frame (already built) in the 8-byte host-API
// envelope.
func wrapOuter(hostOpcode byte, inner []byte) []byte {
	hdr := outerHeader{
		Sync1:      config.Sync1,
		Sync2:      config.Sync2,
		Service:    config.HostAPIServiceID & config.ServiceIDMask,
		Opcode:     hostOpcode,
		PayloadLen: uint32(len(inner)),
	}
	var buf bytes.Buffer
	buf.Grow(config.HostHdrSize + len(inner))
	_ = binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(inner)
	return buf.Bytes()
}

// parseReplyHeader validates an 8-byte reply header and returns its trailing
// 32-bit field, which is either a data_length (outer mode) or the return
// code itself (raw mode), depending on the caller.
func parseReplyHeader(hdr []byte) (uint32, error) {
	if len(hdr) != config.HostHdrSize {
		return 0, &ShortReadError{Want: config.HostHdrSize, Got: len(hdr)}
	}
	if hdr[0] != config.Sync1 || hdr[1] != config.Sync2 {
		return 0, &BadSyncError{Bytes: [2]byte{hdr[0], hdr[1]}}
	}
	return binary.LittleEndian.Uint32(hdr[4:8]), nil
}

// BadSyncError reports a reply whose first two bytes are not SYNC1,SYNC2.
type BadSyncError struct {
	Bytes [2]byte
}

func (e *BadSyncError) Error() string {
	return fmt.Sprintf("bad sync bytes in reply: %02X %02X", e.Bytes[0], e.Bytes[1])
}

// ShortReadError reports fewer than expected bytes within the read deadline.
type ShortReadError struct {
	Want, Got int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read: wanted %d bytes, got %d", e.Want, e.Got)
}

// FirmwareError reports a parsed reply carrying a non-zero return code.
type FirmwareError struct {
	RC uint32
}

func (e *FirmwareError) Error() string {
	return fmt.Sprintf("firmware returned rc=0x%X", e.RC)
}
