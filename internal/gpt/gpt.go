// Package gpt builds the single-LBA protective MBR and primary GPT header +
// partition array that the eMMC flasher writes to the target as gpt.bin. It
// never touches a live block device directly: it only produces the byte
// image, grounded on the same header/CRC layout gokrazy/tools' packer
// package writes for a real disk, adapted from that package's fixed
// Raspberry Pi layout to a caller-supplied, ordered partition descriptor
// list, and with no backup GPT (the firmware is expected to mirror or leave
// it blank).
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
)

const (
	blockSize     = 512
	mib           = 1024 * 1024
	partEntries   = 128
	partEntrySize = 128
	tableSize     = partEntries * partEntrySize // 16 KiB
	headerSize    = 92

	// PartitionTypeGUID is the GUID every built partition entry carries; the
	// firmware classifies partitions by name, not by GPT type.
	PartitionTypeGUID = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
)

// Descriptor mirrors one line of the partition manifest: start_mb=0 means
// "immediately after the previous partition's end", size_mb=0 drops the
// entry entirely (callers must filter those out before calling Build).
type Descriptor struct {
	Name    string
	StartMB uint64
	SizeMB  uint64
}

// Partition is one realized entry: the LBA range a Descriptor resolved to.
type Partition struct {
	Name     string
	StartLBA uint64
	EndLBA   uint64
}

// Image is a built GPT image: the raw bytes to flash (protective MBR + GPT
// header + partition array, no backup) and the realized partitions in the
// same order as the input descriptors.
type Image struct {
	Bytes      []byte
	Partitions []Partition
}

// Blocks returns the image size in 512-byte LBAs, rounding up.
func (img *Image) Blocks() uint64 {
	return (uint64(len(img.Bytes)) + blockSize - 1) / blockSize
}

// Build lays out descriptors in order per §4.4: explicit start_mb wins,
// otherwise a partition starts at the previous one's end_lba+1 (LBA 1 for
// the first). It returns the primary GPT image only — no backup copy.
func Build(descriptors []Descriptor) (*Image, error) {
	partitions := make([]Partition, 0, len(descriptors))
	var prevEnd uint64
	havePrev := false

	for _, d := range descriptors {
		startLBA := d.StartMB * (mib / blockSize)
		if d.StartMB == 0 {
			// §4.4/§8 property 3: the first partition with no explicit
			// start_mb begins at LBA 1 (previous_end_lba starts at 0).
			if havePrev {
				startLBA = prevEnd + 1
			} else {
				startLBA = 1
			}
		}
		sizeLBAs := d.SizeMB * (mib / blockSize)
		if sizeLBAs == 0 {
			return nil, fmt.Errorf("partition %q: size_mb resolved to zero LBAs", d.Name)
		}
		endLBA := startLBA + sizeLBAs - 1

		partitions = append(partitions, Partition{Name: d.Name, StartLBA: startLBA, EndLBA: endLBA})
		prevEnd = endLBA
		havePrev = true
	}

	entries := make([]partitionEntry, 0, len(partitions))
	for _, p := range partitions {
		entries = append(entries, partitionEntry{
			TypeGUID: parseGUID(PartitionTypeGUID),
			GUID:     randomGUID(),
			FirstLBA: p.StartLBA,
			LastLBA:  p.EndLBA,
			Name:     partitionName(p.Name),
		})
	}

	array, err := buildPartitionArray(entries)
	if err != nil {
		return nil, err
	}
	arrayCRC := crc32.ChecksumIEEE(array)

	var maxEnd uint64
	for _, p := range partitions {
		if p.EndLBA > maxEnd {
			maxEnd = p.EndLBA
		}
	}

	header := gptHeader{
		Signature:        [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'},
		Revision:         0x00010000,
		HeaderSize:       headerSize,
		CRC32Header:      0,
		Reserved:         0,
		CurrentLBA:       1,
		BackupLBA:        0,
		FirstUsableLBA:   34,
		LastUsableLBA:    maxEnd,
		DiskGUID:         randomGUID(),
		PartitionEntryLBA: 2,
		EntriesCount:     partEntries,
		EntriesSize:      partEntrySize,
		CRC32Array:       arrayCRC,
	}
	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("encoding GPT header: %w", err)
	}
	if got, want := hbuf.Len(), headerSize; got != want {
		return nil, fmt.Errorf("BUG: GPT header size = %d, want %d", got, want)
	}
	header.CRC32Header = crc32.ChecksumIEEE(hbuf.Bytes())

	var out bytes.Buffer
	if err := writeProtectiveMBR(&out); err != nil {
		return nil, err
	}
	if err := writeHeaderLBA(&out, header); err != nil {
		return nil, err
	}
	out.Write(array)

	return &Image{Bytes: out.Bytes(), Partitions: partitions}, nil
}

type partitionEntry struct {
	TypeGUID   [16]byte
	GUID       [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

type gptHeader struct {
	Signature         [8]byte
	Revision          uint32
	HeaderSize        uint32
	CRC32Header       uint32
	Reserved          uint32
	CurrentLBA        uint64
	BackupLBA         uint64
	FirstUsableLBA    uint64
	LastUsableLBA     uint64
	DiskGUID          [16]byte
	PartitionEntryLBA uint64
	EntriesCount      uint32
	EntriesSize       uint32
	CRC32Array        uint32
}

func buildPartitionArray(entries []partitionEntry) ([]byte, error) {
	if len(entries) > partEntries {
		return nil, fmt.Errorf("%d partitions exceeds the %d-entry GPT array", len(entries), partEntries)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, entries); err != nil {
		return nil, fmt.Errorf("encoding partition entries: %w", err)
	}
	buf.Write(make([]byte, (partEntries-len(entries))*partEntrySize))
	if buf.Len() != tableSize {
		return nil, fmt.Errorf("BUG: partition array size = %d, want %d", buf.Len(), tableSize)
	}
	return buf.Bytes(), nil
}

// writeProtectiveMBR writes LBA 0 per §4.4/§8 property 6: boot code, one
// protective-GPT entry at offset 0x1BE spanning the whole addressable disk,
// and the 0x55AA signature at the last two bytes of the 512-byte sector.
func writeProtectiveMBR(w *bytes.Buffer) error {
	w.Write(make([]byte, 0x1BE))
	w.Write([]byte{
		0x00,                   // boot indicator: not active
		0x00, 0x02, 0x00,       // first CHS (unused, invalid marker)
		0xEE,                   // partition type: GPT protective
		0xFF, 0xFF, 0xFF,       // last CHS (unused, invalid marker)
	})
	if err := binary.Write(w, binary.LittleEndian, uint32(1)); err != nil { // first LBA
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(0xFFFFFFFF)); err != nil { // sectors
		return err
	}
	w.Write(make([]byte, 16*3)) // partitions 2-4, unused
	w.Write([]byte{0x55, 0xAA})
	return nil
}

func writeHeaderLBA(w *bytes.Buffer, header gptHeader) error {
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	w.Write(make([]byte, blockSize-headerSize)) // pad LBA 1 out to 512 bytes
	return nil
}

// parseGUID parses a canonical "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx" string
// into GPT's mixed-endian on-disk form: the first three groups are
// byte-reversed, the last two (clock-seq + node) are verbatim. See §8
// property 5.
func parseGUID(s string) [16]byte {
	id := uuid.MustParse(s)
	raw := [16]byte(id)
	var out [16]byte
	out[0], out[1], out[2], out[3] = raw[3], raw[2], raw[1], raw[0]
	out[4], out[5] = raw[5], raw[4]
	out[6], out[7] = raw[7], raw[6]
	copy(out[8:], raw[8:])
	return out
}

func randomGUID() [16]byte {
	raw := [16]byte(uuid.New())
	var out [16]byte
	out[0], out[1], out[2], out[3] = raw[3], raw[2], raw[1], raw[0]
	out[4], out[5] = raw[5], raw[4]
	out[6], out[7] = raw[7], raw[6]
	copy(out[8:], raw[8:])
	return out
}

// partitionName UTF-16LE encodes name into the fixed 72-byte GPT partition
// name field, silently truncating at 36 code units.
func partitionName(name string) [72]byte {
	units := utf16.Encode([]rune(name))
	if len(units) > 36 {
		units = units[:36]
	}
	var out [72]byte
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], u)
	}
	return out
}
