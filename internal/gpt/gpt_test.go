package gpt

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
)

func TestParseGUIDMixedEndian(t *testing.T) {
	got := parseGUID(PartitionTypeGUID)
	want := []byte{0xA2, 0xA0, 0xD0, 0xEB, 0xE5, 0xB9, 0x33, 0x44, 0x87, 0xC0, 0x68, 0xB6, 0xB7, 0x26, 0x99, 0xC7}
	if !bytes.Equal(got[:], want) {
		t.Errorf("parseGUID(%s) = % X, want % X", PartitionTypeGUID, got, want)
	}
}

func TestBuildLayout(t *testing.T) {
	// §8 S2: [("boot",1,64), ("rootfs",0,512), ("home",0,0)] with size=0 dropped beforehand.
	img, err := Build([]Descriptor{
		{Name: "boot", StartMB: 1, SizeMB: 64},
		{Name: "rootfs", StartMB: 0, SizeMB: 512},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(img.Partitions) != 2 {
		t.Fatalf("got %d partitions, want 2", len(img.Partitions))
	}
	boot, rootfs := img.Partitions[0], img.Partitions[1]
	if boot.StartLBA != 2048 || boot.EndLBA != 133119 {
		t.Errorf("boot = %+v, want start=2048 end=133119", boot)
	}
	if rootfs.StartLBA != 133120 || rootfs.EndLBA != 1181695 {
		t.Errorf("rootfs = %+v, want start=133120 end=1181695", rootfs)
	}
}

func TestBuildRejectsZeroSize(t *testing.T) {
	// A zero size_mb entry must never reach Build; callers filter it out of
	// the manifest before calling in, so Build itself rejects it loudly
	// rather than silently producing a phantom partition.
	_, err := Build([]Descriptor{{Name: "home", StartMB: 0, SizeMB: 0}})
	if err == nil {
		t.Fatal("expected an error for a zero-size descriptor, got nil")
	}
}

func TestProtectiveMBRBytes(t *testing.T) {
	img, err := Build([]Descriptor{{Name: "only", StartMB: 0, SizeMB: 1}})
	if err != nil {
		t.Fatal(err)
	}
	mbr := img.Bytes[:blockSize]
	got := mbr[0x1BE : 0x1BE+16]
	want := []byte{0x00, 0x00, 0x02, 0x00, 0xEE, 0xFF, 0xFF, 0xFF, 0x01, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Errorf("protective MBR entry = % X, want % X", got, want)
	}
	if mbr[510] != 0x55 || mbr[511] != 0xAA {
		t.Errorf("MBR signature = %02X %02X, want 55 AA", mbr[510], mbr[511])
	}
}

func TestHeaderAndArrayCRC(t *testing.T) {
	img, err := Build([]Descriptor{
		{Name: "a", StartMB: 1, SizeMB: 16},
		{Name: "b", StartMB: 0, SizeMB: 16},
	})
	if err != nil {
		t.Fatal(err)
	}

	headerBytes := img.Bytes[blockSize : blockSize+headerSize]
	var header gptHeader
	if err := binary.Read(bytes.NewReader(headerBytes), binary.LittleEndian, &header); err != nil {
		t.Fatal(err)
	}

	zeroed := make([]byte, headerSize)
	copy(zeroed, headerBytes)
	binary.LittleEndian.PutUint32(zeroed[16:20], 0) // CRC32Header field
	wantHeaderCRC := crc32.ChecksumIEEE(zeroed)
	if header.CRC32Header != wantHeaderCRC {
		t.Errorf("header CRC = %#x, want %#x", header.CRC32Header, wantHeaderCRC)
	}

	array := img.Bytes[2*blockSize : 2*blockSize+tableSize]
	wantArrayCRC := crc32.ChecksumIEEE(array)
	if header.CRC32Array != wantArrayCRC {
		t.Errorf("array CRC = %#x, want %#x", header.CRC32Array, wantArrayCRC)
	}
}
