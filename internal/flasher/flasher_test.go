package flasher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astraboot/usbboot/internal/config"
	"github.com/astraboot/usbboot/internal/gpt"
	"github.com/astraboot/usbboot/internal/manifest"
)

type call struct {
	kind                   string
	subcmd, param1, param2 uint32
}

type fakeEngine struct {
	calls       []call
	uploadErr   error
	streamErr   error
	emmcRC      uint32
	emmcErr     error
	uploadSizes []int
}

func (f *fakeEngine) Upload(path string, addr, imgType uint32) error {
	st, _ := os.Stat(path)
	if st != nil {
		f.uploadSizes = append(f.uploadSizes, int(st.Size()))
	}
	f.calls = append(f.calls, call{kind: "upload", param1: addr, param2: imgType})
	return f.uploadErr
}

func (f *fakeEngine) StreamChunk(data []byte, addr, imgType uint32) error {
	f.calls = append(f.calls, call{kind: "chunk", param1: addr, param2: imgType})
	f.uploadSizes = append(f.uploadSizes, len(data))
	return f.streamErr
}

func (f *fakeEngine) EmmcOp(subcmd, param1, param2 uint32, timeout, postDelay time.Duration) (uint32, error) {
	f.calls = append(f.calls, call{kind: "emmc", subcmd: subcmd, param1: param1, param2: param2})
	return f.emmcRC, f.emmcErr
}

func TestClassifyImageType(t *testing.T) {
	cases := map[string]uint32{
		"sysmgr":     config.ImageTypeSM,
		"bl":         config.ImageTypeBL,
		"m52bl":      config.ImageTypeGPT, // "bl" but contains "m52"
		"tzk":        config.ImageTypeOPTEE,
		"rootfs":     config.ImageTypeGPT,
		"home":       config.ImageTypeGPT,
		"whatever":   config.ImageTypeGPT,
	}
	for name, want := range cases {
		if got := ClassifyImageType(name); got != want {
			t.Errorf("ClassifyImageType(%q) = %#x, want %#x", name, got, want)
		}
	}
}

func TestFlashBootAreaSequence(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 2*1024*1024) // 2 MiB, matches S6
	if err := os.WriteFile(filepath.Join(dir, "boot.img"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	e := &fakeEngine{}
	if err := flashBootArea(e, dir, "b1", 1, []string{"boot.img"}); err != nil {
		t.Fatal(err)
	}

	wantKinds := []string{"upload", "emmc", "emmc", "emmc", "emmc", "emmc"}
	if len(e.calls) != len(wantKinds) {
		t.Fatalf("got %d calls, want %d: %+v", len(e.calls), len(wantKinds), e.calls)
	}
	// INIT, SELECT(boot_id=1), ERASE(blocks=4096), WRITE(blocks=4096), READBACK(blocks=4096)
	selectCall := e.calls[2]
	if selectCall.subcmd != config.EmmcSelect || selectCall.param1 != 1 {
		t.Errorf("select call = %+v, want subcmd=SELECT param1=1", selectCall)
	}
	eraseCall := e.calls[3]
	if eraseCall.subcmd != config.EmmcErase || eraseCall.param2 != 4096 {
		t.Errorf("erase call = %+v, want subcmd=ERASE param2=4096", eraseCall)
	}
}

func TestFlashPartitionsErase(t *testing.T) {
	dir := t.TempDir()
	partitions := []gpt.Partition{{Name: "data", StartLBA: 100, EndLBA: 199}}
	actions := manifest.ActionMap{"sd1": {"erase"}}

	e := &fakeEngine{}
	if err := flashPartitions(e, dir, partitions, actions); err != nil {
		t.Fatal(err)
	}
	for _, c := range e.calls {
		if c.kind == "upload" || c.kind == "chunk" {
			t.Fatalf("erase-only action must not upload anything, got %+v", c)
		}
	}
	var sawErase bool
	for _, c := range e.calls {
		if c.kind == "emmc" && c.subcmd == config.EmmcErase {
			sawErase = true
			if c.param1 != 100 || c.param2 != 100 {
				t.Errorf("erase call = %+v, want param1=100 param2=100", c)
			}
		}
	}
	if !sawErase {
		t.Error("expected an ERASE emmc call")
	}
}

func TestFlashPartitionsOverflow(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.img"), make([]byte, 10*1024*1024), 0o644); err != nil {
		t.Fatal(err)
	}
	// A 1-LBA partition can't possibly fit a 10 MiB file.
	partitions := []gpt.Partition{{Name: "tiny", StartLBA: 0, EndLBA: 0}}
	actions := manifest.ActionMap{"sd1": {"big.img"}}

	e := &fakeEngine{}
	err := flashPartitions(e, dir, partitions, actions)
	if _, ok := err.(*ErrPartitionOverflow); !ok {
		t.Fatalf("got %T (%v), want *ErrPartitionOverflow", err, err)
	}
}

func TestFlashPartitionsMissingHomeSkipped(t *testing.T) {
	dir := t.TempDir()
	partitions := []gpt.Partition{{Name: "home", StartLBA: 0, EndLBA: 99}}
	actions := manifest.ActionMap{"sd1": {"nonexistent.img"}}

	e := &fakeEngine{}
	if err := flashPartitions(e, dir, partitions, actions); err != nil {
		t.Fatalf("expected missing home-partition file to be silently skipped, got %v", err)
	}
}

func TestFlashPartitionsMissingNonHomeErrors(t *testing.T) {
	dir := t.TempDir()
	partitions := []gpt.Partition{{Name: "rootfs", StartLBA: 0, EndLBA: 99}}
	actions := manifest.ActionMap{"sd1": {"nonexistent.img"}}

	e := &fakeEngine{}
	err := flashPartitions(e, dir, partitions, actions)
	if _, ok := err.(*ErrMissingImage); !ok {
		t.Fatalf("got %T (%v), want *ErrMissingImage", err, err)
	}
}

func TestFlashChunkedBlockCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.img")
	size := 160 * 1024 * 1024 // matches S4
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}

	e := &fakeEngine{}
	written, err := flashChunked(e, path, 10000, config.ImageTypeGPT)
	if err != nil {
		t.Fatal(err)
	}
	wantBlocks := uint64(size / config.BlockSize)
	if written != wantBlocks {
		t.Errorf("flashChunked wrote %d blocks, want %d", written, wantBlocks)
	}

	var chunkCount int
	for _, c := range e.calls {
		if c.kind == "chunk" {
			chunkCount++
		}
	}
	if chunkCount != 5 {
		t.Errorf("got %d chunk uploads, want 5 (160MiB / 32MiB)", chunkCount)
	}
}

func TestFlashChunkedAbortsOnEmmcFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.img")
	if err := os.WriteFile(path, make([]byte, 40*1024*1024), 0o644); err != nil {
		t.Fatal(err)
	}

	e := &fakeEngine{emmcRC: 1}
	written, err := flashChunked(e, path, 0, config.ImageTypeGPT)
	if err == nil {
		t.Fatal("expected an error from a non-zero eMMC rc")
	}
	if written != 0 {
		t.Errorf("got %d blocks written before abort, want 0", written)
	}
}
