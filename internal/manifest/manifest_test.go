package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParsePartitionListCommaAndDrop(t *testing.T) {
	path := writeTemp(t, "emmc_part_list", `
# comment
boot,1,64
rootfs,0,512
home,0,0
`)
	got, err := ParsePartitionList(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []Partition{
		{Name: "boot", StartMB: 1, SizeMB: 64},
		{Name: "rootfs", StartMB: 0, SizeMB: 512},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParsePartitionList() mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePartitionListWhitespaceFallback(t *testing.T) {
	path := writeTemp(t, "emmc_part_list", "boot 0x1 64\n")
	got, err := ParsePartitionList(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []Partition{{Name: "boot", StartMB: 1, SizeMB: 64}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParsePartitionList() mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePartitionListNotFound(t *testing.T) {
	_, err := ParsePartitionList(filepath.Join(t.TempDir(), "missing"))
	if _, ok := err.(*ErrManifestNotFound); !ok {
		t.Fatalf("got %T, want *ErrManifestNotFound", err)
	}
}

func TestParseImageListDedupAndRewrite(t *testing.T) {
	path := writeTemp(t, "emmc_image_list", `
bl.bin, SD1
bl.bin, sd1
rootfs_s.subimg.gz, SD2
other.img, sd2
`)
	got, err := ParseImageList(path)
	if err != nil {
		t.Fatal(err)
	}
	want := ActionMap{
		"sd1": {"bl.bin"},
		"sd2": {"rootfs.subimg.gz", "other.img"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseImageList() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseImageListMissingFileIsEmpty(t *testing.T) {
	got, err := ParseImageList(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty map", got)
	}
}
