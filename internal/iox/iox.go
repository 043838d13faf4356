// Package iox resolves staging-directory file paths with transparent gzip
// decompression, grounded on the original tool's resolve_file_path /
// gunzip_if_needed. Decompressed siblings are written atomically via
// renameio so a crash mid-decompress never leaves a half-written sibling
// that a later run would mistake for complete.
package iox

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// Resolve returns the path a reader should actually open for path: if path
// ends in .gz and exists, its decompressed sibling (written once, reused on
// later calls); if path doesn't exist but path+".gz" does, the same;
// otherwise path itself if it exists. Returns "" if nothing resolves.
func Resolve(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	if strings.HasSuffix(abs, ".gz") {
		if _, err := os.Stat(abs); err == nil {
			return decompressIfMissing(abs)
		}
	} else {
		gzCandidate := abs + ".gz"
		if _, err := os.Stat(gzCandidate); err == nil {
			return decompressIfMissing(gzCandidate)
		}
	}

	if _, err := os.Stat(abs); err == nil {
		return abs, nil
	}
	return "", nil
}

// decompressIfMissing decompresses gzPath to its non-.gz sibling if that
// sibling doesn't already exist, returning the sibling path either way.
func decompressIfMissing(gzPath string) (string, error) {
	dst := strings.TrimSuffix(gzPath, ".gz")
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(gzPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", gzPath, err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("decompressing %s: %w", gzPath, err)
	}
	defer gz.Close()

	out, err := renameio.NewPendingFile(dst)
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", dst, err)
	}
	defer out.Cleanup()

	if _, err := io.Copy(out, gz); err != nil {
		return "", fmt.Errorf("writing %s: %w", dst, err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("finalizing %s: %w", dst, err)
	}
	return dst, nil
}

// WriteFile atomically writes data to path, used for the generated gpt.bin.
func WriteFile(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0o644)
}
