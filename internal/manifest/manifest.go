// Package manifest parses the two text files that drive an eMMC
// provisioning run: the partition list (name, start_mb, size_mb) and the
// image list (filename -> target tag). Both are line-oriented, '#'-commented
// formats, grounded on the original tool's parse_emmc_part_list and
// parse_image_list_to_map.
package manifest

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Partition is one line of the partition list: name plus its start/size in
// MiB, both still in manifest units (not yet resolved to LBAs — see
// internal/gpt for that).
type Partition struct {
	Name    string
	StartMB uint64
	SizeMB  uint64
}

// ErrManifestNotFound reports a missing partition-list file; the original
// tool treats this as fatal (the image list is allowed to be entirely
// absent, but the partition list is not).
type ErrManifestNotFound struct {
	Path string
}

func (e *ErrManifestNotFound) Error() string {
	return fmt.Sprintf("partition list not found: %s", e.Path)
}

// ErrMalformedLine reports a partition-list line that could not be split
// into at least three fields by either comma or whitespace.
type ErrMalformedLine struct {
	Path string
	Line string
}

func (e *ErrMalformedLine) Error() string {
	return fmt.Sprintf("%s: malformed partition line: %q", e.Path, e.Line)
}

// ParsePartitionList reads a partition-list file. Fields are comma
// separated; if fewer than three comma-delimited fields survive, the line is
// re-split on whitespace. Numeric fields accept decimal or 0x-prefixed hex.
// A size_mb of zero drops the entry entirely.
func ParsePartitionList(path string) ([]Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrManifestNotFound{Path: path}
		}
		return nil, err
	}
	defer f.Close()

	var partitions []Partition
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := splitNonEmpty(line, ",")
		if len(fields) < 3 {
			fields = splitNonEmpty(line, " \t")
		}
		if len(fields) < 3 {
			// The original tool silently skips a line it can't split this
			// way; a malformed partition list is treated as fatal here
			// instead, since a silently dropped partition is exactly the
			// kind of mistake this file format has no other way to catch.
			return nil, &ErrMalformedLine{Path: path, Line: line}
		}

		startMB, err := parseUint(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s: partition %q: start_mb: %w", path, fields[0], err)
		}
		sizeMB, err := parseUint(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s: partition %q: size_mb: %w", path, fields[0], err)
		}
		if sizeMB == 0 {
			continue
		}

		partitions = append(partitions, Partition{Name: fields[0], StartMB: startMB, SizeMB: sizeMB})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return partitions, nil
}

// ActionMap maps a target tag (b1, b2, sd<N>) to its ordered, deduplicated
// list of filenames.
type ActionMap map[string][]string

// ParseImageList reads an image-list file into an ActionMap. A missing file
// yields an empty map rather than an error — the caller decides whether an
// empty map is fatal (the emmc op requires a non-empty one; others don't use
// this file at all).
func ParseImageList(path string) (ActionMap, error) {
	actions := ActionMap{}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return actions, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		fields := strings.Split(trimmed, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) < 2 {
			continue
		}

		filename := fields[0]
		target := strings.ToLower(fields[1])
		if strings.Contains(filename, "rootfs_s.subimg") {
			filename = "rootfs.subimg.gz"
		}

		if !contains(actions[target], filename) {
			actions[target] = append(actions[target], filename)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func splitNonEmpty(s, cutset string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(cutset, r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	return strconv.ParseUint(s, base, 64)
}
