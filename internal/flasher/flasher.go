// Package flasher drives a full eMMC provisioning run: build and flash the
// GPT, flash the boot areas, then flash each user-area partition per the
// image-list action map, including the chunked large-file path. Grounded on
// the original tool's do_emmc / op_upload_and_flash_chunked.
package flasher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/astraboot/usbboot/internal/config"
	"github.com/astraboot/usbboot/internal/gpt"
	"github.com/astraboot/usbboot/internal/iox"
	"github.com/astraboot/usbboot/internal/manifest"
	"github.com/astraboot/usbboot/internal/ulog"
)

// Engine is the subset of protocol.Engine the flasher needs; defined here so
// tests can substitute a recording fake instead of a real serial port.
type Engine interface {
	Upload(path string, addr, imgType uint32) error
	StreamChunk(data []byte, addr, imgType uint32) error
	EmmcOp(subcmd, param1, param2 uint32, timeout, postDelay time.Duration) (uint32, error)
}

// ErrEmptyActionMap reports an image list that parsed to nothing usable.
type ErrEmptyActionMap struct{ Path string }

func (e *ErrEmptyActionMap) Error() string {
	return fmt.Sprintf("%s: missing or empty image list", e.Path)
}

// ErrMissingImage reports a referenced file that could not be resolved and
// whose partition name does not contain "home" (which is silently skipped).
type ErrMissingImage struct {
	Target, Partition, Filename string
}

func (e *ErrMissingImage) Error() string {
	return fmt.Sprintf("[%s] file %s not found for partition %s", e.Target, e.Filename, e.Partition)
}

// ErrPartitionOverflow reports a file that would not fit within its
// partition's LBA range.
type ErrPartitionOverflow struct {
	Target, Partition, Filename string
	TargetLBA, FileBlocks, EndLBA uint64
}

func (e *ErrPartitionOverflow) Error() string {
	return fmt.Sprintf("[%s] %s overflows partition %s (target_lba=%d file_blocks=%d end_lba=%d)",
		e.Target, e.Filename, e.Partition, e.TargetLBA, e.FileBlocks, e.EndLBA)
}

// ClassifyImageType derives the image_type tag from a partition name per
// §3: sysmgr->SM, bl (not m52)->BL, tzk->OPTEE, everything else (including
// the explicitly-named key/boot/firmware/rootfs/home group)->GPT.
func ClassifyImageType(partitionName string) uint32 {
	name := strings.ToLower(partitionName)
	switch {
	case strings.Contains(name, "sysmgr"):
		return config.ImageTypeSM
	case strings.Contains(name, "bl") && !strings.Contains(name, "m52"):
		return config.ImageTypeBL
	case strings.Contains(name, "tzk"):
		return config.ImageTypeOPTEE
	default:
		return config.ImageTypeGPT
	}
}

// Run executes the full provisioning sequence against imgDir, which must
// contain emmc_part_list and emmc_image_list.
func Run(e Engine, imgDir string) error {
	partListPath := filepath.Join(imgDir, "emmc_part_list")
	imgListPath := filepath.Join(imgDir, "emmc_image_list")

	parts, err := manifest.ParsePartitionList(partListPath)
	if err != nil {
		return err
	}
	actions, err := manifest.ParseImageList(imgListPath)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return &ErrEmptyActionMap{Path: imgListPath}
	}

	descriptors := make([]gpt.Descriptor, len(parts))
	for i, p := range parts {
		descriptors[i] = gpt.Descriptor{Name: p.Name, StartMB: p.StartMB, SizeMB: p.SizeMB}
	}
	image, err := gpt.Build(descriptors)
	if err != nil {
		return fmt.Errorf("building GPT: %w", err)
	}

	gptPath := filepath.Join(imgDir, "gpt.bin")
	if err := iox.WriteFile(gptPath, image.Bytes); err != nil {
		return fmt.Errorf("writing %s: %w", gptPath, err)
	}

	ulog.Info("--- PHASE A: FLASHING GPT ---")
	if err := flashGPT(e, gptPath, image); err != nil {
		return err
	}

	for _, bootID := range []uint32{1, 2} {
		key := fmt.Sprintf("b%d", bootID)
		if err := flashBootArea(e, imgDir, key, bootID, actions[key]); err != nil {
			return err
		}
	}

	if err := flashPartitions(e, imgDir, image.Partitions, actions); err != nil {
		return err
	}

	ulog.Info("=== ALL OPERATIONS COMPLETE ===")
	return nil
}

// flashGPT uploads gpt.bin and writes it to LBA 0 of the user area. The
// erase/write/readback sequence here is fire-and-forget with respect to
// firmware return codes, matching the original tool: only the upload step
// can abort this phase.
func flashGPT(e Engine, gptPath string, image *gpt.Image) error {
	if err := e.Upload(gptPath, config.AddrACLoad, config.ImageTypeGPT); err != nil {
		return fmt.Errorf("uploading gpt.bin: %w", err)
	}
	blocks := uint32(image.Blocks())

	e.EmmcOp(config.EmmcInit, 0, 0, config.DefaultTimeout, config.EmmcSettleDelay)
	e.EmmcOp(config.EmmcSelect, config.EmmcAreaUser, 0, config.DefaultTimeout, config.EmmcSettleDelay)
	e.EmmcOp(config.EmmcErase, 0, blocks, config.EmmcOpTimeout, config.EmmcSettleDelay)
	e.EmmcOp(config.EmmcWrite, 0, blocks, config.EmmcOpTimeout, config.EmmcSettleDelay)
	e.EmmcOp(config.EmmcReadback, 0, blocks, config.EmmcOpTimeout, config.EmmcSettleDelay)

	ulog.Info("GPT flashed.")
	return nil
}

// flashBootArea flashes each file in files to eMMC boot area bootID (1 or
// 2), selecting the area with the long settle delay the hardware needs to
// actually switch.
func flashBootArea(e Engine, imgDir, target string, bootID uint32, files []string) error {
	for _, fname := range files {
		resolved, err := iox.Resolve(filepath.Join(imgDir, fname))
		if err != nil {
			return fmt.Errorf("[%s] resolving %s: %w", target, fname, err)
		}
		if resolved == "" {
			return &ErrMissingImage{Target: target, Partition: target, Filename: fname}
		}

		st, err := os.Stat(resolved)
		if err != nil {
			return err
		}
		blocks := uint32((st.Size() + config.BlockSize - 1) / config.BlockSize)

		ulog.Info("[%s] flashing %s to boot area %d...", target, fname, bootID)
		if err := e.Upload(resolved, config.AddrACLoad, config.ImageTypeGPT); err != nil {
			return fmt.Errorf("[%s] uploading %s: %w", target, fname, err)
		}

		e.EmmcOp(config.EmmcInit, 0, 0, config.DefaultTimeout, 200*time.Millisecond)
		e.EmmcOp(config.EmmcSelect, bootID, 0, config.DefaultTimeout, config.EmmcBootSelectDelay)
		e.EmmcOp(config.EmmcErase, 0, blocks, config.EmmcOpTimeout, config.EmmcBootEraseDelay)
		e.EmmcOp(config.EmmcWrite, 0, blocks, config.EmmcOpTimeout, config.EmmcBootWriteDelay)
		e.EmmcOp(config.EmmcReadback, 0, blocks, config.EmmcOpTimeout, 0)

		ulog.Info("[%s] done.", target)
	}
	return nil
}

// flashPartitions iterates the realized GPT partitions in order, flashing
// whatever the action map assigns to its sd<N> tag.
func flashPartitions(e Engine, imgDir string, partitions []gpt.Partition, actions manifest.ActionMap) error {
	for idx, part := range partitions {
		target := fmt.Sprintf("sd%d", idx+1)
		files, ok := actions[target]
		if !ok {
			continue
		}

		var currentOffset uint64
		for _, fname := range files {
			lower := strings.ToLower(fname)
			if lower == "format" {
				continue
			}
			if lower == "erase" {
				ulog.Info("[%s] erasing %s...", target, part.Name)
				e.EmmcOp(config.EmmcInit, 0, 0, config.DefaultTimeout, config.EmmcSettleDelay)
				e.EmmcOp(config.EmmcSelect, config.EmmcAreaUser, 0, config.DefaultTimeout, config.EmmcSettleDelay)
				size := part.EndLBA - part.StartLBA + 1
				e.EmmcOp(config.EmmcErase, uint32(part.StartLBA), uint32(size), config.EmmcOpTimeout, config.EmmcSettleDelay)
				continue
			}

			resolved, err := iox.Resolve(filepath.Join(imgDir, fname))
			if err != nil {
				return fmt.Errorf("[%s] resolving %s: %w", target, fname, err)
			}
			if resolved == "" {
				if strings.Contains(strings.ToLower(part.Name), "home") {
					continue
				}
				return &ErrMissingImage{Target: target, Partition: part.Name, Filename: fname}
			}

			st, err := os.Stat(resolved)
			if err != nil {
				return err
			}
			fsize := uint64(st.Size())
			fblocks := (fsize + config.BlockSize - 1) / config.BlockSize
			fsizeMB := float64(fsize) / config.MBSize

			imgType := ClassifyImageType(part.Name)
			targetLBA := part.StartLBA + currentOffset
			if targetLBA+fblocks-1 > part.EndLBA {
				return &ErrPartitionOverflow{
					Target: target, Partition: part.Name, Filename: fname,
					TargetLBA: targetLBA, FileBlocks: fblocks, EndLBA: part.EndLBA,
				}
			}

			ulog.Info("[%s] flashing %s -> %s (type=0x%X, size=%.2f MB)", target, fname, part.Name, imgType, fsizeMB)

			e.EmmcOp(config.EmmcInit, 0, 0, config.DefaultTimeout, config.EmmcSettleDelay)
			e.EmmcOp(config.EmmcSelect, config.EmmcAreaUser, 0, config.DefaultTimeout, config.EmmcSettleDelay)

			if fsizeMB > config.LargeFileThresholdMB {
				written, err := flashChunked(e, resolved, targetLBA, imgType)
				if err != nil {
					return fmt.Errorf("[%s] chunked flash of %s: %w", target, fname, err)
				}
				currentOffset += written
				ulog.Info("[%s] chunked flash complete.", target)
				continue
			}

			if err := e.Upload(resolved, config.AddrACLoad, imgType); err != nil {
				return fmt.Errorf("[%s] uploading %s: %w", target, fname, err)
			}
			e.EmmcOp(config.EmmcErase, uint32(targetLBA), uint32(fblocks), config.EmmcOpTimeout, config.EmmcSettleDelay)
			e.EmmcOp(config.EmmcWrite, uint32(targetLBA), uint32(fblocks), config.EmmcOpTimeout, config.EmmcSettleDelay)
			e.EmmcOp(config.EmmcReadback, uint32(targetLBA), uint32(fblocks), config.EmmcOpTimeout, config.EmmcSettleDelay)
			currentOffset += fblocks
			ulog.Info("[%s] flashed.", target)
		}
	}
	return nil
}

// flashChunked streams file in fixed chunks directly from disk (never
// materializing the whole file, and never spilling a chunk to a temp file,
// per the no-tempfile requirement), erasing/writing/reading back each
// chunk's LBA range in turn. Unlike the simple path, each eMMC sub-command's
// return code is checked here and aborts the chunk loop on failure. Returns
// the total blocks actually written, which the caller uses to advance its
// partition offset instead of a precomputed whole-file block count.
func flashChunked(e Engine, path string, startLBA uint64, imgType uint32) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	chunkBytes := config.ChunkSizeMB * config.MBSize
	buf := make([]byte, chunkBytes)
	currentLBA := startLBA
	var totalBlocks uint64

	for {
		n, err := io.ReadFull(f, buf)
		if n == 0 {
			if err == io.EOF {
				break
			}
			if err != nil {
				return totalBlocks, err
			}
		}
		chunk := buf[:n]
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return totalBlocks, err
		}

		if pad := (config.BlockSize - len(chunk)%config.BlockSize) % config.BlockSize; pad > 0 {
			padded := make([]byte, len(chunk)+pad)
			copy(padded, chunk)
			chunk = padded
		}
		chunkBlocks := uint64(len(chunk) / config.BlockSize)

		if uploadErr := e.StreamChunk(chunk, config.AddrACLoad, imgType); uploadErr != nil {
			return totalBlocks, fmt.Errorf("chunk upload: %w", uploadErr)
		}
		if rc, opErr := e.EmmcOp(config.EmmcErase, uint32(currentLBA), uint32(chunkBlocks), config.EmmcOpTimeout, config.EmmcSettleDelay); opErr != nil || rc != 0 {
			return totalBlocks, fmt.Errorf("chunk erase at LBA %d: rc=%d err=%v", currentLBA, rc, opErr)
		}
		if rc, opErr := e.EmmcOp(config.EmmcWrite, uint32(currentLBA), uint32(chunkBlocks), config.EmmcOpTimeout, config.EmmcSettleDelay); opErr != nil || rc != 0 {
			return totalBlocks, fmt.Errorf("chunk write at LBA %d: rc=%d err=%v", currentLBA, rc, opErr)
		}
		if rc, opErr := e.EmmcOp(config.EmmcReadback, uint32(currentLBA), uint32(chunkBlocks), config.EmmcOpTimeout, config.EmmcSettleDelay); opErr != nil || rc != 0 {
			return totalBlocks, fmt.Errorf("chunk readback at LBA %d: rc=%d err=%v", currentLBA, rc, opErr)
		}

		currentLBA += chunkBlocks
		totalBlocks += chunkBlocks

		if n < len(buf) {
			break
		}
	}

	return totalBlocks, nil
}
