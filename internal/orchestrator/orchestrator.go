// Package orchestrator sequences the boot stages named by --op: legacy
// SPK/keys handoff, SM upload+run, A-core bootloader+TZK upload+exec, and
// eMMC provisioning, honoring the mandatory inter-stage quiescence while the
// device changes its USB CDC personality. Grounded on the original tool's
// do_run_spk/do_version_bl/do_version_sm/do_run_sm/do_run_acore/do_emmc/
// update_sm_image and main()'s op dispatch table.
package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/astraboot/usbboot/internal/config"
	"github.com/astraboot/usbboot/internal/discovery"
	"github.com/astraboot/usbboot/internal/flasher"
	"github.com/astraboot/usbboot/internal/iox"
	"github.com/astraboot/usbboot/internal/measure"
	"github.com/astraboot/usbboot/internal/protocol"
	"github.com/astraboot/usbboot/internal/transport"
	"github.com/astraboot/usbboot/internal/ulog"
	"github.com/astraboot/usbboot/internal/version"
)

// Run dispatches opts.Op to its stage sequence. This is the sole entry point
// the CLI calls.
func Run(opts config.RunOptions) error {
	ulog.Info("usbboot %s running %s", version.ReadBrief(), opts.Op)
	done := measure.Interactively(fmt.Sprintf("running %s", opts.Op))
	defer func() { done("") }()

	switch opts.Op {
	case "run-spk":
		return stageRunSPK(opts)

	case "version-bl":
		if err := stageRunSPK(opts); err != nil {
			return err
		}
		time.Sleep(config.InterStageWait)
		return stageVersionBL(opts)

	case "version-sm":
		if err := stageRunSPK(opts); err != nil {
			return err
		}
		time.Sleep(config.InterStageWait)
		if err := stageRunSM(opts); err != nil {
			return err
		}
		time.Sleep(config.InterStageWait)
		return stageVersionSM(opts)

	case "run-sm":
		if err := stageRunSPK(opts); err != nil {
			return err
		}
		time.Sleep(config.InterStageWait)
		return stageRunSM(opts)

	case "run-acore":
		if err := stageRunSPK(opts); err != nil {
			return err
		}
		time.Sleep(config.InterStageWait)
		if err := stageRunSM(opts); err != nil {
			return err
		}
		time.Sleep(config.InterStageWait)
		return stageRunAcore(opts)

	case "emmc":
		return stageEmmc(opts)

	case "emmc-sm":
		if err := stageRunSPK(opts); err != nil {
			return err
		}
		time.Sleep(config.InterStageWait)
		if err := stageRunSM(opts); err != nil {
			return err
		}
		time.Sleep(config.InterStageWait)
		return stageEmmcSM(opts)

	default:
		return fmt.Errorf("unknown op %q", opts.Op)
	}
}

// resolvePort returns the explicit port if given, otherwise discovers one
// matching pairs.
func resolvePort(explicit string, pairs []config.VIDPID) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return discovery.Find(pairs)
}

func resolveRequired(path string) (string, error) {
	resolved, err := iox.Resolve(path)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		return "", fmt.Errorf("file not found: %s", path)
	}
	return resolved, nil
}

// stageRunSPK uploads keys, the SPK image, then the M52 bootloader over the
// legacy framing. This is the initial boot-package handoff and runs before
// every other stage except a standalone "emmc".
func stageRunSPK(opts config.RunOptions) error {
	port, err := resolvePort(opts.Port, config.PortsROMAndM52BL)
	if err != nil {
		return fmt.Errorf("run-spk: %w", err)
	}
	conn, err := transport.Open(port, opts.Baud)
	if err != nil {
		return err
	}
	defer conn.Close()
	e := protocol.New(conn, false)

	uploads := []struct {
		path string
		op   byte
	}{
		{opts.KeysPath, config.LegacyOpKeys},
		{opts.SPKPath, config.LegacyOpSPK},
		{opts.M52BLPath, config.LegacyOpM52BL},
	}
	for _, u := range uploads {
		resolved, err := resolveRequired(u.path)
		if err != nil {
			return fmt.Errorf("run-spk: %w", err)
		}
		if err := e.RunSPK(resolved, u.op); err != nil {
			return fmt.Errorf("run-spk: uploading %s: %w", u.path, err)
		}
	}
	return nil
}

// stageVersionBL reads the bootloader's raw-mode VERSION reply.
func stageVersionBL(opts config.RunOptions) error {
	port, err := resolvePort(opts.Port, config.PortsROMAndM52BL)
	if err != nil {
		return fmt.Errorf("version-bl: %w", err)
	}
	conn, err := transport.Open(port, opts.Baud)
	if err != nil {
		return err
	}
	defer conn.Close()

	e := protocol.New(conn, true)
	major, minor, err := e.Version(config.ServiceIDBoot)
	if err != nil {
		return fmt.Errorf("version-bl: %w", err)
	}
	fmt.Printf("BL Version: %d.%d\n", major, minor)
	return nil
}

// stageRunSM uploads the SM image to DRAM and starts it, in raw mode (no
// outer envelope), matching the original's raw_mode=True DeviceHandler.
func stageRunSM(opts config.RunOptions) error {
	if opts.SMPath == "" || opts.SMPath == config.UseDefaultSentinel {
		return fmt.Errorf("run-sm requires an explicit --sm <path>")
	}
	resolved, err := resolveRequired(opts.SMPath)
	if err != nil {
		return fmt.Errorf("run-sm: %w", err)
	}

	port, err := resolvePort(opts.Port, config.PortsROMAndM52BL)
	if err != nil {
		return fmt.Errorf("run-sm: %w", err)
	}
	conn, err := transport.Open(port, opts.Baud)
	if err != nil {
		return err
	}
	defer conn.Close()

	e := protocol.New(conn, true)
	if err := e.Upload(resolved, config.AddrSMLoad, config.ImageTypeSM); err != nil {
		return fmt.Errorf("run-sm: %w", err)
	}
	if err := e.Run(config.AddrSMLoad); err != nil {
		return fmt.Errorf("run-sm: %w", err)
	}
	return nil
}

// stageVersionSM reads the system manager's outer-wrapped VERSION reply.
func stageVersionSM(opts config.RunOptions) error {
	port, err := resolvePort(opts.Port, config.PortsSM)
	if err != nil {
		return fmt.Errorf("version-sm: %w", err)
	}
	conn, err := transport.Open(port, opts.Baud)
	if err != nil {
		return err
	}
	defer conn.Close()

	e := protocol.New(conn, false)
	major, minor, err := e.Version(config.ServiceIDBoot)
	if err != nil {
		return fmt.Errorf("version-sm: %w", err)
	}
	fmt.Printf("SM Version: %d.%d\n", major, minor)
	return nil
}

// stageRunAcore uploads the A-core bootloader, hands off with EXEC, then
// uploads and execs the trusted-kernel image.
func stageRunAcore(opts config.RunOptions) error {
	if opts.BLPath == "" || opts.TZKPath == "" ||
		opts.BLPath == config.UseDefaultSentinel || opts.TZKPath == config.UseDefaultSentinel {
		return fmt.Errorf("run-acore requires explicit --bl <path> --tzk <path>")
	}
	blPath, err := resolveRequired(opts.BLPath)
	if err != nil {
		return fmt.Errorf("run-acore: %w", err)
	}
	tzkPath, err := resolveRequired(opts.TZKPath)
	if err != nil {
		return fmt.Errorf("run-acore: %w", err)
	}

	port, err := resolvePort(opts.Port, config.PortsSM)
	if err != nil {
		return fmt.Errorf("run-acore: %w", err)
	}
	conn, err := transport.Open(port, opts.Baud)
	if err != nil {
		return err
	}
	defer conn.Close()

	e := protocol.New(conn, false)
	if err := e.Upload(blPath, config.AddrACLoad, config.ImageTypeBL); err != nil {
		return fmt.Errorf("run-acore: %w", err)
	}
	if err := e.Exec(); err != nil {
		return fmt.Errorf("run-acore: exec after BL: %w", err)
	}
	if err := e.Upload(tzkPath, config.AddrACLoad, config.ImageTypeOPTEE); err != nil {
		return fmt.Errorf("run-acore: %w", err)
	}
	if err := e.Exec(); err != nil {
		return fmt.Errorf("run-acore: exec after TZK: %w", err)
	}
	ulog.Info("A-core sequence complete.")
	return nil
}

// stageEmmc runs the full eMMC provisioning flasher against --img-dir.
func stageEmmc(opts config.RunOptions) error {
	if opts.ImgDir == "" {
		return fmt.Errorf("emmc requires --img-dir <folder>")
	}
	port, err := resolvePort(opts.Port, config.PortsSM)
	if err != nil {
		return fmt.Errorf("emmc: %w", err)
	}
	conn, err := transport.Open(port, opts.Baud)
	if err != nil {
		return err
	}
	defer conn.Close()

	e := protocol.New(conn, false)
	return flasher.Run(e, opts.ImgDir)
}

// stageEmmcSM flashes a single SM image at the fixed in-place update LBA,
// used to refresh a running system's SM without a full eMMC provisioning
// pass.
func stageEmmcSM(opts config.RunOptions) error {
	if opts.SMImagePath == "" || opts.SMImagePath == config.UseDefaultSentinel {
		return fmt.Errorf("emmc-sm requires an explicit --sm-image <path>")
	}
	resolved, err := resolveRequired(opts.SMImagePath)
	if err != nil {
		return fmt.Errorf("emmc-sm: %w", err)
	}

	port, err := resolvePort(opts.Port, config.PortsSM)
	if err != nil {
		return fmt.Errorf("emmc-sm: %w", err)
	}
	conn, err := transport.Open(port, opts.Baud)
	if err != nil {
		return err
	}
	defer conn.Close()

	e := protocol.New(conn, false)
	e.EmmcOp(config.EmmcInit, 0, 0, config.DefaultTimeout, config.EmmcSettleDelay)
	e.EmmcOp(config.EmmcSelect, config.EmmcAreaUser, 0, config.DefaultTimeout, config.EmmcSettleDelay)

	if err := e.Upload(resolved, config.AddrACLoad, config.ImageTypeSM); err != nil {
		return fmt.Errorf("emmc-sm: %w", err)
	}

	st, err := os.Stat(resolved)
	if err != nil {
		return err
	}
	blocks := uint32((st.Size() + config.BlockSize - 1) / config.BlockSize)

	e.EmmcOp(config.EmmcErase, config.EmmcSMUpdateLBA, blocks, config.EmmcOpTimeout, config.EmmcSettleDelay)
	e.EmmcOp(config.EmmcWrite, config.EmmcSMUpdateLBA, blocks, config.EmmcOpTimeout, config.EmmcSettleDelay)
	e.EmmcOp(config.EmmcReadback, config.EmmcSMUpdateLBA, blocks, config.EmmcOpTimeout, config.EmmcSettleDelay)

	ulog.Info("=== SM flash operation completed ===")
	return nil
}
