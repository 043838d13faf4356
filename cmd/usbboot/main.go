// Command usbboot drives the target's USB CDC-ACM boot channel: it hands
// off boot stages into target RAM and starts them, and it partitions and
// flashes the target's eMMC from a staging directory. See --help.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/astraboot/usbboot/internal/config"
	"github.com/astraboot/usbboot/internal/orchestrator"
	"github.com/astraboot/usbboot/internal/ulog"
	"github.com/astraboot/usbboot/internal/version"
)

var validOps = map[string]bool{
	"version-bl": true,
	"version-sm": true,
	"run-spk":    true,
	"run-sm":     true,
	"run-acore":  true,
	"emmc":       true,
	"emmc-sm":    true,
}

var rootCmd = &cobra.Command{
	Use:           "usbboot",
	Short:         "USB CDC-ACM boot and eMMC provisioning tool",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

var opts config.RunOptions

func run(cmd *cobra.Command, args []string) error {
	if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
		fmt.Println(version.Read())
		return nil
	}

	if opts.Op == "" {
		return fmt.Errorf("--op is required")
	}
	if !validOps[opts.Op] {
		return fmt.Errorf("--op %q is not one of version-bl, version-sm, run-spk, run-sm, run-acore, emmc, emmc-sm", opts.Op)
	}

	if err := orchestrator.Run(opts); err != nil {
		return err
	}
	return nil
}

func init() {
	flags := rootCmd.Flags()
	flags.Bool("version", false, "print the build version and exit")

	flags.StringVar(&opts.Op, "op", "", "operation: version-bl, version-sm, run-spk, run-sm, run-acore, emmc, emmc-sm")
	flags.StringVar(&opts.Port, "port", "", "serial port (auto-detected if empty)")
	flags.IntVar(&opts.Baud, "baud", config.DefaultBaud, "serial baud rate")
	flags.StringVar(&opts.ImgDir, "img-dir", "", "staging directory for eMMC provisioning")

	flags.StringVar(&opts.SPKPath, "spk", "spk.bin", "SPK image file")
	flags.StringVar(&opts.KeysPath, "keys", "key.bin", "keys file")
	flags.StringVar(&opts.M52BLPath, "m52bl", "m52bl.bin", "M52 bootloader image file")

	registerOptionalPathFlag(flags, &opts.SMPath, "sm", "system manager image path")
	registerOptionalPathFlag(flags, &opts.BLPath, "bl", "A-core bootloader image path")
	registerOptionalPathFlag(flags, &opts.TZKPath, "tzk", "trusted-kernel image path")
	registerOptionalPathFlag(flags, &opts.SMImagePath, "sm-image", "system manager image path to flash via emmc-sm")
}

// registerOptionalPathFlag defines a flag that may be given with no value
// (carrying config.UseDefaultSentinel, letting the orchestrator reject the
// ambiguous "I asked for this stage but gave no path" case) or with an
// explicit path.
func registerOptionalPathFlag(flags *pflag.FlagSet, target *string, name, usage string) {
	flags.StringVar(target, name, "", usage)
	flags.Lookup(name).NoOptDefVal = config.UseDefaultSentinel
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ulog.Error("%s", err)
		os.Exit(1)
	}
}
