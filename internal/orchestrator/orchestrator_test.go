package orchestrator

import (
	"testing"

	"github.com/astraboot/usbboot/internal/config"
)

func TestResolvePortExplicit(t *testing.T) {
	got, err := resolvePort("/dev/ttyACM7", config.PortsSM)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/dev/ttyACM7" {
		t.Errorf("resolvePort() = %q, want explicit path unchanged", got)
	}
}

func TestStageRunSMRequiresExplicitPath(t *testing.T) {
	for _, sm := range []string{"", config.UseDefaultSentinel} {
		err := stageRunSM(config.RunOptions{SMPath: sm})
		if err == nil {
			t.Errorf("stageRunSM with SMPath=%q: expected an error", sm)
		}
	}
}

func TestStageRunAcoreRequiresExplicitPaths(t *testing.T) {
	cases := []config.RunOptions{
		{BLPath: "", TZKPath: "tzk.bin"},
		{BLPath: "bl.bin", TZKPath: ""},
		{BLPath: config.UseDefaultSentinel, TZKPath: "tzk.bin"},
	}
	for _, opts := range cases {
		if err := stageRunAcore(opts); err == nil {
			t.Errorf("stageRunAcore with %+v: expected an error", opts)
		}
	}
}

func TestStageEmmcRequiresImgDir(t *testing.T) {
	if err := stageEmmc(config.RunOptions{}); err == nil {
		t.Error("stageEmmc with no ImgDir: expected an error")
	}
}

func TestStageEmmcSMRequiresExplicitPath(t *testing.T) {
	for _, sm := range []string{"", config.UseDefaultSentinel} {
		err := stageEmmcSM(config.RunOptions{SMImagePath: sm})
		if err == nil {
			t.Errorf("stageEmmcSM with SMImagePath=%q: expected an error", sm)
		}
	}
}
