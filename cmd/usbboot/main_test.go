package main

import "testing"

func TestValidOps(t *testing.T) {
	want := []string{"version-bl", "version-sm", "run-spk", "run-sm", "run-acore", "emmc", "emmc-sm"}
	if len(validOps) != len(want) {
		t.Fatalf("got %d valid ops, want %d", len(validOps), len(want))
	}
	for _, op := range want {
		if !validOps[op] {
			t.Errorf("expected %q to be a valid op", op)
		}
	}
}
