package helpers

import (
	"testing"
)

func TestMaskAddress(t *testing.T) {
	masked := MaskAddress("f4a9b2c8d1e07f3a9b2c8d1e07f3a9b2")
	if masked != "f4a9b2...f3a9b2" {
		t.Errorf("unexpected mask %q", masked)
	}

	if MaskAddress("short") != "***" {
		t.Error("short addresses must be fully masked")
	}
	if MaskAddress("") != "***" {
		t.Error("empty addresses must be fully masked")
	}
}

func TestMaskAmount(t *testing.T) {
	if MaskAmount(123456) != "<REDACTED>" {
		t.Error("amounts must never appear in logs")
	}
}

func TestTinyHash_Stable(t *testing.T) {
	a := TinyHash("/usr/bin/console_wallet")
	b := TinyHash("/usr/bin/console_wallet")
	if a != b {
		t.Errorf("hash must be stable, got %q and %q", a, b)
	}
	if a == "" {
		t.Error("hash must not be empty")
	}

	if TinyHash("/usr/bin/console_wallet") == TinyHash("/opt/other_wallet") {
		t.Error("different inputs should produce different hashes")
	}
}
