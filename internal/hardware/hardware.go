// Package hardware detects platform AES acceleration, adapted near-verbatim
// from the teacher's internal/crypto/hardware.go — that detection logic has
// nothing S3-specific about it and applies unchanged to this module's cipher
// transforms.
package hardware

import (
	"runtime"

	"github.com/kenchrcum/xmlenc/internal/config"
	"golang.org/x/sys/cpu"
)

// statusSetter is satisfied by *metrics.Metrics; kept as a narrow interface
// here so this package doesn't need to import internal/metrics just to
// report a gauge.
type statusSetter interface {
	SetHardwareAccelerationStatus(accelType string, enabled bool)
}

// ReportStatus publishes the current architecture's acceleration status to
// the xmlenc_hardware_acceleration_enabled gauge.
func ReportStatus(m statusSetter, cfg config.HardwareConfig) {
	accelType := accelTypeForArch()
	if accelType == "" {
		return
	}
	m.SetHardwareAccelerationStatus(accelType, IsAccelerationEnabled(cfg))
}

func accelTypeForArch() string {
	switch runtime.GOARCH {
	case "amd64", "386":
		return "aes-ni"
	case "arm64":
		return "armv8-aes"
	case "s390x":
		return "s390x-aes"
	default:
		return ""
	}
}

// HasAESHardwareSupport reports whether the running CPU exposes AES
// instructions, via golang.org/x/sys/cpu feature detection.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// IsAccelerationEnabled reports whether hardware acceleration is both
// supported by the CPU and enabled in configuration.
func IsAccelerationEnabled(cfg config.HardwareConfig) bool {
	if !HasAESHardwareSupport() {
		return false
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		return cfg.EnableAESNI
	case "arm64":
		return cfg.EnableARMv8AES
	default:
		return true
	}
}

// Info returns a snapshot of hardware acceleration support/configuration,
// suitable for a status or health payload.
func Info(cfg *config.HardwareConfig) map[string]interface{} {
	info := map[string]interface{}{
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
		"goos":                 runtime.GOOS,
		"go_version":           runtime.Version(),
	}

	if cfg != nil {
		info["aes_ni_enabled"] = cfg.EnableAESNI
		info["armv8_aes_enabled"] = cfg.EnableARMv8AES
		info["hardware_acceleration_active"] = IsAccelerationEnabled(*cfg)
	}

	return info
}
