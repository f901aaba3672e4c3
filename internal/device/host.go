package device

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostFeatures lists the SIMD extensions the host CPU reports. It is used
// for diagnostics only.
func HostFeatures() []string {
	var out []string
	switch runtime.GOARCH {
	case "amd64", "386":
		flags := []struct {
			name string
			ok   bool
		}{
			{"sse4.2", cpu.X86.HasSSE42},
			{"avx", cpu.X86.HasAVX},
			{"avx2", cpu.X86.HasAVX2},
			{"fma", cpu.X86.HasFMA},
			{"avx512f", cpu.X86.HasAVX512F},
		}
		for _, f := range flags {
			if f.ok {
				out = append(out, f.name)
			}
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			out = append(out, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			out = append(out, "fphp")
		}
		if cpu.ARM64.HasASIMDHP {
			out = append(out, "asimdhp")
		}
	}
	return out
}

// Kinds returns the device kinds this build can drive.
func Kinds() []Kind {
	return []Kind{Host, Accelerator}
}
