//go:build linux

package engine

import (
	"os"
	"strings"
)

// detectXeonCPU reports whether the host is Xeon-class, read from
// /proc/cpuinfo the way local-code-model's cpu_features_linux.go reads the
// same file for its GetCPUName/DetectCPUFeatures, adapted from ARM64
// feature-string matching to an x86 brand-string substring check.
func detectXeonCPU() bool {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "Xeon")
}
