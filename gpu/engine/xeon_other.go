//go:build !linux

package engine

// detectXeonCPU has no portable stdlib path outside linux's /proc/cpuinfo;
// callers treat false as "assume not Xeon" rather than failing construction.
func detectXeonCPU() bool {
	return false
}
