//go:build !linux

package train

import "runtime"

// readRSSBytes has no portable stdlib path outside linux; fall back to the
// Go heap's reported system memory as an approximation.
func readRSSBytes() (int64, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.Sys), nil
}
