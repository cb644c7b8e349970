//go:build linux

package train

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// readRSSBytes reads VmRSS from /proc/self/status, the RSS probe spec
// §4.9's emergency-trim check needs.
func readRSSBytes() (int64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, scanner.Err()
}
