// Package tensorid allocates collision-free tensor identifiers of the shape
// "<name>_<seq:8>_<uuid>" (spec §3), combining a monotonic counter with a
// UUID so identity is stable even across process restarts that reset the
// counter.
package tensorid

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

var counter uint64

var sanitizePattern = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Sanitize strips characters that would be awkward in a filename.
func Sanitize(name string) string {
	s := sanitizePattern.ReplaceAllString(name, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "tensor"
	}
	return s
}

// New allocates a fresh TensorId for the given logical name.
func New(name string) string {
	seq := atomic.AddUint64(&counter, 1)
	return fmt.Sprintf("%s_%08d_%s", Sanitize(name), seq, uuid.NewString())
}

// NewSession allocates a fresh session directory name, used by TensorStore
// and SwapStore to scope their on-disk state to one run.
func NewSession(prefix string) string {
	return fmt.Sprintf("%s_%s", Sanitize(prefix), uuid.NewString())
}
