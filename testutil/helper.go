package testutil

import (
	"fmt"
	"math"

	"github.com/google/go-cmp/cmp"
)

// CandumpLine renders one candump-style log line for test inputs.
func CandumpLine(ts float64, iface string, id uint32, data []byte) string {
	return fmt.Sprintf("(%.6f) %s %X#%X", ts, iface, id, data)
}

// SignalComparer is a cmp option that treats decoded signal values as
// equal when numeric values agree within a small tolerance. Labels still
// compare exactly.
var SignalComparer = cmp.Comparer(func(x, y float64) bool {
	return x == y || math.Abs(x-y) < 1e-9
})

// DiffSignals returns a human-readable diff between two decoded signal
// maps, empty when they match.
func DiffSignals(want, got map[string]any) string {
	return cmp.Diff(want, got, SignalComparer)
}
