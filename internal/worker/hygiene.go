package worker

import (
	"os"
	"runtime"
)

// preforkAllocationReserveRatio is set once at pool construction time via
// SetPreforkAllocationReserveRatio; it defaults to the spec's 0.80.
var preforkAllocationReserveRatio = 0.80

// SetPreforkAllocationReserveRatio configures the fraction of the
// next-GC budget at which preForkHygiene triggers a collection.
func SetPreforkAllocationReserveRatio(ratio float64) {
	if ratio > 0 && ratio <= 1 {
		preforkAllocationReserveRatio = ratio
	}
}

// preForkHygiene flushes stdout and, if the heap has grown past the
// configured reserve ratio of the next GC threshold, triggers a
// collection to reduce copy-on-write churn in the forked child
// before an exec.Command fork.
func preForkHygiene() {
	_ = os.Stdout.Sync()

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.NextGC == 0 {
		return
	}
	if float64(stats.HeapAlloc)/float64(stats.NextGC) >= preforkAllocationReserveRatio {
		runtime.GC()
	}
}

func removeFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
