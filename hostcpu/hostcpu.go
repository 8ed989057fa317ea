// Package hostcpu discovers the set of CPUs the process may run on.
package hostcpu

import (
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/cpu"
)

// ActiveCount returns the number of CPUs in the process affinity mask, or the
// logical CPU count where affinity is not available.
func ActiveCount() (int, error) {
	if n, ok := affinityCount(); ok && n > 0 {
		return n, nil
	}

	n, err := cpu.Counts(true)
	if err != nil {
		return 0, errors.Wrap(err, "count logical cpus")
	}
	if n <= 0 {
		return 0, errors.Errorf("host reports %d cpus", n)
	}

	return n, nil
}
