package hostcpu

import "golang.org/x/sys/unix"

func affinityCount() (int, bool) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, false
	}

	return set.Count(), true
}
