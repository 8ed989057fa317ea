//go:build !linux

package hostcpu

func affinityCount() (int, bool) {
	return 0, false
}
