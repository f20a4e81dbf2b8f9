//go:build linux

package service

import "golang.org/x/sys/unix"

// defaultCapacity derives the admission cap from the soft open-file limit so
// concurrent sandboxes cannot exhaust descriptors.
func defaultCapacity() int {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return minAdmissionCapacity
	}
	return clampCapacity(int(limit.Cur) / fdsPerSandbox)
}
