//go:build !linux

package service

// defaultCapacity is a fixed fallback where rlimits are unavailable.
func defaultCapacity() int {
	return 128
}
