//go:build !linux

package oom

import "math"

// CgroupAvailable reports no limit outside Linux.
func CgroupAvailable() (uint64, error) {
	return math.MaxUint64, nil
}

// RlimitAvailable reports no limit outside Linux.
func RlimitAvailable() (uint64, error) {
	return math.MaxUint64, nil
}
