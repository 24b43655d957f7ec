package oom

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// HostAvailable returns the memory the OS reports as available without
// swapping, including reclaimable page cache.
func HostAvailable() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("cannot read virtual memory stats: %w", err)
	}
	return vm.Available, nil
}
