//go:build linux

package oom

import (
	"fmt"
	"math"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// CgroupAvailable returns the headroom left under the current cgroup v2
// memory limit. Unlimited or non-unified hierarchies report math.MaxUint64.
func CgroupAvailable() (uint64, error) {
	if cgroups.Mode() != cgroups.Unified {
		return math.MaxUint64, nil
	}
	group, err := cgroup2.NestedGroupPath("")
	if err != nil {
		return 0, fmt.Errorf("cannot find cgroup: %w", err)
	}
	manager, err := cgroup2.Load(group)
	if err != nil {
		return 0, fmt.Errorf("cannot load cgroup %s: %w", group, err)
	}
	stats, err := manager.Stat()
	if err != nil {
		return 0, fmt.Errorf("cannot read cgroup stats: %w", err)
	}
	if stats.Memory == nil || stats.Memory.UsageLimit == 0 || stats.Memory.UsageLimit == math.MaxUint64 {
		return math.MaxUint64, nil
	}
	return headroom(stats.Memory.UsageLimit, stats.Memory.Usage), nil
}

// RlimitAvailable returns the headroom left under RLIMIT_AS.
func RlimitAvailable() (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &rl); err != nil {
		return 0, fmt.Errorf("cannot read RLIMIT_AS: %w", err)
	}
	if rl.Cur == unix.RLIM_INFINITY {
		return math.MaxUint64, nil
	}
	self, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := self.Stat()
	if err != nil {
		return 0, fmt.Errorf("cannot read process stat: %w", err)
	}
	return headroom(rl.Cur, uint64(stat.VirtualMemory())), nil
}

func headroom(limit, used uint64) uint64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
