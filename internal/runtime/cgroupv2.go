//go:build linux && cgo

package runtime

import (
	"fmt"
	"os"
	"path/filepath"
)

// unifiedCgroupRoot is where the unified (v2) cgroup hierarchy is mounted.
// Computed as a constant per design note 4 rather than re-derived per call.
const unifiedCgroupRoot = "/sys/fs/cgroup"

// writeUnifiedCgroupFile applies one cgroup v2 resource knob by writing
// key=value directly into the guest's unified cgroup directory (spec
// section 4.2 resource controls; section 4.3 notes per-container cgroup
// *path* handling is a v1-only no-op on v2, but the resource knobs
// themselves still apply through the unified hierarchy).
func writeUnifiedCgroupFile(guestName, key, value string) error {
	path := filepath.Join(unifiedCgroupRoot, guestName, key)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("write %s=%s: %w", path, value, err)
	}

	return nil
}
