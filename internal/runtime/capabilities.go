//go:build linux && cgo

package runtime

import (
	"fmt"
	"strings"
	"sync"

	"github.com/moby/sys/capability"
)

var (
	knownCapsOnce sync.Once
	knownCaps     map[string]bool
)

// loadKnownCaps builds the name set once from the running kernel's
// capability list (design note 4: compute once, reuse).
func loadKnownCaps() map[string]bool {
	knownCapsOnce.Do(func() {
		knownCaps = make(map[string]bool)
		for _, c := range capability.ListKnown() {
			knownCaps["CAP_"+strings.ToUpper(c.String())] = true
		}
	})

	return knownCaps
}

// validateCapabilities resolves guest-config capability names (e.g.
// "CAP_SYS_ADMIN") against the kernel's known capability set before they
// are handed to go-lxc as lxc.cap.drop/lxc.cap.keep, so a typo in config
// fails guest construction instead of silently becoming a no-op inside
// liblxc.
func validateCapabilities(names []string) ([]string, error) {
	known := loadKnownCaps()
	out := make([]string, 0, len(names))

	for _, n := range names {
		name := strings.ToUpper(strings.TrimSpace(n))
		if !strings.HasPrefix(name, "CAP_") {
			name = "CAP_" + name
		}

		if !known[name] {
			return nil, fmt.Errorf("unknown capability %q", n)
		}

		out = append(out, strings.TrimPrefix(name, "CAP_"))
	}

	return out, nil
}
