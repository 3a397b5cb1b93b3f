package workqueue

import (
	"fmt"
	"sync/atomic"
)

// Plugin is a workqueue slot's unit of work (spec section 4.5 design note
// 5: "plugins are a small, closed set, selected by name at schedule
// time"). Exec must poll cancel at least every 100ms (design note 8) and
// return one of the Result* codes; it runs entirely on the slot's
// detached worker goroutine and must never touch guest or fleet state
// directly — completion is reported back through Slot.Run's onExit
// callback instead.
type Plugin interface {
	// SetArgs supplies the plugin's arguments before Exec runs. Args are
	// plugin-specific; an unrecognized key is ignored rather than an
	// error, since a plugin is only ever invoked with arguments supplied
	// by this binary's own supervisor (its disk-preparation scheduling in
	// Bootstrap).
	SetArgs(args map[string]string)

	// Exec runs the plugin's work to completion, cancellation, or
	// failure. cancel is set to true by Slot.Cancel(); Exec must notice
	// within 100ms and stop, returning ResultCancel.
	Exec(cancel *atomic.Bool) int
}

// registry is the compile-time set of known plugin names (design note 5:
// plugins are not dynamically loaded). Concrete plugins register
// themselves from their own package's init().
var registry = map[string]func() Plugin{}

// Register adds a plugin constructor under name. Called from plugin
// package init() functions.
func Register(name string, ctor func() Plugin) {
	registry[name] = ctor
}

func newPlugin(name string) (Plugin, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("workqueue: unknown plugin %q", name)
	}

	return ctor(), nil
}
