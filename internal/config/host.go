package config

// HostFile is the host-level JSON document (spec section 4.2, section 6):
// configdir, bridge list, and the optional manager-wide mount pipeline
// override. Parsing is mechanical per spec section 1's non-goals, so this
// is a direct json.Unmarshal target with no bespoke decoding logic.
type HostFile struct {
	ConfigDir   string           `json:"configdir"`
	EtherBridge []EtherBridge    `json:"etherbridge,omitempty"`
	Operation   *OperationConfig `json:"operation,omitempty"`
}

// EtherBridge names a host bridge interface the daemon is aware of.
type EtherBridge struct {
	Name string `json:"name"`
}

// OperationConfig carries the manager-wide mount pipeline (spec section
// 4.6). When absent, internal/dispatcher falls back to its built-in
// default table.
type OperationConfig struct {
	Mount []MountPipelineEntry `json:"mount"`
}

// MountPipelineEntry is one row of the manager work pipeline (spec section
// 4.6, section 3 "Manager work pipeline").
type MountPipelineEntry struct {
	Type       string   `json:"type"` // "mount-then-fsck-on-fail" | "mount-then-mkfs-on-fail" | "unmount" | "erase+mkfs"
	To         string   `json:"to"`
	Filesystem string   `json:"filesystem"`
	Mode       string   `json:"mode"`
	Option     string   `json:"option,omitempty"`
	Redundancy string   `json:"redundancy,omitempty"`
	Blockdev   []string `json:"blockdev"` // [a] or [a, b]
}
