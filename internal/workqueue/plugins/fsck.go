//go:build linux

package plugins

import (
	"sync/atomic"

	"github.com/agl/container-manager/internal/workqueue"
)

func init() {
	workqueue.Register("fsck", func() workqueue.Plugin { return &fsckPlugin{} })
}

// fsckPlugin runs fsck.ext4 -p against a block device, grounded on
// plugin/fsck-plugin.c.
type fsckPlugin struct {
	device string
}

func (p *fsckPlugin) SetArgs(args map[string]string) {
	p.device = args["device"]
}

func (p *fsckPlugin) Exec(cancel *atomic.Bool) int {
	if p.device == "" {
		return workqueue.ResultFail
	}

	return runCancellable("/sbin/fsck.ext4", []string{"-p", p.device}, cancel)
}
