//go:build linux

package plugins

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/agl/container-manager/internal/workqueue"
)

func init() {
	workqueue.Register("erase", func() workqueue.Plugin { return &erasePlugin{} })
}

// eraseBufSize matches the original's 1MByte zero buffer
// (plugin/erase-mkfs-plugin.c's g_erase_buff).
const eraseBufSize = 1024 * 1024

// erasePlugin overwrites a block device with zeros until the device
// reports ENOSPC, then formats it with mkfs.ext4 -I 256, grounded on
// plugin/erase-mkfs-plugin.c.
type erasePlugin struct {
	device string
}

func (p *erasePlugin) SetArgs(args map[string]string) {
	p.device = args["device"]
}

func (p *erasePlugin) Exec(cancel *atomic.Bool) int {
	if p.device == "" {
		return workqueue.ResultFail
	}

	result := p.erase(cancel)
	if result != workqueue.ResultSuccess {
		return result
	}

	return runCancellable("/sbin/mkfs.ext4", []string{"-I", "256", p.device}, cancel)
}

func (p *erasePlugin) erase(cancel *atomic.Bool) int {
	fd, err := unix.Open(p.device, unix.O_CLOEXEC|unix.O_SYNC|unix.O_WRONLY, 0)
	if err != nil {
		return workqueue.ResultFail
	}
	defer unix.Close(fd)

	buf := make([]byte, eraseBufSize)

	for {
		if cancel.Load() {
			return workqueue.ResultCancel
		}

		_, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			// ENOSPC is the only expected terminal condition: the device is
			// full of zeros. Anything else is a real write failure.
			if err == unix.ENOSPC {
				return workqueue.ResultSuccess
			}

			return workqueue.ResultFail
		}
	}
}
