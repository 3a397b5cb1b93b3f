//go:build linux

package monitor

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWatchReportsExitOnPidfdReadable(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "0.2")
	require.NoError(t, cmd.Start())

	pidfd, err := unix.PidfdOpen(cmd.Process.Pid, 0)
	require.NoError(t, err)

	exitCh := make(chan int, 1)
	Watch(pidfd, 3, exitCh)

	select {
	case idx := <-exitCh:
		assert.Equal(t, 3, idx)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not report exit in time")
	}

	_ = cmd.Wait()
}
