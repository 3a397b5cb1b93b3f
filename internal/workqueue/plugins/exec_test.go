//go:build linux

package plugins

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agl/container-manager/internal/workqueue"
)

func TestRunCancellableSuccess(t *testing.T) {
	var cancel atomic.Bool
	result := runCancellable("/bin/true", nil, &cancel)
	assert.Equal(t, workqueue.ResultSuccess, result)
}

func TestRunCancellableNonZeroExit(t *testing.T) {
	var cancel atomic.Bool
	result := runCancellable("/bin/false", nil, &cancel)
	assert.Equal(t, workqueue.ResultFail, result)
}

func TestRunCancellableUnknownBinary(t *testing.T) {
	var cancel atomic.Bool
	result := runCancellable("/no/such/binary-ever", nil, &cancel)
	assert.Equal(t, workqueue.ResultFail, result)
}

func TestRunCancellableStopsOnCancel(t *testing.T) {
	var cancel atomic.Bool

	done := make(chan int, 1)
	go func() {
		done <- runCancellable("/bin/sleep", []string{"30"}, &cancel)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel.Store(true)

	select {
	case result := <-done:
		assert.Equal(t, workqueue.ResultCancel, result)
	case <-time.After(5 * time.Second):
		t.Fatal("runCancellable did not observe cancellation in time")
	}
}

func TestFsckPluginRequiresDevice(t *testing.T) {
	p := &fsckPlugin{}
	var cancel atomic.Bool
	assert.Equal(t, workqueue.ResultFail, p.Exec(&cancel))
}

func TestErasePluginRequiresDevice(t *testing.T) {
	p := &erasePlugin{}
	var cancel atomic.Bool
	assert.Equal(t, workqueue.ResultFail, p.Exec(&cancel))
}
