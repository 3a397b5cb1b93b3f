//go:build linux

package dispatcher

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLastSlash(t *testing.T) {
	assert.Equal(t, 9, lastSlash("/dev/disk/mmcblk0p1"))
	assert.Equal(t, -1, lastSlash("mmcblk0p1"))
}

func TestRunPhaseSkipsEntriesFromOtherPhases(t *testing.T) {
	table := []*Entry{
		{Index: 0, Kind: KindUnmount, MountPoint: "/nonexistent/path/for/test", Phase: PhaseTerminate},
	}

	d := New(logrus.New(), table)

	result := d.runPhase(PhaseStart)
	assert.Equal(t, ResultDone, result)
}

func TestRunPhaseHonorsPreSetCancel(t *testing.T) {
	table := []*Entry{
		{Index: 0, Kind: KindUnmount, MountPoint: "/nonexistent/path/for/test", Phase: PhaseTerminate},
	}

	d := New(logrus.New(), table)
	d.cancel.Store(true)

	result := d.runPhase(PhaseTerminate)
	assert.Equal(t, ResultCancel, result)
}

func TestDispatchInvokesOnDoneExactlyOnce(t *testing.T) {
	d := New(logrus.New(), nil)

	done := make(chan int, 1)
	d.Dispatch(PhaseStart, func(result int) { done <- result })

	result := <-done
	assert.Equal(t, ResultDone, result)
}

func TestDispatchRefusesOverlappingPhase(t *testing.T) {
	d := New(logrus.New(), nil)
	d.running.Store(true)

	err := d.Dispatch(PhaseStart, func(int) {})
	assert.Error(t, err)
}

func TestDispatchCanRunASecondPhase(t *testing.T) {
	d := New(logrus.New(), nil)

	for _, phase := range []Phase{PhaseStart, PhaseTerminate} {
		done := make(chan int, 1)
		d.Dispatch(phase, func(result int) { done <- result })
		assert.Equal(t, ResultDone, <-done)
	}
}
