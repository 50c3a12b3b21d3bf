package motioncore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnablePinAssertsOnlyOnFirstAcquire(t *testing.T) {
	var transitions []bool
	pin := NewEnablePin(func(on bool) error {
		transitions = append(transitions, on)
		return nil
	})

	require.NoError(t, pin.Acquire())
	require.NoError(t, pin.Acquire())
	require.NoError(t, pin.Acquire())
	require.Equal(t, 3, pin.RefCount())
	require.True(t, pin.On())

	require.NoError(t, pin.Release())
	require.NoError(t, pin.Release())
	require.True(t, pin.On(), "still held by one more acquirer")

	require.NoError(t, pin.Release())
	require.False(t, pin.On())
	require.Equal(t, 0, pin.RefCount())

	require.Equal(t, []bool{true, false}, transitions, "hardware flips only on 0<->1 transitions")
}

func TestEnablePinReleaseAtZeroIsNoop(t *testing.T) {
	calls := 0
	pin := NewEnablePin(func(on bool) error { calls++; return nil })
	require.NoError(t, pin.Release())
	require.Zero(t, calls)
}

type stubStepperHandle struct {
	name string
	pos  int64
}

func (s stubStepperHandle) Name() string   { return s.name }
func (s stubStepperHandle) Position() int64 { return s.pos }

func TestEndstopStoppedPositionsNonOwningHandles(t *testing.T) {
	a := stubStepperHandle{name: "stepper_x", pos: 1234}
	b := stubStepperHandle{name: "stepper_x1", pos: 1230}
	triggered := false
	es := NewEndstop("x_min", func() (bool, error) { return triggered, nil }, a, b)

	tripped, err := es.Poll()
	require.NoError(t, err)
	require.False(t, tripped)

	triggered = true
	tripped, err = es.Poll()
	require.NoError(t, err)
	require.True(t, tripped)

	positions := es.StoppedPositions()
	require.Equal(t, int64(1234), positions["stepper_x"])
	require.Equal(t, int64(1230), positions["stepper_x1"])
}

func TestCheckBusyIdleBeforeAnyMove(t *testing.T) {
	c := &CoreContext{}
	status := c.CheckBusy(time.Now())
	require.False(t, status.Busy)
}
