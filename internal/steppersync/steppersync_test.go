package steppersync

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klippyhost/mcuhost/internal/stepcompress"
)

func testEncode(oid uint8, interval uint32, count uint16, add int16) ([]byte, error) {
	buf := make([]byte, 9)
	buf[0] = oid
	binary.BigEndian.PutUint32(buf[1:5], interval)
	binary.BigEndian.PutUint16(buf[5:7], count)
	binary.BigEndian.PutUint16(buf[7:9], uint16(add))
	return buf, nil
}

// TestS4MultiStepperOrdering exercises spec scenario S4: stepper A pushes
// clock 1000, stepper B pushes clock 1001; after flush(2000), A's command
// must precede B's.
func TestS4MultiStepperOrdering(t *testing.T) {
	a := stepcompress.New(0, 1, 5, testEncode)
	b := stepcompress.New(1, 1, 5, testEncode)
	require.NoError(t, a.Push(1000))
	require.NoError(t, b.Push(1001))

	s := New([]*stepcompress.Compressor{a, b})
	cmds, err := s.Flush(2000)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, 0, cmds[0].StepperIndex)
	require.Equal(t, 1, cmds[1].StepperIndex)
}

func TestTieBreakStableByStepperIndex(t *testing.T) {
	a := stepcompress.New(0, 1, 5, testEncode)
	b := stepcompress.New(1, 1, 5, testEncode)
	c := stepcompress.New(2, 1, 5, testEncode)
	require.NoError(t, c.Push(5000))
	require.NoError(t, a.Push(5000))
	require.NoError(t, b.Push(5000))

	s := New([]*stepcompress.Compressor{a, b, c})
	cmds, err := s.Flush(5000)
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	require.Equal(t, []int{0, 1, 2}, []int{cmds[0].StepperIndex, cmds[1].StepperIndex, cmds[2].StepperIndex})
}

// TestInvariant6IncrementalFlush checks spec invariant 6: flush(c1) then
// flush(c2>=c1) emits exactly the steps in (last_flushed, c2], in clock
// order across steppers. Each round pushes exactly one pending step per
// compressor before flushing, so every emitted command stays a
// single-step run and its ReqClock is unambiguous (a run spanning
// several pushed steps is still correctly ordered — see
// TestS4MultiStepperOrdering and the stepcompress package's own tests for
// that case).
func TestInvariant6IncrementalFlush(t *testing.T) {
	a := stepcompress.New(0, 1, 5, testEncode)
	b := stepcompress.New(1, 1, 5, testEncode)
	s := New([]*stepcompress.Compressor{a, b})

	round := func(aClock, bClock, moveClock stepcompress.Clock) []stepcompress.Clock {
		require.NoError(t, a.Push(aClock))
		require.NoError(t, b.Push(bClock))
		cmds, err := s.Flush(moveClock)
		require.NoError(t, err)
		var clocks []stepcompress.Clock
		for _, cmd := range cmds {
			clocks = append(clocks, cmd.ReqClock)
		}
		return clocks
	}

	require.Equal(t, []stepcompress.Clock{100, 200}, round(100, 200, 250))
	require.Equal(t, []stepcompress.Clock{300, 400}, round(300, 400, 450))
	require.Equal(t, []stepcompress.Clock{500, 600}, round(500, 600, 700))
}

func TestFlushRejectsBackwardsMoveClock(t *testing.T) {
	a := stepcompress.New(0, 1, 5, testEncode)
	s := New([]*stepcompress.Compressor{a})
	_, err := s.Flush(1000)
	require.NoError(t, err)
	_, err = s.Flush(500)
	require.Error(t, err)
}
