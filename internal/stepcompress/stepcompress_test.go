package stepcompress

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// testEncode packs (oid, interval, count, add) into a fixed 9-byte buffer,
// standing in for the real wire codec (internal/protocol) so these tests
// can decode commands back into clocks without depending on that package.
func testEncode(oid uint8, interval uint32, count uint16, add int16) ([]byte, error) {
	buf := make([]byte, 9)
	buf[0] = oid
	binary.BigEndian.PutUint32(buf[1:5], interval)
	binary.BigEndian.PutUint16(buf[5:7], count)
	binary.BigEndian.PutUint16(buf[7:9], uint16(add))
	return buf, nil
}

func testDecode(buf []byte) (oid uint8, interval uint32, count uint16, add int16) {
	oid = buf[0]
	interval = binary.BigEndian.Uint32(buf[1:5])
	count = binary.BigEndian.Uint16(buf[5:7])
	add = int16(binary.BigEndian.Uint16(buf[7:9]))
	return
}

// decodeRun reproduces the MCU step-generator model from spec §4.B: the
// k-th step of a run occurs at last_step_clock + sum_{i=1..k}(interval+i*add).
func decodeRun(ref Clock, interval uint32, count uint16, add int16) []Clock {
	out := make([]Clock, 0, count)
	cum := int64(0)
	for k := 1; k <= int(count); k++ {
		cum += int64(interval) + int64(k)*int64(add)
		out = append(out, ref+Clock(cum))
	}
	return out
}

func TestS1LinearRun(t *testing.T) {
	c := New(0, 1, 25, testEncode)
	c.Reset(900)
	for clk := Clock(1000); clk <= 2000; clk += 100 {
		require.NoError(t, c.Push(clk))
	}
	cmds, err := c.Flush(2000)
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	_, interval, count, add := testDecode(cmds[0].Buf)
	require.EqualValues(t, 100, interval)
	require.EqualValues(t, 11, count)
	require.EqualValues(t, 0, add)
	require.Equal(t, Clock(2000), c.LastStepClock())
	require.Equal(t, 0, c.GetErrors())
}

// TestS2AcceleratingRun exercises spec scenario S2. Solving the run
// formula exactly (see fitRun) for this clock sequence against a
// last_step_clock of 900 yields interval=90, add=10, which reproduces
// every pushed clock exactly.
func TestS2AcceleratingRun(t *testing.T) {
	c := New(0, 1, 5, testEncode)
	c.Reset(900)
	for _, clk := range []Clock{1000, 1110, 1230, 1360, 1500} {
		require.NoError(t, c.Push(clk))
	}
	cmds, err := c.Flush(1500)
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	_, interval, count, add := testDecode(cmds[0].Buf)
	require.EqualValues(t, 90, interval)
	require.EqualValues(t, 5, count)
	require.EqualValues(t, 10, add)
	require.Equal(t, 0, c.GetErrors())
}

func TestS3ResetMidStream(t *testing.T) {
	c := New(0, 1, 5, testEncode)
	c.Reset(900)
	require.NoError(t, c.Push(1000))
	require.NoError(t, c.Push(1100))
	c.Reset(5000)
	require.NoError(t, c.Push(5100))
	require.NoError(t, c.Push(5200))

	cmds, err := c.Flush(5200)
	require.NoError(t, err)
	require.Len(t, cmds, 1, "reset discards the pending run started before it")

	_, interval, count, _ := testDecode(cmds[0].Buf)
	require.EqualValues(t, 100, interval)
	require.EqualValues(t, 2, count)
	require.Equal(t, Clock(5200), c.LastStepClock())
}

func TestDuplicateClockCollapsed(t *testing.T) {
	c := New(0, 1, 5, testEncode)
	c.Reset(0)
	require.NoError(t, c.Push(100))
	require.NoError(t, c.Push(100)) // duplicate
	require.NoError(t, c.Push(200))

	cmds, err := c.Flush(200)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, 1, c.GetErrors())
}

func TestNonMonotonicRejected(t *testing.T) {
	c := New(0, 1, 5, testEncode)
	c.Reset(1000)
	require.NoError(t, c.Push(1100))
	require.Error(t, c.Push(1050))
}

func TestQueueMsgPreservesOrdering(t *testing.T) {
	c := New(0, 1, 5, testEncode)
	c.Reset(0)
	require.NoError(t, c.Push(100))
	c.QueueMsg([]byte{0xAB})
	require.NoError(t, c.Push(300))

	cmds, err := c.Flush(300)
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	require.Equal(t, []byte{0xAB}, cmds[1].Buf)
	require.Equal(t, cmds[0].ReqClock, cmds[1].MinClock)
}

func TestFlushRespectsMoveClock(t *testing.T) {
	c := New(0, 1, 5, testEncode)
	c.Reset(0)
	require.NoError(t, c.Push(100))
	require.NoError(t, c.Push(2000))

	cmds, err := c.Flush(500)
	require.NoError(t, err)
	require.Len(t, cmds, 1, "the step at 2000 is past move_clock and stays pending")
	require.Equal(t, Clock(100), c.LastStepClock())

	cmds, err = c.Flush(2000)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, Clock(2000), c.LastStepClock())
}

// TestInvariantReconstructionWithinMaxError is a property test (spec §8,
// invariant 1): for random non-decreasing step clocks and any max_error,
// decoding every emitted command reproduces each pushed clock within
// ±max_error, except for clocks explicitly collapsed as duplicates.
func TestInvariantReconstructionWithinMaxError(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		maxError := uint32(1 + rng.Intn(50))
		c := New(3, 1, maxError, testEncode)
		c.Reset(0)

		var pushed []Clock
		clk := Clock(0)
		n := 20 + rng.Intn(40)
		for i := 0; i < n; i++ {
			clk += Clock(1 + rng.Intn(500))
			require.NoError(t, c.Push(clk))
			pushed = append(pushed, clk)
		}

		cmds, err := c.Flush(clk)
		require.NoError(t, err)

		var decoded []Clock
		ref := Clock(0)
		for _, cmd := range cmds {
			_, interval, count, add := testDecode(cmd.Buf)
			steps := decodeRun(ref, interval, count, add)
			decoded = append(decoded, steps...)
			ref = steps[len(steps)-1]
		}

		require.Equal(t, len(pushed), len(decoded))
		for i, want := range pushed {
			got := decoded[i]
			diff := int64(got) - int64(want)
			if diff < 0 {
				diff = -diff
			}
			require.LessOrEqualf(t, diff, int64(maxError),
				"step %d: want %d got %d (max_error %d)", i, want, got, maxError)
		}
	}
}
