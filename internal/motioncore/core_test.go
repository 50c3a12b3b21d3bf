package motioncore

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/klippyhost/mcuhost/internal/mcuclock"
	"github.com/klippyhost/mcuhost/internal/protocol"
	"github.com/klippyhost/mcuhost/internal/serialqueue"
	"github.com/klippyhost/mcuhost/internal/stepcompress"
	"github.com/klippyhost/mcuhost/internal/steppersync"
)

func buildDict(t *testing.T) *protocol.Dictionary {
	t.Helper()
	raw := map[string]any{
		"version":        "test",
		"build_versions": "test",
		"messages": map[string]string{
			"1": "queue_step oid=%c interval=%u count=%hu add=%hi",
		},
		"commands":       []int{1},
		"responses":      []int{},
		"static_strings": map[string]string{},
		"config":         map[string]any{},
	}
	j, err := json.Marshal(raw)
	require.NoError(t, err)
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err = zw.Write(j)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	dict, err := protocol.LoadDictionary(&compressed)
	require.NoError(t, err)
	return dict
}

// TestMoveFlushesAndSendsAcrossSteppers wires stepcompress, steppersync,
// serialqueue, and motioncore together end to end: pushing step clocks
// on two steppers and calling Move should flush and hand each compressed
// command to its stepper's own command queue.
func TestMoveFlushesAndSendsAcrossSteppers(t *testing.T) {
	dict := buildDict(t)
	enc, err := protocol.NewQueueStepEncoder(dict, "queue_step")
	require.NoError(t, err)

	cx := stepcompress.New(0, 1, 5, enc)
	cy := stepcompress.New(1, 1, 5, enc)
	require.NoError(t, cx.Push(1000))
	require.NoError(t, cy.Push(1001))

	sync := steppersync.New([]*stepcompress.Compressor{cx, cy})

	hostTr, mcuTr := serialqueue.NewEmulatedLink()
	mock := bclock.NewMock()
	model := mcuclock.NewModel(mock, 16e6)
	sq := serialqueue.New(hostTr, dict, model, mock, serialqueue.Config{})
	t.Cleanup(func() {
		// The stub MCU below never acks, so Exit only returns at its deadline.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sq.Exit(ctx)
	})

	go func() {
		tmp := make([]byte, 4096)
		for {
			if _, err := mcuTr.Read(tmp); err != nil {
				return
			}
		}
	}()

	sx := NewStepper("stepper_x", 0, cx, nil)
	sy := NewStepper("stepper_y", 1, cy, nil)
	cqx := sq.NewCommandQueue()
	cqy := sq.NewCommandQueue()

	core, err := NewCoreContext([]*Stepper{sx, sy}, []*serialqueue.CommandQueue{cqx, cqy}, sync, sq, model, dict)
	require.NoError(t, err)

	result, err := core.Move(context.Background(), 2000, nil)
	require.NoError(t, err)
	require.Equal(t, MoveCompleted, result.Outcome)
}

func TestMoveReturnsEndstopHitWithoutError(t *testing.T) {
	dict := buildDict(t)
	enc, err := protocol.NewQueueStepEncoder(dict, "queue_step")
	require.NoError(t, err)

	cx := stepcompress.New(0, 1, 5, enc)
	require.NoError(t, cx.Push(1000))
	sync := steppersync.New([]*stepcompress.Compressor{cx})

	hostTr, _ := serialqueue.NewEmulatedLink()
	mock := bclock.NewMock()
	model := mcuclock.NewModel(mock, 16e6)
	sq := serialqueue.New(hostTr, dict, model, mock, serialqueue.Config{})
	t.Cleanup(func() { _ = sq.Exit(context.Background()) })

	sx := NewStepper("stepper_x", 0, cx, nil)
	cq := sq.NewCommandQueue()
	core, err := NewCoreContext([]*Stepper{sx}, []*serialqueue.CommandQueue{cq}, sync, sq, model, dict)
	require.NoError(t, err)

	es := NewEndstop("x_min", func() (bool, error) { return true, nil }, sx)
	result, err := core.Move(context.Background(), 2000, []*Endstop{es})
	require.NoError(t, err)
	require.Equal(t, MoveEndstopHit, result.Outcome)
	require.Equal(t, "x_min", result.EndstopName)
	require.Contains(t, result.StoppedPositions, "stepper_x")
}
