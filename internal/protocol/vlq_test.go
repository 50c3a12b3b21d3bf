package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVLQRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 16383, 16384, math.MaxUint32} {
		buf := EncodeVLQ(nil, v)
		got, rest, err := DecodeVLQ(buf)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, v, got)
	}
}

func TestVLQSignedRoundTrip(t *testing.T) {
	for _, v := range []int32{0, -1, 1, -2, 2, math.MinInt32, math.MaxInt32} {
		buf := EncodeVLQSigned(nil, v)
		got, rest, err := DecodeVLQSigned(buf)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, v, got)
	}
}

func TestSmallMagnitudeSignedStaysShort(t *testing.T) {
	buf := EncodeVLQSigned(nil, -1)
	require.Len(t, buf, 1)
}

func TestDecodeVLQTruncated(t *testing.T) {
	_, _, err := DecodeVLQ([]byte{0x80, 0x80})
	require.Error(t, err)
}

func TestDecodeVLQSequence(t *testing.T) {
	var buf []byte
	buf = EncodeVLQ(buf, 5)
	buf = EncodeVLQ(buf, 300)
	v1, rest, err := DecodeVLQ(buf)
	require.NoError(t, err)
	require.EqualValues(t, 5, v1)
	v2, rest, err := DecodeVLQ(rest)
	require.NoError(t, err)
	require.EqualValues(t, 300, v2)
	require.Empty(t, rest)
}
