package wire

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name: "typical",
			frame: Frame{
				Origin:      "7f1c2a9e-1111-4c4c-9b9b-000000000001",
				Topic:       "ping",
				Descriptor:  "mpack:Ping",
				PublisherID: 42,
				Sequence:    7,
				Timestamp:   1_700_000_000_000_000,
				Payload:     []byte("Ping 1"),
			},
		},
		{
			name:  "empty fields",
			frame: Frame{Topic: "t"},
		},
		{
			name: "extremes",
			frame: Frame{
				Topic:       "camera/front",
				PublisherID: math.MinInt64 / 2,
				Sequence:    math.MaxInt64,
				Timestamp:   -1,
				Payload:     make([]byte, 4096),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.frame.Marshal()
			require.NoError(t, err)
			assert.Len(t, data, tt.frame.Size())

			got, err := Unmarshal(data)
			require.NoError(t, err)

			want := tt.frame
			if want.Payload == nil {
				want.Payload = []byte{}
			}
			assert.Equal(t, &want, got)
		})
	}
}

func TestUnmarshalCopiesPayload(t *testing.T) {
	f := Frame{Topic: "ping", Payload: []byte("abc")}
	data, err := f.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	data[len(data)-1] = 'z'
	assert.Equal(t, "abc", string(got.Payload))
}

func TestUnmarshalTruncated(t *testing.T) {
	f := Frame{Origin: "o", Topic: "ping", Descriptor: "raw:bytes", Sequence: 300, Payload: []byte("payload")}
	data, err := f.Marshal()
	require.NoError(t, err)

	for i := 0; i < len(data); i++ {
		_, err := Unmarshal(data[:i])
		assert.True(t, errors.Is(err, ErrTruncated), "prefix %d: %v", i, err)
	}
}

func TestUnmarshalRejects(t *testing.T) {
	f := Frame{Topic: "ping"}
	data, err := f.Marshal()
	require.NoError(t, err)

	bad := append([]byte{}, data...)
	bad[0] = 9
	_, err = Unmarshal(bad)
	assert.ErrorIs(t, err, ErrVersion)

	_, err = Unmarshal(append(data, 0))
	assert.Error(t, err)

	// Length prefix claiming more than MaxFrameSize.
	huge := []byte{Version, 0xff, 0xff, 0xff, 0xff, 0x0f}
	_, err = Unmarshal(huge)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestMarshalRange(t *testing.T) {
	_, err := (&Frame{Topic: "t", Sequence: math.MaxUint64}).Marshal()
	assert.ErrorIs(t, err, ErrRange)
	_, err = (&Frame{Topic: "t", PublisherID: math.MinInt64}).Marshal()
	assert.ErrorIs(t, err, ErrRange)
}

func TestZigzag(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, -64, math.MaxInt64, math.MinInt64} {
		assert.Equal(t, v, unzigzag(zigzag(v)))
	}
	assert.Equal(t, uint64(1), zigzag(-1))
	assert.Equal(t, uint64(2), zigzag(1))
}
