package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	At    time.Time  `cbor:"at" json:"at"`
	Maybe *string    `cbor:"maybe" json:"maybe"`
	Gone  *time.Time `cbor:"gone,omitempty" json:"gone,omitempty"`
	Inner struct {
		N int `cbor:"n" json:"n"`
	} `cbor:"inner" json:"inner"`
}

func TestCBORCodecPreservesTimesAndNulls(t *testing.T) {
	in := envelope{At: time.Date(2023, 1, 2, 3, 4, 5, 6, time.FixedZone("", -7*3600))}
	in.Inner.N = 7

	data, err := CBORCodec{}.Marshal(in)
	require.NoError(t, err)

	var out envelope
	require.NoError(t, CBORCodec{}.Unmarshal(data, &out))
	assert.True(t, in.At.Equal(out.At))
	assert.Equal(t, in.At.Nanosecond(), out.At.Nanosecond())
	_, offset := out.At.Zone()
	assert.Equal(t, -7*3600, offset)
	assert.Nil(t, out.Maybe)
	assert.Nil(t, out.Gone)
	assert.Equal(t, 7, out.Inner.N)
}

func TestCBORCodecRejectsUnknownFields(t *testing.T) {
	data, err := CBORCodec{}.Marshal(map[string]any{"at": time.Now(), "surprise": 1})
	require.NoError(t, err)

	var out envelope
	require.Error(t, CBORCodec{}.Unmarshal(data, &out))
}

func TestJSONCodec(t *testing.T) {
	s := "x"
	data, err := JSONCodec{}.Marshal(envelope{Maybe: &s})
	require.NoError(t, err)

	var out envelope
	require.NoError(t, JSONCodec{}.Unmarshal(data, &out))
	require.NotNil(t, out.Maybe)
	assert.Equal(t, "x", *out.Maybe)
	assert.Equal(t, "json", JSONCodec{}.Name())
}

func TestTemplateNamer(t *testing.T) {
	name, err := Template("room:{}:user:{}")("r1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "room:r1:user:u2", name)

	_, err = Template("room:{}")("a", "b")
	require.Error(t, err)

	name, err = Static("broadcast")()
	require.NoError(t, err)
	assert.Equal(t, "broadcast", name)
}
