package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArray(t *testing.T) {
	cmds, err := Parse([]byte(`[{"cmd":"Ping"},{"cmd":"Say","text":"hi"}]`))
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "Ping", Name(cmds[0]))
	assert.Equal(t, "hi", StringField(cmds[1], "text", ""))
}

func TestParseSingleObjectWrapsAsList(t *testing.T) {
	cmds, err := Parse([]byte(`{"cmd":"Ping"}`))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "Ping", Name(cmds[0]))
}

func TestParseMalformedReturnsErrFraming(t *testing.T) {
	_, err := Parse([]byte(`not json at all`))
	assert.ErrorIs(t, err, ErrFraming)
}

func TestOversize(t *testing.T) {
	small := []byte(`{"cmd":"Ping"}`)
	assert.False(t, Oversize(small))

	big := make([]byte, MaxFrameBytes+1)
	assert.True(t, Oversize(big))
}

func TestSerializeRoundTrip(t *testing.T) {
	cmds, err := Parse([]byte(`[{"cmd":"Ping"}]`))
	require.NoError(t, err)

	out, err := Serialize(cmds)
	require.NoError(t, err)

	reparsed, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "Ping", Name(reparsed[0]))
}

func TestSetName(t *testing.T) {
	cmds, err := Parse([]byte(`[{"cmd":"Bounce","tags":["DeathLink"]}]`))
	require.NoError(t, err)

	SetName(cmds[0], "Bounced")
	assert.Equal(t, "Bounced", Name(cmds[0]))
}

func TestStringSliceField(t *testing.T) {
	cmds, err := Parse([]byte(`[{"cmd":"Connect","tags":["a","b"]}]`))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, StringSliceField(cmds[0], "tags"))
	assert.Nil(t, StringSliceField(cmds[0], "missing"))
}

func TestObjectField(t *testing.T) {
	cmds, err := Parse([]byte(`[{"cmd":"Bounce","data":{"source":"X"}}]`))
	require.NoError(t, err)

	data := ObjectField(cmds[0], "data")
	assert.Equal(t, "X", StringField(data, "source", ""))

	assert.Equal(t, Command{}, ObjectField(cmds[0], "missing"))
}
