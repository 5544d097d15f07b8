package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_SortableByCreationTime(t *testing.T) {
	a := NewID()
	time.Sleep(1100 * time.Millisecond)
	b := NewID()

	assert.True(t, a.Time().Before(b.Time()) || a.Time().Equal(b.Time()))
	assert.Less(t, a.String(), b.String(), "hex-encoded ids should sort the same way their timestamps do")
}

func TestNewID_MonotonicCounterWithinSameSecond(t *testing.T) {
	a := NewID()
	b := NewID()

	assert.False(t, a.Zero())
	assert.NotEqual(t, a, b, "two ids minted back to back must still differ")
}

func TestID_StringParseRoundTrip(t *testing.T) {
	id := NewID()

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseID_RejectsBadInput(t *testing.T) {
	_, err := ParseID("not-hex!!")
	assert.Error(t, err)

	_, err = ParseID("ab")
	assert.Error(t, err, "too short to be a 12-byte id")
}

func TestID_MarshalUnmarshalText(t *testing.T) {
	id := NewID()

	b, err := id.MarshalText()
	require.NoError(t, err)

	var out ID
	require.NoError(t, out.UnmarshalText(b))
	assert.Equal(t, id, out)
}

func TestID_ValueScanRoundTrip(t *testing.T) {
	id := NewID()

	v, err := id.Value()
	require.NoError(t, err)

	var out ID
	require.NoError(t, out.Scan(v))
	assert.Equal(t, id, out)

	var zero ID
	zv, err := zero.Value()
	require.NoError(t, err)
	assert.Nil(t, zv, "zero id stores as NULL")

	var scanned ID
	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.Zero())
}

func TestID_ZeroValue(t *testing.T) {
	var id ID
	assert.True(t, id.Zero())
	assert.False(t, NewID().Zero())
}
