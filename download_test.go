package chunkpeer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadHolderOrderingAndRemoval(t *testing.T) {
	dl := newDownload("out.db", []string{"deadbeef"})
	require.True(t, dl.needs("deadbeef"))

	require.True(t, dl.addHolder("deadbeef", "10.0.0.1:9000"))
	require.True(t, dl.addHolder("deadbeef", "10.0.0.2:9000"))
	require.False(t, dl.addHolder("deadbeef", "10.0.0.1:9000")) // duplicate

	assert.Equal(t, []string{"10.0.0.1:9000", "10.0.0.2:9000"}, dl.holderAddrs("deadbeef"))
	assert.Equal(t, 2, dl.holderCount("deadbeef"))

	dl.removeHolder("deadbeef", "10.0.0.1:9000")
	assert.Equal(t, []string{"10.0.0.2:9000"}, dl.holderAddrs("deadbeef"))
	assert.Equal(t, 1, dl.holderCount("deadbeef"))
}

func TestDownloadIsEmpty(t *testing.T) {
	dl := newDownload("out.db", nil)
	assert.True(t, dl.isEmpty())

	dl = newDownload("out.db", []string{"abc"})
	assert.False(t, dl.isEmpty())
	delete(dl.Remaining, "abc")
	assert.True(t, dl.isEmpty())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "discovering", Discovering.String())
	assert.Equal(t, "transferring", Transferring.String())
	assert.Equal(t, "done", Done.String())
}
