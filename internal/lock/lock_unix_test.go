//go:build unix

package lock

import (
	"os"
	"os/exec"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderAlive(t *testing.T) {
	assert.True(t, holderAlive("", os.Getpid()))
	assert.False(t, holderAlive("", 0))
	assert.False(t, holderAlive("", -1))

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, holderAlive("", cmd.Process.Pid))
}

func TestAcquire_DeadProcessLock(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	dir := t.TempDir()
	writeHolder(t, dir, strconv.Itoa(cmd.Process.Pid))

	l := New(dir)
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
}
