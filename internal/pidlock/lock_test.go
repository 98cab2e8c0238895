package pidlock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPidAndBlocksSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	_, err = Acquire(path)
	require.Error(t, err)

	require.NoError(t, l1.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
