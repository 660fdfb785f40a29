package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/InchanHan/kepler-go/internal/kverrors"
)

func TestPutGetRemove(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	val, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(val))

	require.NoError(t, e.Remove([]byte("k")))
	_, found, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSecondOpenIsLocked(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(dir)
	require.Error(t, err, "expected second Open of the same directory to fail")
}

func TestRecoveryAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	e1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, e1.Put([]byte("a"), []byte("1")))
	require.NoError(t, e1.Put([]byte("b"), []byte("2")))
	require.NoError(t, e1.Remove([]byte("a")))
	require.NoError(t, e1.Close())

	e2, err := Open(dir)
	require.NoError(t, err)
	defer e2.Close()

	_, found, err := e2.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found, "tombstoned key should not survive recovery")

	val, found, err := e2.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(val))
}

func TestLargeValueForcesFreezeAndFlush(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)
	defer e.Close()

	big := make([]byte, 33<<20)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, e.Put([]byte("big"), big))
	require.NoError(t, e.Put([]byte("after"), []byte("small")))

	val, found, err := e.Get([]byte("big"))
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, val, len(big))

	val2, found, err := e.Get([]byte("after"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "small", string(val2))

	// The manifest file exists from Open on; a flush shows up as its first
	// 25-byte frame, appended asynchronously by the manifest writer.
	manifestPath := filepath.Join(dir, "manifest")
	require.Eventually(t, func() bool {
		info, statErr := os.Stat(manifestPath)
		return statErr == nil && info.Size() >= 25
	}, 30*time.Second, 10*time.Millisecond, "expected a manifest frame to be appended after flush")
}

func TestPoisonedEngineRejectsFurtherCalls(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)
	defer e.Close()

	e.errCh <- errors.New("simulated background task failure")

	_, _, err = e.Get([]byte("x"))
	require.ErrorIs(t, err, kverrors.ErrPoisoned)

	err = e.Put([]byte("x"), []byte("y"))
	require.ErrorIs(t, err, kverrors.ErrPoisoned)
}
