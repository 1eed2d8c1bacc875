package local

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(Config{Directory: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestNew_EmptyDirectory(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))
}

func TestWriteAtReadAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	data := []byte("hello block")
	require.NoError(t, s.WriteAt(ctx, "/a/b/file.dat", 4096, data))

	buf := make([]byte, len(data))
	n, err := s.ReadAt(ctx, "/a/b/file.dat", 4096, buf)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf)

	// The hole before the written range reads as zeros.
	hole := make([]byte, 16)
	n, err = s.ReadAt(ctx, "/a/b/file.dat", 0, hole)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, make([]byte, 16), hole)

	// Past the end is a short read, not an error.
	n, err = s.ReadAt(ctx, "/a/b/file.dat", 1<<20, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadAt_Missing(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.ReadAt(context.Background(), "/missing", 0, make([]byte, 1))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrFileNotFound))
}

func TestWriteFile_Atomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.WriteFile(ctx, "/x/file.cinfo", []byte("v1")))
	require.NoError(t, s.WriteFile(ctx, "/x/file.cinfo", []byte("version-2")))

	data, err := s.ReadFile(ctx, "/x/file.cinfo")
	require.NoError(t, err)
	assert.Equal(t, "version-2", string(data))

	_, err = os.Stat(tempPath(filepath.Join(s.Root(), "x", "file.cinfo")))
	assert.True(t, os.IsNotExist(err))
}

func TestTruncateAndStat(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Truncate(ctx, "/sparse", 10<<20))
	info, err := s.Stat(ctx, "/sparse")
	require.NoError(t, err)
	assert.Equal(t, "/sparse", info.Path)
	assert.Equal(t, int64(10<<20), info.Size)
	assert.Less(t, info.OnDisk, info.Size)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.WriteAt(ctx, "/d1/d2/f", 0, []byte("x")))
	require.NoError(t, s.Delete(ctx, "/d1/d2/f"))

	_, err := s.Stat(ctx, "/d1/d2/f")
	assert.True(t, stderrors.Is(err, errors.ErrFileNotFound))

	// Empty parents are pruned, the root stays.
	_, err = os.Stat(filepath.Join(s.Root(), "d1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.Root())
	assert.NoError(t, err)

	assert.NoError(t, s.Delete(ctx, "/never-existed"))
}

func TestPathEscape(t *testing.T) {
	s := newTestStorage(t)
	err := s.WriteAt(context.Background(), "../../etc/passwd", 0, []byte("x"))
	require.Error(t, err)
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	for _, p := range []string{"/b/two", "/a/one", "/c", "/logs/job.tmp", "/logs/.hidden"} {
		require.NoError(t, s.WriteAt(ctx, p, 0, []byte(p)))
	}
	require.NoError(t, os.WriteFile(tempPath(filepath.Join(s.Root(), "partial")), []byte("x"), 0640))

	var seen []string
	err := s.Walk(ctx, func(info types.StorageInfo) error {
		seen = append(seen, info.Path)
		assert.Equal(t, int64(len(info.Path)), info.Size)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/a/one", "/b/two", "/c", "/logs/job.tmp", "/logs/.hidden"}, seen)
}

func TestTempNamesAreNotLogicalPaths(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	err := s.WriteFile(ctx, "/x/.file.cinfo"+tmpSuffix, []byte("x"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrFileNotFound))

	assert.True(t, isTempName(".file.cinfo"+tmpSuffix))
	assert.False(t, isTempName("job.tmp"))
	assert.False(t, isTempName(".hidden"))
	assert.False(t, isTempName(tmpPrefix+tmpSuffix))
}

func TestUsage(t *testing.T) {
	s := newTestStorage(t)
	usage, err := s.Usage(context.Background())
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, int64(0))
	assert.LessOrEqual(t, usage.UsedBytes, usage.TotalBytes)
}
