package dedup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/rarlink/internal/database"
)

func newStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()

	db, err := database.NewDB(database.Config{DatabasePath: filepath.Join(t.TempDir(), "dedup.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fsys := afero.NewMemMapFs()
	return NewStore(db.Hashes, fsys), fsys
}

func TestCheckAndRecord_SameContentDifferentNames(t *testing.T) {
	ctx := context.Background()
	s, fsys := newStore(t)

	require.NoError(t, afero.WriteFile(fsys, "/in/first.rar", []byte("payload"), 0644))
	require.NoError(t, afero.WriteFile(fsys, "/in/second.rar", []byte("payload"), 0644))

	res, err := s.CheckAndRecord(ctx, "/in/first.rar")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.Hash)

	res, err = s.CheckAndRecord(ctx, "/in/second.rar")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	require.NotNil(t, res.Original)
	assert.Equal(t, "/in/first.rar", res.Original.Path)
	assert.Equal(t, "first.rar", res.Original.Filename)
	assert.Equal(t, int64(7), res.Original.Size)
}

func TestCheckAndRecord_DifferentContent(t *testing.T) {
	ctx := context.Background()
	s, fsys := newStore(t)

	require.NoError(t, afero.WriteFile(fsys, "/in/a.rar", []byte("aaaa"), 0644))
	require.NoError(t, afero.WriteFile(fsys, "/in/b.rar", []byte("bbbb"), 0644))

	for _, p := range []string{"/in/a.rar", "/in/b.rar"} {
		res, err := s.CheckAndRecord(ctx, p)
		require.NoError(t, err)
		assert.False(t, res.Duplicate, p)
	}
}

func TestCheckAndRecord_RepeatedSamePath(t *testing.T) {
	ctx := context.Background()
	s, fsys := newStore(t)
	require.NoError(t, afero.WriteFile(fsys, "/in/a.rar", []byte("aaaa"), 0644))

	res, err := s.CheckAndRecord(ctx, "/in/a.rar")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	for range 2 {
		res, err := s.CheckAndRecord(ctx, "/in/a.rar")
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		require.NotNil(t, res.Original)
		assert.Equal(t, "/in/a.rar", res.Original.Path)
	}
}

func TestCheckSet_RecordsOnlyOnRecord(t *testing.T) {
	ctx := context.Background()
	s, fsys := newStore(t)
	require.NoError(t, afero.WriteFile(fsys, "/in/a.rar", []byte("aaaa"), 0644))
	volumes := []string{"/in/a.rar"}

	first, err := s.CheckSet(ctx, "/in/a.rar", volumes)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(4), first.Size)

	again, err := s.CheckSet(ctx, "/in/a.rar", volumes)
	require.NoError(t, err)
	assert.False(t, again.Duplicate, "checking alone must not record the hash")

	require.NoError(t, s.Record(ctx, "/in/a.rar", first))

	after, err := s.CheckSet(ctx, "/in/a.rar", volumes)
	require.NoError(t, err)
	assert.True(t, after.Duplicate)
	assert.Equal(t, "/in/a.rar", after.Original.Path)
	assert.Equal(t, first.Hash, after.Hash)
}

func TestCheckAndRecordSet_HashesAllVolumes(t *testing.T) {
	ctx := context.Background()
	s, fsys := newStore(t)

	require.NoError(t, afero.WriteFile(fsys, "/in/a.part1.rar", []byte("head"), 0644))
	require.NoError(t, afero.WriteFile(fsys, "/in/a.part2.rar", []byte("tail-1"), 0644))
	require.NoError(t, afero.WriteFile(fsys, "/in/b.part1.rar", []byte("head"), 0644))
	require.NoError(t, afero.WriteFile(fsys, "/in/b.part2.rar", []byte("tail-2"), 0644))

	a, err := s.CheckAndRecordSet(ctx, "/in/a.part1.rar", []string{"/in/a.part1.rar", "/in/a.part2.rar"})
	require.NoError(t, err)
	b, err := s.CheckAndRecordSet(ctx, "/in/b.part1.rar", []string{"/in/b.part1.rar", "/in/b.part2.rar"})
	require.NoError(t, err)

	assert.False(t, b.Duplicate, "sets sharing only a first volume are distinct")
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestCheckAndRecord_MissingFile(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.CheckAndRecord(context.Background(), "/nope")
	assert.Error(t, err)
}
