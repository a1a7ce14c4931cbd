package quarantine

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/rarlink/internal/archive"
)

func TestMover_QuarantinesEveryVolumeOnce(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	for _, p := range []string{"/in/movie.part01.rar", "/in/movie.part02.rar", "/in/movie.part03.rar"} {
		require.NoError(t, afero.WriteFile(fsys, p, []byte(p), 0644))
	}

	set, err := archive.NewSet(fsys, "/in/movie.part01.rar")
	require.NoError(t, err)

	m := NewMover(fsys, "/quarantine")
	moved, err := m.Quarantine(ctx, set, "corrupted")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, archive.StateQuarantined, set.State)

	for _, name := range []string{"movie.part01.rar", "movie.part02.rar", "movie.part03.rar"} {
		exists, err := afero.Exists(fsys, "/quarantine/"+name)
		require.NoError(t, err)
		assert.True(t, exists, name)

		exists, err = afero.Exists(fsys, "/in/"+name)
		require.NoError(t, err)
		assert.False(t, exists, name)
	}

	moved, err = m.Quarantine(ctx, set, "corrupted")
	require.NoError(t, err)
	assert.False(t, moved)

	entries, err := afero.ReadDir(fsys, "/quarantine")
	require.NoError(t, err)
	assert.Len(t, entries, 3, "repeated quarantine must not duplicate moves")
}

func TestMover_KeepsExistingQuarantinedFile(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/quarantine/a.rar", []byte("old"), 0644))
	require.NoError(t, afero.WriteFile(fsys, "/in/a.rar", []byte("new"), 0644))

	set, err := archive.NewSet(fsys, "/in/a.rar")
	require.NoError(t, err)

	_, err = NewMover(fsys, "/quarantine").Quarantine(ctx, set, "encrypted")
	require.NoError(t, err)

	old, err := afero.ReadFile(fsys, "/quarantine/a.rar")
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))

	renamed, err := afero.ReadFile(fsys, "/quarantine/a (1).rar")
	require.NoError(t, err)
	assert.Equal(t, "new", string(renamed))
}

func TestMover_RenamedSetKeepsVolumesTogether(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/quarantine/movie.part02.rar", []byte("old"), 0644))
	for _, p := range []string{"/in/movie.part01.rar", "/in/movie.part02.rar"} {
		require.NoError(t, afero.WriteFile(fsys, p, []byte(p), 0644))
	}

	set, err := archive.NewSet(fsys, "/in/movie.part01.rar")
	require.NoError(t, err)

	moved, err := NewMover(fsys, "/quarantine").Quarantine(ctx, set, "corrupted")
	require.NoError(t, err)
	assert.True(t, moved)

	for _, name := range []string{"movie (1).part01.rar", "movie (1).part02.rar"} {
		exists, err := afero.Exists(fsys, "/quarantine/"+name)
		require.NoError(t, err)
		assert.True(t, exists, name)
	}
	exists, err := afero.Exists(fsys, "/quarantine/movie.part01.rar")
	require.NoError(t, err)
	assert.False(t, exists, "the set must not be split across names")
}

func TestMover_RestoredArchiveCanBeQuarantinedAgain(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/in/show.rar", []byte("bad"), 0644))
	m := NewMover(fsys, "/quarantine")

	first, err := archive.NewSet(fsys, "/in/show.rar")
	require.NoError(t, err)
	moved, err := m.Quarantine(ctx, first, "corrupted")
	require.NoError(t, err)
	require.True(t, moved)

	// moved back by hand for a retry
	require.NoError(t, fsys.Rename("/quarantine/show.rar", "/in/show.rar"))

	second, err := archive.NewSet(fsys, "/in/show.rar")
	require.NoError(t, err)
	moved, err = m.Quarantine(ctx, second, "corrupted")
	require.NoError(t, err)
	assert.True(t, moved)

	exists, err := afero.Exists(fsys, "/in/show.rar")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.Exists(fsys, "/quarantine/show.rar")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestNumbered(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want string
	}{
		{"movie.part01.rar", 0, "movie.part01.rar"},
		{"movie.part01.rar", 2, "movie (2).part01.rar"},
		{"movie.r00", 1, "movie (1).r00"},
		{"Show.7z.001", 1, "Show (1).7z.001"},
		{"notes.txt", 1, "notes (1).txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, numbered(tt.name, tt.n), tt.name)
	}
}

func TestMover_MissingVolumeIsSkipped(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/in/a.rar", []byte("x"), 0644))

	set := &archive.Set{FirstVolume: "/in/a.rar", Volumes: []string{"/in/a.rar", "/in/a.r00"}}
	moved, err := NewMover(fsys, "/q").Quarantine(ctx, set, "failed")
	require.NoError(t, err)
	assert.True(t, moved)
}
