package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckDirectoryWritable(t *testing.T) {
	fsys := afero.NewMemMapFs()

	require.NoError(t, CheckDirectoryWritable(fsys, "/data/quarantine"))

	info, err := fsys.Stat("/data/quarantine")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	exists, err := afero.Exists(fsys, filepath.Join("/data/quarantine", writeTestName))
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, afero.WriteFile(fsys, "/data/file", []byte("x"), 0644))
	assert.Error(t, CheckDirectoryWritable(fsys, "/data/file"))
	assert.Error(t, CheckDirectoryWritable(fsys, ""))
}

func TestCheckDirectoryWritableReadOnly(t *testing.T) {
	fsys := afero.NewReadOnlyFs(afero.NewMemMapFs())
	assert.Error(t, CheckDirectoryWritable(fsys, "/nope"))
}

func TestCheckFileDirectoryWritable(t *testing.T) {
	fsys := afero.NewMemMapFs()
	assert.NoError(t, CheckFileDirectoryWritable(fsys, "", "log"))
	assert.NoError(t, CheckFileDirectoryWritable(fsys, "/var/lib/rarlink/rarlink.db", "database"))

	exists, err := afero.DirExists(fsys, "/var/lib/rarlink")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		base, p string
		want    bool
	}{
		{"/downloads", "/downloads/movie.rar", true},
		{"/downloads/", "/downloads/a/b.rar", true},
		{"/downloads", "/downloads", true},
		{"/downloads", "/downloads2/movie.rar", false},
		{"/downloads", "/other/movie.rar", false},
		{"", "/downloads", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsWithin(tt.base, tt.p), "%s in %s", tt.p, tt.base)
	}
}

func TestLongestPrefix(t *testing.T) {
	bases := []string{"/downloads", "/downloads/movies", "/tv"}

	assert.Equal(t, 1, LongestPrefix(bases, "/downloads/movies/x/x.rar"))
	assert.Equal(t, 0, LongestPrefix(bases, "/downloads/x.rar"))
	assert.Equal(t, 2, LongestPrefix(bases, "/tv/show.rar"))
	assert.Equal(t, -1, LongestPrefix(bases, "/music/a.rar"))
}
