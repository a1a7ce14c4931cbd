package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/rarlink/internal/archive"
)

// newTestDetector returns a detector that runs between before the
// second size sample instead of sleeping.
func newTestDetector(fsys afero.Fs, between func()) *Detector {
	d := NewDetector(fsys, time.Second)
	d.wait = func(context.Context, time.Duration) error {
		if between != nil {
			between()
		}
		return nil
	}
	return d
}

func TestDetector_Check(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		between  func(fsys afero.Fs)
		complete bool
		volumes  int
	}{
		{
			name:     "stable multi-volume set",
			files:    map[string]string{"/in/m.part01.rar": "aaaa", "/in/m.part02.rar": "bb"},
			complete: true,
			volumes:  2,
		},
		{
			name:  "volume still growing",
			files: map[string]string{"/in/m.part01.rar": "aaaa", "/in/m.part02.rar": "bb"},
			between: func(fsys afero.Fs) {
				_ = afero.WriteFile(fsys, "/in/m.part02.rar", []byte("bbbb"), 0644)
			},
		},
		{
			name:  "new volume appears",
			files: map[string]string{"/in/m.rar": "aaaa"},
			between: func(fsys afero.Fs) {
				_ = afero.WriteFile(fsys, "/in/m.r00", []byte("b"), 0644)
			},
		},
		{
			name:  "first volume vanishes",
			files: map[string]string{"/in/m.rar": "aaaa"},
			between: func(fsys afero.Fs) {
				_ = fsys.Remove("/in/m.rar")
			},
		},
		{
			name:  "empty file",
			files: map[string]string{"/in/m.rar": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			for p, content := range tt.files {
				require.NoError(t, afero.WriteFile(fsys, p, []byte(content), 0644))
			}

			first := "/in/m.rar"
			if _, ok := tt.files["/in/m.part01.rar"]; ok {
				first = "/in/m.part01.rar"
			}

			d := newTestDetector(fsys, func() {
				if tt.between != nil {
					tt.between(fsys)
				}
			})
			set, complete := d.Check(context.Background(), first)
			assert.Equal(t, tt.complete, complete)
			if tt.complete {
				require.NotNil(t, set)
				assert.Len(t, set.Volumes, tt.volumes)
				assert.Equal(t, archive.StateComplete, set.State)
			} else {
				assert.Nil(t, set)
			}
		})
	}
}

func TestDetector_MissingFileIsIncomplete(t *testing.T) {
	d := newTestDetector(afero.NewMemMapFs(), nil)
	set, complete := d.Check(context.Background(), "/in/nothing.rar")
	assert.False(t, complete)
	assert.Nil(t, set)
}

func TestDetector_CancelledWaitIsIncomplete(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/in/m.rar", []byte("data"), 0644))

	d := NewDetector(fsys, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, complete := d.Check(ctx, "/in/m.rar")
	assert.False(t, complete)
}

func TestFindFirstVolumes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	for _, p := range []string{
		"/watch/a/movie.part01.rar",
		"/watch/a/movie.part02.rar",
		"/watch/b/show.rar",
		"/watch/b/show.r00",
		"/watch/b/notes.txt",
		"/watch/.hidden/secret.rar",
		"/watch/c/disc.7z.001",
		"/watch/c/disc.7z.002",
	} {
		require.NoError(t, afero.WriteFile(fsys, p, []byte("x"), 0644))
	}

	found, err := FindFirstVolumes(context.Background(), fsys, "/watch")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/watch/a/movie.part01.rar",
		"/watch/b/show.rar",
		"/watch/c/disc.7z.001",
	}, found)
}
