package archive

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// patterned returns n deterministic, non-repeating-looking bytes.
func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*31 + i/251) % 256)
	}
	return b
}

func writeZip(t *testing.T, fsys afero.Fs, path string, method uint16, entries map[string][]byte) {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range entries {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, afero.WriteFile(fsys, path, buf.Bytes(), 0644))
}

func readRange(t *testing.T, fsys afero.Fs, l *Layout, e Entry, off, n int64) []byte {
	t.Helper()
	rc, err := OpenRange(context.Background(), fsys, l, e, off, n, 4096)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	return got
}

func TestInspectZip_StoredEntryIsDirect(t *testing.T) {
	fsys := afero.NewMemMapFs()
	payload := patterned(500000)
	writeZip(t, fsys, "/dl/movie.zip", zip.Store, map[string][]byte{
		"Movie/movie.mkv": payload,
		"movie.nfo":       []byte("info"),
	})

	l, err := Inspect(context.Background(), fsys, "/dl/movie.zip")
	require.NoError(t, err)
	assert.Equal(t, FormatZip, l.Format)
	assert.Equal(t, int64(500004), l.ContentSize)

	media := l.MediaEntries([]string{".mkv"})
	require.Len(t, media, 1)
	e := media[0]
	assert.Equal(t, "Movie/movie.mkv", e.Name)
	assert.True(t, e.Direct())

	assert.Equal(t, payload[1000:2000], readRange(t, fsys, l, e, 1000, 1000))
	assert.Equal(t, payload, readRange(t, fsys, l, e, 0, e.Size))
	assert.Equal(t, payload[499990:], readRange(t, fsys, l, e, 499990, 10))
}

func TestInspectZip_CompressedEntryStreams(t *testing.T) {
	fsys := afero.NewMemMapFs()
	payload := patterned(300000)
	writeZip(t, fsys, "/dl/packed.zip", zip.Deflate, map[string][]byte{"packed.mkv": payload})

	l, err := Inspect(context.Background(), fsys, "/dl/packed.zip")
	require.NoError(t, err)

	e, ok := l.Entry("packed.mkv")
	require.True(t, ok)
	assert.True(t, e.Compressed)
	assert.False(t, e.Direct())

	assert.Equal(t, payload[123456:123456+777], readRange(t, fsys, l, e, 123456, 777))
}

func TestOpenRange_OutOfBounds(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeZip(t, fsys, "/dl/a.zip", zip.Store, map[string][]byte{"a.mkv": patterned(100)})

	l, err := Inspect(context.Background(), fsys, "/dl/a.zip")
	require.NoError(t, err)
	e, _ := l.Entry("a.mkv")

	_, err = OpenRange(context.Background(), fsys, l, e, 90, 20, 0)
	assert.Error(t, err)
}

func TestSegmentReader_SpansVolumes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	data := patterned(30)
	writeFiles(t, fsys, map[string]string{
		"/v/1": "HDR" + string(data[:10]),
		"/v/2": "HDR" + string(data[10:20]) + "TRAILER",
		"/v/3": "HDR" + string(data[20:]),
	})

	e := Entry{Name: "x.mkv", Size: 30, Segments: []Segment{
		{Volume: "/v/1", Offset: 3, Length: 10},
		{Volume: "/v/2", Offset: 3, Length: 10},
		{Volume: "/v/3", Offset: 3, Length: 10},
	}}
	l := &Layout{Format: FormatRAR, Entries: []Entry{e}}

	assert.Equal(t, data[5:25], readRange(t, fsys, l, e, 5, 20))
	assert.Equal(t, data[20:30], readRange(t, fsys, l, e, 20, 10))
	assert.Empty(t, readRange(t, fsys, l, e, 10, 0))
}

func TestSegmentsOverConcat(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{
		"/v/a.7z.001": "0123456789",
		"/v/a.7z.002": "0123456789",
	})

	segs, err := segmentsOverConcat(fsys, []string{"/v/a.7z.001", "/v/a.7z.002"}, 8, 6)
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Volume: "/v/a.7z.001", Offset: 8, Length: 2},
		{Volume: "/v/a.7z.002", Offset: 0, Length: 4},
	}, segs)

	_, err = segmentsOverConcat(fsys, []string{"/v/a.7z.001"}, 8, 6)
	assert.Error(t, err)
}

func TestInspectRar_NotAnArchive(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{"/dl/fake.rar": "definitely not a rar archive"})

	_, err := Inspect(context.Background(), fsys, "/dl/fake.rar")
	assert.Error(t, err)
}

func TestLayoutCache(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeZip(t, fsys, "/dl/a.zip", zip.Store, map[string][]byte{"a.mkv": patterned(64)})

	c, err := NewLayoutCache(fsys, 4)
	require.NoError(t, err)

	l1, err := c.Get(context.Background(), "/dl/a.zip")
	require.NoError(t, err)
	l2, err := c.Get(context.Background(), "/dl/a.zip")
	require.NoError(t, err)
	assert.Same(t, l1, l2)
	assert.Equal(t, 1, c.Len())
}
