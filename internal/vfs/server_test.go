package vfs

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/rarlink/internal/archive"
	perrors "github.com/javi11/rarlink/internal/errors"
)

const payloadSize = 500000

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*7 + i/509) % 256)
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

type testEnv struct {
	fsys   afero.Fs
	server *Server
	data   []byte
}

func newTestEnv(t *testing.T, method uint16) *testEnv {
	t.Helper()

	fsys := afero.NewMemMapFs()
	data := payload(payloadSize)
	writeZip(t, fsys, "/in/Movie.2024.zip", method, map[string][]byte{
		"Movie.2024/Movie.2024.mkv": data,
		"Movie.2024/readme.nfo":     []byte("release notes"),
	})

	layouts, err := archive.NewLayoutCache(fsys, 8)
	require.NoError(t, err)

	s := NewServer(Config{
		Host:               "127.0.0.1",
		BindAddress:        "127.0.0.1",
		MediaExtensions:    []string{".mkv", ".mp4"},
		PointerExtension:   ".strm",
		ChunkSize:          64 * 1024,
		DirectWarningBytes: 5 << 30,
	}, fsys, layouts)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	return &testEnv{fsys: fsys, server: s, data: data}
}

func (e *testEnv) mount(t *testing.T) *MountHandle {
	t.Helper()
	set, err := archive.NewSet(e.fsys, "/in/Movie.2024.zip")
	require.NoError(t, err)
	h, err := e.server.Mount(context.Background(), set, "/library/movies")
	require.NoError(t, err)
	return h
}

func do(t *testing.T, s *Server, method, path, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestMount_WritesOnePointerPerMediaEntry(t *testing.T) {
	env := newTestEnv(t, zip.Store)
	h := env.mount(t)

	require.Len(t, h.Files, 1, "only media extensions are exposed")
	require.Len(t, h.PointerFiles, 1)
	assert.Equal(t, "/library/movies/Movie.2024.strm", h.PointerFiles[0])

	vf := h.Files[0]
	assert.Equal(t, int64(payloadSize), vf.Size)
	assert.Equal(t, "video/x-matroska", vf.ContentType)
	assert.True(t, strings.HasPrefix(vf.Path, "/movie.2024-"), vf.Path)
	assert.True(t, strings.HasSuffix(vf.Path, "/movie.2024.mkv"), vf.Path)

	content, err := afero.ReadFile(env.fsys, h.PointerFiles[0])
	require.NoError(t, err)
	assert.Equal(t, env.server.BaseURL()+vf.Path, string(content))
	assert.NotContains(t, string(content), "\n")
	assert.True(t, strings.HasPrefix(string(content), "http://127.0.0.1:"))
}

func TestMount_IsIdempotentPerArchive(t *testing.T) {
	env := newTestEnv(t, zip.Store)
	first := env.mount(t)
	second := env.mount(t)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, env.server.Mounts(), 1)
}

func TestMount_NoMediaEntries(t *testing.T) {
	env := newTestEnv(t, zip.Store)
	writeZip(t, env.fsys, "/in/docs.zip", zip.Store, map[string][]byte{"a.txt": []byte("x")})

	set, err := archive.NewSet(env.fsys, "/in/docs.zip")
	require.NoError(t, err)

	_, err = env.server.Mount(context.Background(), set, "/library")
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrNoMediaEntries)
	assert.True(t, perrors.IsTerminal(err))
}

func TestMount_RequiresStartedServer(t *testing.T) {
	fsys := afero.NewMemMapFs()
	layouts, err := archive.NewLayoutCache(fsys, 1)
	require.NoError(t, err)

	s := NewServer(Config{}, fsys, layouts)
	_, err = s.Mount(context.Background(), &archive.Set{FirstVolume: "/in/a.rar"}, "/out")
	kind, ok := perrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, perrors.KindMountFailure, kind)
}

func TestServeHTTP_RangeRequests(t *testing.T) {
	for _, tt := range []struct {
		name   string
		method uint16
	}{
		{"stored", zip.Store},
		{"deflated", zip.Deflate},
	} {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.method)
			vf := env.mount(t).Files[0]

			rec := do(t, env.server, http.MethodGet, vf.Path, "bytes=1000-1999")
			assert.Equal(t, http.StatusPartialContent, rec.Code)
			assert.Equal(t, "bytes 1000-1999/500000", rec.Header().Get("Content-Range"))
			assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
			assert.Equal(t, env.data[1000:2000], rec.Body.Bytes())

			rec = do(t, env.server, http.MethodGet, vf.Path, "bytes=500000-500010")
			assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
			assert.Equal(t, "bytes */500000", rec.Header().Get("Content-Range"))
		})
	}
}

func TestServeHTTP_Statuses(t *testing.T) {
	env := newTestEnv(t, zip.Store)
	vf := env.mount(t).Files[0]

	tests := []struct {
		name       string
		method     string
		path       string
		rangeHdr   string
		wantStatus int
		wantBody   []byte
		wantRange  string
	}{
		{"full get", http.MethodGet, vf.Path, "", http.StatusOK, env.data, ""},
		{"head", http.MethodHead, vf.Path, "", http.StatusOK, nil, ""},
		{"open ended", http.MethodGet, vf.Path, "bytes=499990-", http.StatusPartialContent, env.data[499990:], "bytes 499990-499999/500000"},
		{"suffix", http.MethodGet, vf.Path, "bytes=-10", http.StatusPartialContent, env.data[499990:], "bytes 499990-499999/500000"},
		{"end beyond size", http.MethodGet, vf.Path, "bytes=0-500000", http.StatusRequestedRangeNotSatisfiable, nil, "bytes */500000"},
		{"malformed range ignored", http.MethodGet, vf.Path, "items=0-10", http.StatusOK, env.data, ""},
		{"unknown path", http.MethodGet, "/nope/file.mkv", "", http.StatusNotFound, nil, ""},
		{"unknown path head", http.MethodHead, "/nope/file.mkv", "", http.StatusNotFound, nil, ""},
		{"post rejected", http.MethodPost, vf.Path, "", http.StatusMethodNotAllowed, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, env.server, tt.method, tt.path, tt.rangeHdr)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantRange != "" {
				assert.Equal(t, tt.wantRange, rec.Header().Get("Content-Range"))
			}
			if tt.wantBody != nil {
				assert.Equal(t, tt.wantBody, rec.Body.Bytes())
			}
		})
	}
}

func TestServeHTTP_HeadHeaders(t *testing.T) {
	env := newTestEnv(t, zip.Store)
	vf := env.mount(t).Files[0]

	rec := do(t, env.server, http.MethodHead, vf.Path, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "500000", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/x-matroska", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("Cache-Control"))
	assert.Zero(t, rec.Body.Len())
}

func TestServer_OverRealHTTP(t *testing.T) {
	env := newTestEnv(t, zip.Deflate)
	vf := env.mount(t).Files[0]

	req, err := http.NewRequest(http.MethodGet, vf.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=250000-250099")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, env.data[250000:250100], body)
}

func TestUnmount_RemovesPointersAndPaths(t *testing.T) {
	env := newTestEnv(t, zip.Store)
	h := env.mount(t)

	require.NoError(t, env.server.Unmount(context.Background(), h.ID))

	exists, err := afero.Exists(env.fsys, h.PointerFiles[0])
	require.NoError(t, err)
	assert.False(t, exists)

	rec := do(t, env.server, http.MethodGet, h.Files[0].Path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.server.Mounts())

	assert.ErrorIs(t, env.server.Unmount(context.Background(), h.ID), ErrMountNotFound)

	// the shared server keeps running for later mounts
	again := env.mount(t)
	assert.NotEqual(t, h.ID, again.ID)
	assert.NotEqual(t, h.Files[0].Path, again.Files[0].Path)
}

func TestShutdown_RemovesAllPointers(t *testing.T) {
	env := newTestEnv(t, zip.Store)
	h := env.mount(t)

	require.NoError(t, env.server.Shutdown(context.Background()))

	exists, err := afero.Exists(env.fsys, h.PointerFiles[0])
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, env.server.BaseURL())
}

func TestWritePointer_DoesNotOverwrite(t *testing.T) {
	env := newTestEnv(t, zip.Store)
	require.NoError(t, afero.WriteFile(env.fsys, "/library/movies/Movie.2024.strm", []byte("someone else"), 0644))

	h := env.mount(t)
	assert.Equal(t, "/library/movies/Movie.2024 (2).strm", h.PointerFiles[0])

	old, err := afero.ReadFile(env.fsys, "/library/movies/Movie.2024.strm")
	require.NoError(t, err)
	assert.Equal(t, "someone else", string(old))
}

func TestListenUsesFirstFreePort(t *testing.T) {
	blocker := httptest.NewServer(http.NotFoundHandler())
	defer blocker.Close()

	_, portStr, err := net.SplitHostPort(blocker.Listener.Addr().String())
	require.NoError(t, err)
	takenPort, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s := NewServer(Config{BindAddress: "127.0.0.1", Host: "127.0.0.1", PortRangeStart: takenPort, PortRangeEnd: takenPort + 20}, afero.NewMemMapFs(), nil)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Shutdown(context.Background()) }()

	assert.Greater(t, s.Port(), takenPort)
	assert.LessOrEqual(t, s.Port(), takenPort+20)
}
