// Package vfs serves media entries straight out of archives over HTTP, and
// writes pointer files a media library can index instead of the media.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/javi11/rarlink/internal/archive"
	perrors "github.com/javi11/rarlink/internal/errors"
	"github.com/javi11/rarlink/internal/metrics"
)

// Config holds virtual file server settings
type Config struct {
	Host               string // advertised in pointer files; detected when empty
	BindAddress        string
	PortRangeStart     int
	PortRangeEnd       int
	MediaExtensions    []string
	PointerExtension   string
	ChunkSize          int
	DirectWarningBytes int64
}

// LayoutSource returns the inspected layout of an archive
type LayoutSource interface {
	Get(ctx context.Context, firstVolume string) (*archive.Layout, error)
}

// Server is the single HTTP server shared by every mount. The mount table
// is written by the processing worker and read by request handlers.
type Server struct {
	cfg     Config
	fsys    afero.Fs
	layouts LayoutSource
	log     *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	mounts    map[string]*MountHandle // mount id
	byArchive map[string]string       // first volume -> mount id
	files     map[string]*VirtualFile // url path

	srvMu    sync.Mutex
	srv      *http.Server
	listener net.Listener
	host     string
	port     int
	serveErr chan error
}

// NewServer creates a server reading archives and writing pointer files
// through fsys.
func NewServer(cfg Config, fsys afero.Fs, layouts LayoutSource) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = archive.DefaultChunkSize
	}
	if cfg.PointerExtension == "" {
		cfg.PointerExtension = ".strm"
	}

	return &Server{
		cfg:       cfg,
		fsys:      fsys,
		layouts:   layouts,
		log:       slog.Default().With("component", "vfs"),
		now:       time.Now,
		mounts:    make(map[string]*MountHandle),
		byArchive: make(map[string]string),
		files:     make(map[string]*VirtualFile),
	}
}

// Start listens on the first free port of the configured range and serves
// in the background.
func (s *Server) Start(ctx context.Context) error {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()

	if s.srv != nil {
		return nil
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}

	host := s.cfg.Host
	if host == "" {
		host = detectHost()
	}

	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.host = host
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)

	go func(srv *http.Server, errCh chan<- error) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}(s.srv, s.serveErr)

	s.log.InfoContext(ctx, "Virtual file server listening",
		"address", ln.Addr().String(),
		"advertised", s.baseURLLocked())
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	start, end := s.cfg.PortRangeStart, s.cfg.PortRangeEnd
	if end < start {
		end = start
	}

	var lastErr error
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in range %d-%d: %w", start, end, lastErr)
}

// detectHost returns the address of the interface used for outbound
// traffic. No packets are sent.
func detectHost() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// Port returns the listening port, 0 before Start.
func (s *Server) Port() int {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.port
}

// BaseURL returns the advertised server URL
func (s *Server) BaseURL() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.baseURLLocked()
}

func (s *Server) baseURLLocked() string {
	if s.srv == nil {
		return ""
	}
	return "http://" + net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Mount exposes the media entries of set and writes one pointer file per
// entry into targetDir. Mounting an archive that is already mounted returns
// the existing handle.
func (s *Server) Mount(ctx context.Context, set *archive.Set, targetDir string) (*MountHandle, error) {
	baseURL := s.BaseURL()
	if baseURL == "" {
		return nil, perrors.New(perrors.KindMountFailure, "mount", set.FirstVolume, errors.New("virtual file server not started"))
	}

	s.mu.RLock()
	if id, ok := s.byArchive[set.FirstVolume]; ok {
		h := s.mounts[id].clone()
		s.mu.RUnlock()
		return &h, nil
	}
	s.mu.RUnlock()

	layout, err := s.layouts.Get(ctx, set.FirstVolume)
	if err != nil {
		if _, typed := perrors.KindOf(err); typed {
			return nil, err
		}
		return nil, perrors.New(perrors.KindMountFailure, "mount", set.FirstVolume, err)
	}

	entries := layout.MediaEntries(s.cfg.MediaExtensions)
	if len(entries) == 0 {
		return nil, perrors.New(perrors.KindMountFailure, "mount", set.FirstVolume, perrors.ErrNoMediaEntries)
	}

	h := &MountHandle{
		ID:          uuid.NewString(),
		Archive:     set.FirstVolume,
		TargetDir:   targetDir,
		MountedAt:   s.now(),
		ContentSize: layout.ContentSize,
	}

	if s.cfg.DirectWarningBytes > 0 && layout.ContentSize > s.cfg.DirectWarningBytes {
		s.log.WarnContext(ctx, "Large archive mounted for direct serving, reads may be unreliable; extraction is the fallback",
			"archive", set.Name(),
			"content_size", layout.ContentSize,
			"volumes", len(layout.Volumes))
	}

	if err := s.fsys.MkdirAll(targetDir, 0755); err != nil {
		return nil, perrors.New(perrors.KindMountFailure, "mount", set.FirstVolume, fmt.Errorf("create target dir: %w", err))
	}

	for _, e := range entries {
		vf := VirtualFile{
			Name:        e.Name,
			Size:        e.Size,
			Path:        virtualPath(h.ID, set.FirstVolume, h.MountedAt, e.Name),
			Archive:     set.FirstVolume,
			MountID:     h.ID,
			ContentType: contentType(e.Name),
		}
		vf.URL = baseURL + vf.Path

		pointer, err := s.writePointer(targetDir, e.Name, vf.URL)
		if err != nil {
			s.removePointers(ctx, h.PointerFiles)
			return nil, perrors.New(perrors.KindMountFailure, "mount", set.FirstVolume, err)
		}

		h.Files = append(h.Files, vf)
		h.PointerFiles = append(h.PointerFiles, pointer)
	}

	s.mu.Lock()
	s.mounts[h.ID] = h
	s.byArchive[h.Archive] = h.ID
	for i := range h.Files {
		s.files[h.Files[i].Path] = &h.Files[i]
	}
	count := len(s.mounts)
	s.mu.Unlock()

	metrics.SetMounts(count)
	s.log.InfoContext(ctx, "Archive mounted",
		"archive", set.Name(),
		"mount_id", h.ID,
		"files", len(h.Files),
		"target_dir", targetDir)

	out := h.clone()
	return &out, nil
}

// writePointer creates a one-line pointer file named after the entry. An
// existing file with the same name is never overwritten.
func (s *Server) writePointer(dir, entryName, url string) (string, error) {
	base := path.Base(entryName)
	stem := strings.TrimSuffix(base, path.Ext(base))

	dest := filepath.Join(dir, stem+s.cfg.PointerExtension)
	for i := 2; ; i++ {
		if _, err := s.fsys.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}
		dest = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, s.cfg.PointerExtension))
	}

	if err := afero.WriteFile(s.fsys, dest, []byte(url), 0644); err != nil {
		return "", fmt.Errorf("write pointer file %s: %w", dest, err)
	}
	return dest, nil
}

func (s *Server) removePointers(ctx context.Context, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := s.fsys.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.WarnContext(ctx, "Failed to remove pointer file", "file", p, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrMountNotFound is returned when unmounting an unknown mount id.
var ErrMountNotFound = errors.New("mount not found")

// Unmount deletes the mount's pointer files and stops serving its entries.
func (s *Server) Unmount(ctx context.Context, id string) error {
	s.mu.Lock()
	h, ok := s.mounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrMountNotFound
	}
	delete(s.mounts, id)
	delete(s.byArchive, h.Archive)
	for _, f := range h.Files {
		delete(s.files, f.Path)
	}
	count := len(s.mounts)
	s.mu.Unlock()

	metrics.SetMounts(count)
	err := s.removePointers(ctx, h.PointerFiles)

	s.log.InfoContext(ctx, "Archive unmounted",
		"archive", filepath.Base(h.Archive),
		"mount_id", id,
		"pointer_files", len(h.PointerFiles))
	return err
}

// UnmountArchive unmounts whatever mount serves firstVolume.
func (s *Server) UnmountArchive(ctx context.Context, firstVolume string) error {
	s.mu.RLock()
	id, ok := s.byArchive[firstVolume]
	s.mu.RUnlock()
	if !ok {
		return ErrMountNotFound
	}
	return s.Unmount(ctx, id)
}

// UnmountAll removes every mount
func (s *Server) UnmountAll(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.mounts))
	for id := range s.mounts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := s.Unmount(ctx, id); err != nil && !errors.Is(err, ErrMountNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Mounts returns copies of every mount ordered by mount time
func (s *Server) Mounts() []MountHandle {
	s.mu.RLock()
	out := make([]MountHandle, 0, len(s.mounts))
	for _, h := range s.mounts {
		out = append(out, h.clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b MountHandle) int { return a.MountedAt.Compare(b.MountedAt) })
	return out
}

// Lookup returns the virtual file served at urlPath
func (s *Server) Lookup(urlPath string) (VirtualFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vf, ok := s.files[urlPath]
	if !ok {
		return VirtualFile{}, false
	}
	return *vf, true
}

// Shutdown unmounts everything and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	unmountErr := s.UnmountAll(ctx)

	s.srvMu.Lock()
	srv := s.srv
	errCh := s.serveErr
	s.srv = nil
	s.srvMu.Unlock()

	if srv == nil {
		return unmountErr
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	if serveErr := <-errCh; serveErr != nil {
		err = errors.Join(err, serveErr)
	}

	s.log.InfoContext(ctx, "Virtual file server stopped")
	return errors.Join(unmountErr, err)
}
