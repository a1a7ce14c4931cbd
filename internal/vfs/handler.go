package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/metrics"
)

const cacheControl = "public, max-age=3600"

// ServeHTTP answers HEAD and GET for virtual files, with single byte-range
// support.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rw := &statusWriter{ResponseWriter: w}
	defer func() {
		metrics.RecordRequest(r.Method, rw.status())
		metrics.AddBytesServed(rw.written)
	}()

	h := rw.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")

	switch r.Method {
	case http.MethodOptions:
		rw.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		h.Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	vf, ok := s.Lookup(r.URL.Path)
	if !ok {
		http.NotFound(rw, r)
		return
	}

	ctx := r.Context()
	layout, entry, err := s.entryFor(ctx, vf)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(rw, r)
			return
		}
		s.readFailed(ctx, vf, err)
		http.Error(rw, "failed to open archive", http.StatusInternalServerError)
		return
	}

	size := entry.Size
	status := http.StatusOK
	br := byteRange{Start: 0, End: size - 1}

	if header := r.Header.Get("Range"); header != "" {
		// malformed ranges are ignored and the whole entry is served
		if rh, perr := parseRangeHeader(header); perr == nil {
			resolved, rerr := rh.resolve(size)
			if rerr != nil {
				h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
				http.Error(rw, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
				return
			}
			br = resolved
			status = http.StatusPartialContent
			h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, size))
		}
	}

	length := max(br.Length(), 0)
	h.Set("Content-Type", vf.ContentType)
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", cacheControl)

	if r.Method == http.MethodHead || length == 0 {
		rw.WriteHeader(status)
		return
	}

	body, err := archive.OpenRange(ctx, s.fsys, layout, entry, br.Start, length, s.cfg.ChunkSize)
	if err != nil {
		s.readFailed(ctx, vf, err)
		h.Del("Content-Range")
		h.Del("Content-Length")
		http.Error(rw, "failed to read archive entry", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	rw.WriteHeader(status)
	n, err := copyChunked(rw, body, s.cfg.ChunkSize)
	if err != nil && ctx.Err() == nil {
		s.readFailed(ctx, vf, fmt.Errorf("after %d of %d bytes: %w", n, length, err))
	}
}

func (s *Server) entryFor(ctx context.Context, vf VirtualFile) (*archive.Layout, archive.Entry, error) {
	layout, err := s.layouts.Get(ctx, vf.Archive)
	if err != nil {
		return nil, archive.Entry{}, err
	}
	entry, ok := layout.Entry(vf.Name)
	if !ok {
		return nil, archive.Entry{}, fmt.Errorf("entry %s no longer in archive: %w", vf.Name, os.ErrNotExist)
	}
	return layout, entry, nil
}

func (s *Server) readFailed(ctx context.Context, vf VirtualFile, err error) {
	log := s.log.With("archive", vf.Archive, "entry", vf.Name, "size", vf.Size, "error", err)
	if s.cfg.DirectWarningBytes > 0 && vf.Size > s.cfg.DirectWarningBytes {
		log.WarnContext(ctx, "Read failed on a large archive entry; configure extraction for archives this size")
		return
	}
	log.ErrorContext(ctx, "Failed to read archive entry")
}

// copyChunked copies src to dst through a chunk-sized buffer, stopping at
// the first write error such as a client disconnect.
func copyChunked(dst io.Writer, src io.Reader, chunkSize int) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	code    int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
