package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// DefaultChunkSize bounds the buffer used when skipping through compressed
// entries.
const DefaultChunkSize = 1 << 20

// OpenRange returns a reader yielding exactly length bytes of entry starting
// at offset. Every call opens the volumes afresh, so concurrent callers never
// share file handles. Stored entries seek straight to the volume offsets;
// compressed ones are decoded from the start and skipped forward in chunks.
func OpenRange(ctx context.Context, fsys afero.Fs, layout *Layout, entry Entry, offset, length int64, chunkSize int) (io.ReadCloser, error) {
	if offset < 0 || length < 0 || offset+length > entry.Size {
		return nil, fmt.Errorf("range %d+%d outside entry %s of size %d", offset, length, entry.Name, entry.Size)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if entry.Direct() {
		return newSegmentReader(ctx, fsys, entry.Segments, offset, length), nil
	}

	b, err := backendFor(layout.Format)
	if err != nil {
		return nil, err
	}

	rc, err := b.Open(ctx, fsys, layout, entry)
	if err != nil {
		return nil, err
	}

	src := &ctxReader{ctx: ctx, r: rc}
	if offset > 0 {
		// hide io.Discard's ReaderFrom so the skip honours chunkSize
		discard := struct{ io.Writer }{io.Discard}
		buf := make([]byte, chunkSize)
		if _, err := io.CopyBuffer(discard, io.LimitReader(src, offset), buf); err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to skip to offset %d in %s: %w", offset, entry.Name, err)
		}
	}

	return readCloser{Reader: io.LimitReader(src, length), close: rc.Close}, nil
}

// ctxReader stops reading once ctx is done, so a disconnected client ends a
// long sequential decode.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// segmentReader reads a byte range spread across volume segments, opening
// one volume at a time.
type segmentReader struct {
	ctx       context.Context
	fsys      afero.Fs
	segs      []Segment
	idx       int
	skip      int64
	remaining int64
	cur       afero.File
	curR      io.Reader
}

func newSegmentReader(ctx context.Context, fsys afero.Fs, segs []Segment, offset, length int64) *segmentReader {
	idx := 0
	for idx < len(segs) && offset >= segs[idx].Length {
		offset -= segs[idx].Length
		idx++
	}
	return &segmentReader{ctx: ctx, fsys: fsys, segs: segs, idx: idx, skip: offset, remaining: length}
}

func (r *segmentReader) open() error {
	if r.idx >= len(r.segs) {
		return io.ErrUnexpectedEOF
	}
	seg := r.segs[r.idx]

	f, err := r.fsys.Open(seg.Volume)
	if err != nil {
		return fmt.Errorf("failed to open volume %s: %w", seg.Volume, err)
	}
	if _, err := f.Seek(seg.Offset+r.skip, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("failed to seek volume %s: %w", seg.Volume, err)
	}

	r.cur = f
	r.curR = io.LimitReader(f, seg.Length-r.skip)
	r.skip = 0
	return nil
}

func (r *segmentReader) closeCurrent() {
	if r.cur != nil {
		r.cur.Close()
	}
	r.cur, r.curR = nil, nil
}

func (r *segmentReader) Read(p []byte) (int, error) {
	for r.remaining > 0 {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		if r.curR == nil {
			if err := r.open(); err != nil {
				return 0, err
			}
		}

		if int64(len(p)) > r.remaining {
			p = p[:r.remaining]
		}

		n, err := r.curR.Read(p)
		r.remaining -= int64(n)
		if errors.Is(err, io.EOF) {
			r.closeCurrent()
			r.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}

	r.closeCurrent()
	return 0, io.EOF
}

func (r *segmentReader) Close() error {
	r.closeCurrent()
	r.remaining = 0
	return nil
}
