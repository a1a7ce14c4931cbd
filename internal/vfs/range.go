package vfs

import (
	"errors"
	"strconv"
	"strings"
)

var errUnsatisfiable = errors.New("range not satisfiable")

// byteRange is a resolved, inclusive byte range
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) Length() int64 {
	return r.End - r.Start + 1
}

// rangeHeader is a single range as written by the client. -1 marks an
// absent bound.
type rangeHeader struct {
	Start int64
	End   int64
}

// parseRangeHeader parses a Range: header. It only accepts single ranges.
func parseRangeHeader(s string) (*rangeHeader, error) {
	const preamble = "bytes="
	if !strings.HasPrefix(s, preamble) {
		return nil, errors.New("range: header invalid: doesn't start with " + preamble)
	}
	s = s[len(preamble):]
	if strings.ContainsRune(s, ',') {
		return nil, errors.New("range: header invalid: contains multiple ranges which isn't supported")
	}
	dash := strings.IndexRune(s, '-')
	if dash < 0 {
		return nil, errors.New("range: header invalid: contains no '-'")
	}
	start, end := strings.TrimSpace(s[:dash]), strings.TrimSpace(s[dash+1:])
	if start == "" && end == "" {
		return nil, errors.New("range: header invalid: empty range")
	}

	var err error
	rh := rangeHeader{Start: -1, End: -1}
	if start != "" {
		rh.Start, err = strconv.ParseInt(start, 10, 64)
		if err != nil || rh.Start < 0 {
			return nil, errors.New("range: header invalid: bad start")
		}
	}
	if end != "" {
		rh.End, err = strconv.ParseInt(end, 10, 64)
		if err != nil || rh.End < 0 {
			return nil, errors.New("range: header invalid: bad end")
		}
	}
	if rh.Start >= 0 && rh.End >= 0 && rh.End < rh.Start {
		return nil, errors.New("range: header invalid: end before start")
	}

	return &rh, nil
}

// resolve turns the header into an absolute range against size. An explicit
// start or end at or beyond size is unsatisfiable; suffix ranges longer than
// the file are clamped to the whole file.
func (rh *rangeHeader) resolve(size int64) (byteRange, error) {
	if size <= 0 {
		return byteRange{}, errUnsatisfiable
	}

	if rh.Start < 0 {
		// bytes=-N, the last N bytes
		if rh.End == 0 {
			return byteRange{}, errUnsatisfiable
		}
		n := min(rh.End, size)
		return byteRange{Start: size - n, End: size - 1}, nil
	}

	if rh.Start >= size {
		return byteRange{}, errUnsatisfiable
	}
	if rh.End < 0 {
		return byteRange{Start: rh.Start, End: size - 1}, nil
	}
	if rh.End >= size {
		return byteRange{}, errUnsatisfiable
	}
	return byteRange{Start: rh.Start, End: rh.End}, nil
}
