package vfs

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/javi11/rarlink/internal/archive"
)

// slug reduces s to lowercase ASCII letters, digits, dots and dashes so the
// result is safe in a URL path without escaping.
func slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	b := make([]byte, 0, len(folded))
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b = append(b, byte(r))
		case r == '.':
			b = append(bytes.TrimRight(b, "-"), '.')
		case len(b) > 0 && b[len(b)-1] != '-' && b[len(b)-1] != '.':
			b = append(b, '-')
		}
	}

	out := strings.Trim(string(b), "-.")
	if out == "" {
		return "file"
	}
	return out
}

// archiveStem strips volume and archive suffixes from a first volume name.
func archiveStem(firstVolume string) string {
	if v, ok := archive.ParseVolumeName(firstVolume); ok {
		return path.Base(v.Base)
	}
	name := path.Base(firstVolume)
	return strings.TrimSuffix(name, path.Ext(name))
}

// virtualPath builds the URL path for one entry. The mount id and the
// timestamp keep similarly named archives mounted repeatedly apart.
func virtualPath(mountID string, firstVolume string, mountedAt time.Time, entryName string) string {
	short := mountID
	if len(short) > 8 {
		short = short[:8]
	}
	dir := fmt.Sprintf("%s-%d-%s", slug(archiveStem(firstVolume)), mountedAt.Unix(), short)
	return "/" + dir + "/" + slug(path.Base(entryName))
}
