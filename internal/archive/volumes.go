// Package archive recognizes multi-volume archive sets on disk and reads
// their entries without extracting them.
package archive

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// Format identifies an archive container format
type Format string

const (
	FormatRAR      Format = "rar"
	FormatSevenZip Format = "7z"
	FormatZip      Format = "zip"
)

// volumeStyle separates naming conventions that share a base name, so
// movie.part01.rar and movie.r00 are never mixed into one set.
type volumeStyle int

const (
	styleSingle volumeStyle = iota // movie.rar, movie.7z, movie.zip (and old-style .rNN/.zNN siblings)
	stylePart                      // movie.part01.rar
	styleNumbered                  // movie.7z.001, movie.zip.001
)

var (
	// filename.part###.rar (e.g., movie.part1.rar, movie.part01.rar, movie.part001.rar)
	partPattern = regexp.MustCompile(`(?i)^(.+)\.part(\d+)\.rar$`)
	// filename.r## or filename.r### (e.g., movie.r00, movie.r01)
	rPattern = regexp.MustCompile(`(?i)^(.+)\.r(\d+)$`)
	// filename.z## (split zip continuation volumes)
	zPattern = regexp.MustCompile(`(?i)^(.+)\.z(\d+)$`)
	// filename.7z.### or filename.zip.###
	numberedPattern = regexp.MustCompile(`(?i)^(.+)\.(7z|zip)\.(\d+)$`)
)

// VolumeName is the parsed form of an archive volume file name.
type VolumeName struct {
	// Base is the set identity: the directory plus the name without any
	// volume suffix.
	Base   string
	Format Format
	// Part is the 1-based position of this volume within its set.
	Part  int
	style volumeStyle
}

// First reports whether this volume is the canonical entry point of its set.
func (v VolumeName) First() bool {
	return v.Part == 1
}

// SameSet reports whether o belongs to the same archive set as v.
func (v VolumeName) SameSet(o VolumeName) bool {
	return v.Format == o.Format && v.style == o.style && strings.EqualFold(v.Base, o.Base)
}

// ParseVolumeName classifies path by naming convention. It returns false for
// files that are not archive volumes.
func ParseVolumeName(path string) (VolumeName, bool) {
	dir, name := filepath.Split(path)

	if m := partPattern.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return VolumeName{}, false
		}
		return VolumeName{Base: filepath.Join(dir, m[1]), Format: FormatRAR, Part: n, style: stylePart}, true
	}

	if m := numberedPattern.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return VolumeName{}, false
		}
		format := FormatSevenZip
		if strings.EqualFold(m[2], "zip") {
			format = FormatZip
		}
		return VolumeName{Base: filepath.Join(dir, m[1]), Format: format, Part: n, style: styleNumbered}, true
	}

	// Old-style continuation volumes follow the .rar/.zip head: .r00 is part 2.
	if m := rPattern.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return VolumeName{}, false
		}
		return VolumeName{Base: filepath.Join(dir, m[1]), Format: FormatRAR, Part: n + 2, style: styleSingle}, true
	}
	if m := zPattern.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return VolumeName{}, false
		}
		// Split zips put the central directory in the .zip, which is last.
		return VolumeName{Base: filepath.Join(dir, m[1]), Format: FormatZip, Part: n + 1, style: styleSingle}, true
	}

	ext := strings.ToLower(filepath.Ext(name))
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	switch ext {
	case ".rar":
		return VolumeName{Base: filepath.Join(dir, stem), Format: FormatRAR, Part: 1, style: styleSingle}, true
	case ".7z":
		return VolumeName{Base: filepath.Join(dir, stem), Format: FormatSevenZip, Part: 1, style: styleSingle}, true
	case ".zip":
		return VolumeName{Base: filepath.Join(dir, stem), Format: FormatZip, Part: 1, style: styleSingle}, true
	}

	return VolumeName{}, false
}

// IsFirstVolume reports whether path is the first volume of an archive set:
// a single-part extension, or a part-numbered name whose number is 1 with
// any zero padding.
func IsFirstVolume(path string) bool {
	v, ok := ParseVolumeName(path)
	return ok && v.First()
}

// IsVolume reports whether path looks like any archive volume.
func IsVolume(path string) bool {
	_, ok := ParseVolumeName(path)
	return ok
}

// DiscoverVolumes lists every volume of the set whose first volume is
// firstVolume, in part order. The first volume is always included.
func DiscoverVolumes(fsys afero.Fs, firstVolume string) ([]string, error) {
	head, ok := ParseVolumeName(firstVolume)
	if !ok || !head.First() {
		return nil, fmt.Errorf("%s is not a first archive volume", firstVolume)
	}

	dir := filepath.Dir(firstVolume)
	infos, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	type part struct {
		path string
		n    int
	}
	parts := []part{{path: firstVolume, n: 1}}

	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		p := filepath.Join(dir, info.Name())
		if p == firstVolume {
			continue
		}
		v, ok := ParseVolumeName(p)
		if !ok || v.First() || !head.SameSet(v) {
			continue
		}
		parts = append(parts, part{path: p, n: v.Part})
	}

	slices.SortFunc(parts, func(a, b part) int { return a.n - b.n })

	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.path
	}
	return out, nil
}
