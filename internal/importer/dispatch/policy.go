// Package dispatch chooses how each archive reaches the library and runs the
// matching processing strategy.
package dispatch

import (
	"fmt"

	"github.com/javi11/rarlink/internal/config"
)

// Policy holds the thresholds beyond which direct serving is considered
// unreliable and extraction is forced.
type Policy struct {
	LargeContentBytes int64
	LargeVolumeCount  int
	HugeContentBytes  int64
}

// PolicyFromConfig builds a policy from the dispatch config section
func PolicyFromConfig(cfg config.DispatchConfig) Policy {
	return Policy{
		LargeContentBytes: cfg.LargeContentBytes,
		LargeVolumeCount:  cfg.LargeVolumeCount,
		HugeContentBytes:  cfg.HugeContentBytes,
	}
}

// ForceExtract reports whether an archive of contentSize bytes split across
// volumes must be extracted, and why.
func (p Policy) ForceExtract(contentSize int64, volumes int) (bool, string) {
	if contentSize > p.HugeContentBytes {
		return true, fmt.Sprintf("content size %d exceeds %d", contentSize, p.HugeContentBytes)
	}
	if contentSize > p.LargeContentBytes && volumes > p.LargeVolumeCount {
		return true, fmt.Sprintf("content size %d exceeds %d across %d volumes (limit %d)",
			contentSize, p.LargeContentBytes, volumes, p.LargeVolumeCount)
	}
	return false, ""
}
