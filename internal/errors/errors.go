// Package errors provides the closed set of processing error kinds shared by
// the importer, the virtual file server and the NAT manager.
// This package exists to avoid import cycles between importer and its subpackages.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a processing failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindIncomplete means the archive set is still being copied.
	KindIncomplete
	// KindEncrypted means the archive requires a password.
	KindEncrypted
	// KindCorrupted means the archive failed its integrity test.
	KindCorrupted
	// KindExternalToolTimeout means an external tool exceeded its deadline.
	KindExternalToolTimeout
	// KindExternalToolError means an external tool failed unexpectedly.
	KindExternalToolError
	// KindMountFailure means the archive could not be mounted or served.
	KindMountFailure
	// KindRangeNotSatisfiable maps to HTTP 416.
	KindRangeNotSatisfiable
	// KindNatDiscoveryFailure means no gateway answered discovery.
	KindNatDiscoveryFailure
	// KindPortMappingFailure means the gateway rejected a mapping request.
	KindPortMappingFailure
	// KindDuplicateContent is a skip decision, not a failure.
	KindDuplicateContent
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindIncomplete:          "incomplete",
	KindEncrypted:           "encrypted",
	KindCorrupted:           "corrupted",
	KindExternalToolTimeout: "external_tool_timeout",
	KindExternalToolError:   "external_tool_error",
	KindMountFailure:        "mount_failure",
	KindRangeNotSatisfiable: "range_not_satisfiable",
	KindNatDiscoveryFailure: "nat_discovery_failure",
	KindPortMappingFailure:  "port_mapping_failure",
	KindDuplicateContent:    "duplicate_content",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a failure of this kind should go back through the
// queue retry policy.
func (k Kind) Retryable() bool {
	switch k {
	case KindIncomplete, KindExternalToolTimeout, KindExternalToolError, KindUnknown:
		return true
	default:
		return false
	}
}

// Terminal reports whether the archive must be quarantined immediately.
func (k Kind) Terminal() bool {
	switch k {
	case KindEncrypted, KindCorrupted, KindMountFailure:
		return true
	default:
		return false
	}
}

// ProcessingError carries a Kind plus the operation and path that produced it.
type ProcessingError struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error unwrapping.
func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Is matches another ProcessingError with the same kind, so sentinels like
// ErrEncrypted work with errors.Is.
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Err == nil
}

// New creates a ProcessingError.
func New(kind Kind, op, path string, cause error) error {
	return &ProcessingError{Kind: kind, Op: op, Path: path, Err: cause}
}

// KindOf extracts the Kind of err. Errors without a Kind report KindUnknown
// and false.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return KindUnknown, false
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindUnknown, false
}

// IsRetryable checks if an error should be retried by the queue.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind, _ := KindOf(err)
	return kind.Retryable()
}

// IsTerminal checks if an error requires immediate quarantine.
func IsTerminal(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind.Terminal()
}

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrIncomplete          = &ProcessingError{Kind: KindIncomplete}
	ErrEncrypted           = &ProcessingError{Kind: KindEncrypted}
	ErrCorrupted           = &ProcessingError{Kind: KindCorrupted}
	ErrExternalToolTimeout = &ProcessingError{Kind: KindExternalToolTimeout}
	ErrExternalToolError   = &ProcessingError{Kind: KindExternalToolError}
	ErrMountFailure        = &ProcessingError{Kind: KindMountFailure}
	ErrRangeNotSatisfiable = &ProcessingError{Kind: KindRangeNotSatisfiable}
	ErrNatDiscovery        = &ProcessingError{Kind: KindNatDiscoveryFailure}
	ErrPortMapping         = &ProcessingError{Kind: KindPortMappingFailure}
	ErrDuplicateContent    = &ProcessingError{Kind: KindDuplicateContent}

	// ErrNoMediaEntries indicates that an archive contains no servable media.
	ErrNoMediaEntries = errors.New("archive contains no media entries")
)
