package tilepack

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTile is returned by a store writer when a coordinate is
	// written twice. The store model forbids overwrite; a duplicate means the
	// streaming order or membership logic is broken.
	ErrDuplicateTile = errors.New("duplicate tile coordinate")

	// ErrStoreSealed is returned when writing to a store after Seal.
	ErrStoreSealed = errors.New("store is sealed")

	// ErrUnknownDictionary is returned when decoding a dictionary-compressed
	// tile without the matching dictionary. It is never silently ignored: a
	// reader must fail rather than misdecode.
	ErrUnknownDictionary = errors.New("unknown shared dictionary")
)

// FormatError reports a malformed template, tilemask or store metadata.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("format error: %s", e.Reason)
	}
	return fmt.Sprintf("format error in %s: %s", e.Path, e.Reason)
}

func formatErrorf(path string, format string, args ...interface{}) error {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
