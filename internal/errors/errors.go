// Package errors provides the fatal/non-fatal error taxonomy shared
// across the sync engine and its collaborators.
package errors

import (
	"errors"
	"fmt"
)

// PathAbsentError indicates that a path does not exist, locally or
// remotely. It is the only error kind the filesystem facade maps to
// ENOENT rather than EIO.
type PathAbsentError struct {
	Path string
}

func (e *PathAbsentError) Error() string {
	return fmt.Sprintf("path absent: %s", e.Path)
}

// NewPathAbsent builds a PathAbsentError for the given path.
func NewPathAbsent(path string) error {
	return &PathAbsentError{Path: path}
}

// IsPathAbsent reports whether err (or something it wraps) is a
// PathAbsentError.
func IsPathAbsent(err error) bool {
	var e *PathAbsentError
	return errors.As(err, &e)
}

// UnsupportedEntryTypeError indicates the remote reported an entry
// that is neither a directory, a regular file, nor a symlink.
type UnsupportedEntryTypeError struct {
	Path string
	Mode uint32
}

func (e *UnsupportedEntryTypeError) Error() string {
	return fmt.Sprintf("unsupported remote entry type for %s (mode %#o)", e.Path, e.Mode)
}

// NewUnsupportedEntryType builds an UnsupportedEntryTypeError.
func NewUnsupportedEntryType(path string, mode uint32) error {
	return &UnsupportedEntryTypeError{Path: path, Mode: mode}
}

// URIMismatchError indicates the supplied source URI does not match
// the URI recorded in the metadata store from a previous run.
type URIMismatchError struct {
	Known    string
	Supplied string
}

func (e *URIMismatchError) Error() string {
	return fmt.Sprintf("source URI %q differs from known source URI %q", e.Supplied, e.Known)
}

// NewURIMismatch builds a URIMismatchError.
func NewURIMismatch(known, supplied string) error {
	return &URIMismatchError{Known: known, Supplied: supplied}
}

// MetadataCorruptError indicates the metadata store is in a state the
// sync engine cannot safely continue from: an invalid segment
// intersection, a missing config row on an existing store, or an
// unknown schema version with no upgrade path.
type MetadataCorruptError struct {
	Reason string
	cause  error
}

func (e *MetadataCorruptError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("metadata store corrupt: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("metadata store corrupt: %s", e.Reason)
}

func (e *MetadataCorruptError) Unwrap() error {
	return e.cause
}

// NewMetadataCorrupt builds a MetadataCorruptError.
func NewMetadataCorrupt(reason string, cause error) error {
	return &MetadataCorruptError{Reason: reason, cause: cause}
}

// IsMetadataCorrupt reports whether err (or something it wraps) is a
// MetadataCorruptError.
func IsMetadataCorrupt(err error) bool {
	var e *MetadataCorruptError
	return errors.As(err, &e)
}

// ShortReadError indicates the remote returned fewer bytes than
// requested before reporting end-of-file. Per the engine's tightened
// invariant this is always treated as a hard error, never a partial
// segment shrink.
type ShortReadError struct {
	Path      string
	Requested int
	Got       int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read on %s: requested %d bytes, got %d", e.Path, e.Requested, e.Got)
}

func (e *ShortReadError) Unwrap() error {
	return errShortReadSentinel
}

var errShortReadSentinel = errors.New("short read before reported end-of-file")

// NewShortRead builds a ShortReadError.
func NewShortRead(path string, requested, got int) error {
	return &ShortReadError{Path: path, Requested: requested, Got: got}
}
