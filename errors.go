// Package larch implements a persistent, copy-on-write B-tree, in the
// style of Rodeh's "B-trees, Shadowing, and Clones". It stores
// fixed-size keys mapped to variable-size byte values, and lets many
// trees in one forest share unchanged nodes.
package larch

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors. Use errors.Is against these to classify a failure;
// the concrete error returned from a call is usually wrapped with
// extra context (the key, the node id, the underlying I/O error).
var (
	// ErrWrongKeySize is returned when a key's length does not match
	// the forest's key_size.
	ErrWrongKeySize = errors.New("larch: wrong key size")

	// ErrValueTooLarge is returned when a value exceeds max_value_size.
	ErrValueTooLarge = errors.New("larch: value too large")

	// ErrKeyNotFound is returned by lookup/remove when the key is not
	// present in the tree.
	ErrKeyNotFound = errors.New("larch: key not found")

	// ErrNodeMissing is returned when a node's refcount says it is
	// alive but the store has no data for it. Fatal for the operation
	// that triggers it.
	ErrNodeMissing = errors.New("larch: node missing")

	// ErrCorruptNode is returned by the codec when a buffer cannot be
	// decoded as a node.
	ErrCorruptNode = errors.New("larch: corrupt node")

	// ErrFormatProblem is returned when metadata is missing, names an
	// unknown format, or disagrees with the parameters a forest was
	// opened with.
	ErrFormatProblem = errors.New("larch: format problem")

	// ErrJournalReplayFailed is returned when recovery at open fails.
	// The forest must not be opened writable after this.
	ErrJournalReplayFailed = errors.New("larch: journal replay failed")

	// ErrReadOnly is returned by mutating calls on a forest opened
	// read-only.
	ErrReadOnly = errors.New("larch: forest is read-only")

	// ErrRefcountOverflow is returned when an operation would push a
	// node's refcount past the 16-bit range. Raised rather than
	// letting the count wrap around to zero.
	ErrRefcountOverflow = errors.New("larch: refcount overflow")
)

// WrongKeySizeError reports the key that was rejected and the size
// the forest expects.
func WrongKeySizeError(key []byte, wantSize int) error {
	return errors.Wrapf(ErrWrongKeySize, "key %x is %d bytes, want %d", key, len(key), wantSize)
}

// ValueTooLargeError reports the value size and the forest's limit.
func ValueTooLargeError(valueSize, maxSize int) error {
	return errors.Wrapf(ErrValueTooLarge, "value is %d bytes, max is %d", valueSize, maxSize)
}

// KeyNotFoundError reports the missing key.
func KeyNotFoundError(key []byte) error {
	return errors.Wrapf(ErrKeyNotFound, "key %x", key)
}

// NodeMissingError reports the node id that could not be found, and
// wraps the cause (an I/O error, or nil).
func NodeMissingError(id NodeId, cause error) error {
	if cause == nil {
		return errors.Wrapf(ErrNodeMissing, "node %d", id)
	}
	return errors.Wrapf(errors.WithSecondaryError(ErrNodeMissing, cause), "node %d", id)
}

// CorruptNodeError reports why the codec rejected a buffer.
func CorruptNodeError(reason string) error {
	return errors.Wrapf(ErrCorruptNode, "%s", reason)
}

// FormatProblemError reports a metadata/format mismatch.
func FormatProblemError(reason string) error {
	return errors.Wrapf(ErrFormatProblem, "%s", reason)
}

// JournalReplayFailedError wraps the I/O error encountered during
// recovery and marks it as ErrJournalReplayFailed.
func JournalReplayFailedError(cause error) error {
	return errors.Mark(errors.Wrap(cause, "larch: journal replay failed"), ErrJournalReplayFailed)
}

// RefcountOverflowError reports the node whose refcount would have
// overflowed.
func RefcountOverflowError(id NodeId) error {
	return errors.Wrapf(ErrRefcountOverflow, "node %d", id)
}
