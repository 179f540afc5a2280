// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cloneimage

import "fmt"

// Error is a named error kind, following the same convention as
// internal/bzip2.StructuralError: a string type that is itself an error,
// rather than a sentinel-per-kind var block.
type Error string

func (e Error) Error() string { return string(e) }

// Error kinds surfaced by the core, per the external interface contract.
const (
	ErrUnknownFormat       Error = "cloneimage: no format magic matched"
	ErrUnsupportedVersion  Error = "cloneimage: recognised format, unsupported version"
	ErrCorruptHeader       Error = "cloneimage: header checksum mismatch or invalid field"
	ErrCorruptBitmap       Error = "cloneimage: bitmap checksum mismatch"
	ErrCorruptStream       Error = "cloneimage: unrecognised run command byte"
	ErrUnseekableCompressed Error = "cloneimage: seek requested over a compressed stream"
	ErrOutOfRange          Error = "cloneimage: read beyond the logical partition"
	ErrClosed              Error = "cloneimage: BlockIO used after Close"
)

// VerifyError is returned by a checksum verification pass; it carries the
// zero-based block index, within the used-blocks sequence, of the first
// batch that failed to verify.
type VerifyError struct {
	AtBlock int
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("cloneimage: checksum verification failed at block %d", e.AtBlock)
}
