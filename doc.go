// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package cloneimage exposes partition backup images — produced by
// partclone-, partimage-, and ntfsclone-style tools — as read-only,
// randomly addressable byte ranges over the logical partition they back
// up, without materialising the unused blocks the image never stored.
//
// Open is the package's sole external entry point: it detects the image's
// format, verifies structural checksums on request, and returns an
// ImageHeader plus a BlockIO ready to serve ReadAt calls. Everything else
// — container decoding (container), format parsing (format and its
// subpackages), the bitmap popcount index (internal/popcount) — is
// plumbing Open assembles on the caller's behalf.
package cloneimage
