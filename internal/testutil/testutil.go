// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package testutil provides deterministic random data generators shared
// by this module's tests, following the teacher's own
// GenPredictableRandomData convention rather than pulling in testify.
package testutil

import "math/rand"

// fixedRandSeed is shared across every call so that generated fixtures
// are stable from run to run.
const fixedRandSeed = 0x1234

// PredictableBlocks generates n blocks of blockSize bytes each, seeded
// deterministically, for use as fake partition payload in parser and
// BlockIO tests.
func PredictableBlocks(n, blockSize int) [][]byte {
	gen := rand.New(rand.NewSource(fixedRandSeed))
	blocks := make([][]byte, n)
	for i := range blocks {
		b := make([]byte, blockSize)
		for j := range b {
			b[j] = byte(gen.Intn(256))
		}
		blocks[i] = b
	}
	return blocks
}

// PredictableBitmap generates a BIT-mode bitmap over totalBlocks bits
// with the given approximate set-bit density, seeded deterministically.
func PredictableBitmap(totalBlocks int, density float64) []byte {
	gen := rand.New(rand.NewSource(fixedRandSeed + 1))
	raw := make([]byte, (totalBlocks+7)/8)
	for i := 0; i < totalBlocks; i++ {
		if gen.Float64() < density {
			raw[i/8] |= 1 << uint(i%8)
		}
	}
	return raw
}
