// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"context"
	"io"
	"sync"
)

type bzReader struct {
	ctx   context.Context
	errCh chan error
	wg    *sync.WaitGroup
	dc    *bzDecompressor
}

// newBzip2Reader returns an io.Reader that concurrently decompresses a
// bzip2-compressed image container, reassembling the decoded bytes in
// their original order. It is the sequential byte source used whenever
// detection (see detect.go) identifies a bzip2 container.
func newBzip2Reader(ctx context.Context, rd io.Reader) io.Reader {
	sc := newBZScanner(rd)
	dc := newBZDecompressor(ctx)

	errCh := make(chan error, 1)
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		errCh <- bzDecompress(ctx, sc, dc)
		close(errCh)
		wg.Done()
	}()
	return &bzReader{ctx: ctx, errCh: errCh, dc: dc, wg: wg}
}

// bzDecompress guarantees that Finish will have been called on dc. Any
// non-nil error it returns should be surfaced by the final call to Read.
func bzDecompress(ctx context.Context, sc *bzScanner, dc *bzDecompressor) error {
	if err := bzScan(ctx, sc, dc); err != nil {
		dc.Cancel(err)
		dc.Finish()
		return err
	}
	return dc.Finish()
}

// bzScan runs the scanner against the input stream, feeding each block to
// the decompressor.
func bzScan(ctx context.Context, sc *bzScanner, dc *bzDecompressor) error {
	for sc.Scan(ctx) {
		if err := dc.Append(sc.Block()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (rd *bzReader) handleErrorOrCancel() error {
	select {
	case err := <-rd.errCh:
		return err
	case <-rd.ctx.Done():
		return rd.ctx.Err()
	default:
		return nil
	}
}

// Read implements io.Reader.
func (rd *bzReader) Read(buf []byte) (int, error) {
	if err := rd.handleErrorOrCancel(); err != nil {
		rd.dc.Cancel(err)
		rd.wg.Wait()
		return 0, err
	}
	n, err := rd.dc.Read(buf)
	if err == nil {
		return n, nil
	}
	rd.wg.Wait()
	select {
	case cerr := <-rd.errCh:
		if err != io.EOF {
			return n, err
		}
		if cerr != nil {
			return n, cerr
		}
	default:
	}
	return n, err
}
