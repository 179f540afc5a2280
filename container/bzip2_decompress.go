// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cosnicolaou/cloneimage/internal/bzip2"
)

var numBZDecompressionGoRoutines int64

func bzUpdateStreamCRC(streamCRC, blockCRC uint32) uint32 {
	return (streamCRC<<1 | streamCRC>>31) ^ blockCRC
}

type bzDecompressorOpts struct {
	verbose     bool
	concurrency int
}

// bzDecompressorOption represents an option to newBZDecompressor.
type bzDecompressorOption func(*bzDecompressorOpts)

func bzVerbose(v bool) bzDecompressorOption {
	return func(o *bzDecompressorOpts) { o.verbose = v }
}

func bzConcurrency(n int) bzDecompressorOption {
	return func(o *bzDecompressorOpts) { o.concurrency = n }
}

// bzDecompressor decompresses the blocks produced by bzScanner concurrently
// and reassembles them in their original order. It is the engine behind the
// bzip2 container codec: decoding a whole bzip2-compressed image is treated
// as decoding a single, very long bzip2 stream.
type bzDecompressor struct {
	order uint64 // must be at start of struct to be aligned.

	ctx     context.Context
	workWg  sync.WaitGroup
	doneWg  sync.WaitGroup
	workCh  chan *bzBlockDesc
	doneCh  chan *bzBlockDesc
	prd     *io.PipeReader
	pwr     *io.PipeWriter
	heap    *bzBlockHeap
	verbose bool
}

func newBZDecompressor(ctx context.Context, opts ...bzDecompressorOption) *bzDecompressor {
	o := bzDecompressorOpts{concurrency: runtime.GOMAXPROCS(-1)}
	for _, fn := range opts {
		fn(&o)
	}
	dc := &bzDecompressor{
		ctx:     ctx,
		doneCh:  make(chan *bzBlockDesc, o.concurrency),
		workCh:  make(chan *bzBlockDesc, o.concurrency),
		heap:    &bzBlockHeap{},
		verbose: o.verbose,
	}
	dc.prd, dc.pwr = io.Pipe()
	heap.Init(dc.heap)
	dc.workWg.Add(o.concurrency)
	dc.doneWg.Add(1)
	for i := 0; i < o.concurrency; i++ {
		go func() {
			atomic.AddInt64(&numBZDecompressionGoRoutines, 1)
			dc.worker(ctx, dc.workCh, dc.doneCh)
			atomic.AddInt64(&numBZDecompressionGoRoutines, -1)
			dc.workWg.Done()
		}()
	}
	go func() {
		atomic.AddInt64(&numBZDecompressionGoRoutines, 1)
		dc.assemble(ctx, dc.doneCh)
		atomic.AddInt64(&numBZDecompressionGoRoutines, -1)
		dc.doneWg.Done()
	}()
	return dc
}

type bzBlockDesc struct {
	order         uint64
	crc           uint32
	bzipBlockSize int
	block         []byte
	blockSizeBits int
	offset        int

	err  error
	data []byte
}

func (b *bzBlockDesc) String() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v: crc %v, size %v, offset %v", b.order, b.crc, len(b.block), b.offset)
}

func (dc *bzDecompressor) trace(format string, args ...interface{}) {
	if dc.verbose {
		log.Printf(format, args...)
	}
}

func (b *bzBlockDesc) decompress() {
	rd := bzip2.NewBlockReader(b.bzipBlockSize, b.block, b.offset)
	b.data, b.err = io.ReadAll(rd)
}

func (dc *bzDecompressor) worker(ctx context.Context, in <-chan *bzBlockDesc, out chan<- *bzBlockDesc) {
	for {
		select {
		case block := <-in:
			if block == nil {
				return
			}
			block.decompress()
			select {
			case out <- block:
			case <-ctx.Done():
			}
		case <-ctx.Done():
			return
		}
	}
}

// Append queues a scanned bzip2 block for decompression.
func (dc *bzDecompressor) Append(b bzCompressedBlock) error {
	order := atomic.AddUint64(&dc.order, 1)
	select {
	case dc.workCh <- &bzBlockDesc{
		order:         order,
		crc:           b.CRC,
		block:         b.Data,
		blockSizeBits: b.SizeInBits,
		bzipBlockSize: b.StreamBlockSize,
		offset:        b.BitOffset,
	}:
	case <-dc.ctx.Done():
		return dc.ctx.Err()
	}
	return nil
}

// Cancel unblocks any readers of this decompressor and/or Finish.
func (dc *bzDecompressor) Cancel(err error) {
	dc.pwr.CloseWithError(err)
}

// Finish waits for all outstanding decompression to complete and their
// output to be reassembled. It must be called exactly once.
func (dc *bzDecompressor) Finish() error {
	select {
	case <-dc.ctx.Done():
		return dc.ctx.Err()
	default:
	}
	close(dc.workCh)
	dc.workWg.Wait()
	close(dc.doneCh)
	dc.doneWg.Wait()
	return nil
}

type bzBlockHeap []*bzBlockDesc

func (h bzBlockHeap) Len() int           { return len(h) }
func (h bzBlockHeap) Less(i, j int) bool { return h[i].order < h[j].order }
func (h bzBlockHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *bzBlockHeap) Push(x interface{}) {
	*h = append(*h, x.(*bzBlockDesc))
}

func (h *bzBlockHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

func (dc *bzDecompressor) assemble(ctx context.Context, ch <-chan *bzBlockDesc) {
	defer dc.pwr.Close()
	expected := uint64(1)
	streamCRC := uint32(0)
	for {
		select {
		case block := <-ch:
			dc.trace("assemble: %v", block)
			if block != nil {
				heap.Push(dc.heap, block)
			}
			for len(*dc.heap) > 0 {
				min := (*dc.heap)[0]
				if min.order != expected {
					break
				}
				heap.Remove(dc.heap, 0)
				expected++
				if min.err != nil {
					dc.pwr.CloseWithError(min.err)
					return
				}
				if _, err := dc.pwr.Write(min.data); err != nil {
					dc.pwr.CloseWithError(err)
					return
				}
				streamCRC = bzUpdateStreamCRC(streamCRC, min.crc)
			}
			if block == nil && len(*dc.heap) == 0 {
				return
			}
		case <-ctx.Done():
			dc.pwr.CloseWithError(ctx.Err())
			return
		}
	}
}

// Read implements io.Reader on the decompressed stream.
func (dc *bzDecompressor) Read(buf []byte) (int, error) {
	return dc.prd.Read(buf)
}
