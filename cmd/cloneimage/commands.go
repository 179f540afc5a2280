// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	cerrors "cloudeng.io/errors"
	"github.com/cosnicolaou/cloneimage"
	"github.com/grailbio/base/file"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/ssh/terminal"
)

func optsFromCommonFlags(cl *CommonFlags) []cloneimage.OpenOption {
	return []cloneimage.OpenOption{
		cloneimage.IndexWindow(cl.IndexWindow),
		cloneimage.CacheCapacity(cl.CacheCapacity),
	}
}

// barProgress adapts a schollz/progressbar/v2 bar to cloneimage.Progress,
// tracking whatever unit the caller's Start/Advance pair uses (blocks, for
// the verification pass).
type barProgress struct {
	wr  io.Writer
	bar *progressbar.ProgressBar
}

func newBarProgress(wr io.Writer) *barProgress {
	return &barProgress{wr: wr}
}

func (p *barProgress) Start(total int64) {
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(p.wr),
		progressbar.OptionSetPredictTime(true))
	p.bar.RenderBlank()
}

func (p *barProgress) Advance(n int64) {
	if p.bar != nil {
		p.bar.Add64(n)
	}
}

func (p *barProgress) Finish() {
	if p.bar != nil {
		fmt.Fprintln(p.wr)
	}
}

func inspect(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := handleSignals(ctx)
	defer cancel()
	cl := values.(*inspectFlags)

	header, bio, err := cloneimage.Open(ctx, args[0], append(optsFromCommonFlags(&cl.CommonFlags),
		cloneimage.RequireSeek(false))...)
	if err != nil {
		return err
	}
	if bio != nil {
		defer bio.Close()
	}
	printHeader(os.Stdout, args[0], header)
	return nil
}

func verify(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := handleSignals(ctx)
	defer cancel()
	cl := values.(*verifyFlags)

	opts := append(optsFromCommonFlags(&cl.CommonFlags), cloneimage.VerifyChecksums(true))

	// Mirroring cmd/pbzip2's choice of writer: a progress bar only makes
	// sense on a terminal, since verify's own textual result also goes to
	// stdout.
	if cl.ProgressBar && terminal.IsTerminal(int(os.Stdout.Fd())) {
		opts = append(opts, cloneimage.WithProgress(newBarProgress(os.Stderr)))
	}

	header, bio, err := cloneimage.Open(ctx, args[0], opts...)
	var verr *cloneimage.VerifyError
	if errors.As(err, &verr) {
		fmt.Printf("%s: VerifyFailed(at_block=%d)\n", args[0], verr.AtBlock)
		if bio != nil {
			bio.Close()
		}
		return nil
	}
	if err != nil {
		return err
	}
	if bio != nil {
		defer bio.Close()
	}
	fmt.Printf("%s: verified %d used blocks, no corruption\n", args[0], header.UsedBlocks)
	return nil
}

func cat(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := handleSignals(ctx)
	defer cancel()
	cl := values.(*catFlags)

	header, bio, err := cloneimage.Open(ctx, args[0], optsFromCommonFlags(&cl.CommonFlags)...)
	if err != nil {
		return err
	}
	if bio == nil {
		return fmt.Errorf("cloneimage: %s does not support random access reads", args[0])
	}

	isTTY := terminal.IsTerminal(int(os.Stdout.Fd()))
	var bar *progressbar.ProgressBar
	if cl.ProgressBar && !isTTY {
		bar = progressbar.NewOptions64(header.PartitionSize(),
			progressbar.OptionSetBytes64(header.PartitionSize()),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetPredictTime(true))
		bar.RenderBlank()
	}

	errs := &cerrors.M{}
	const chunk = 4 << 20
	total := header.PartitionSize()
	for off := int64(0); off < total; off += chunk {
		n := chunk
		if remaining := total - off; remaining < chunk {
			n = int(remaining)
		}
		buf, err := bio.ReadAt(off, n)
		if err != nil {
			errs.Append(err)
			break
		}
		if _, err := os.Stdout.Write(buf); err != nil {
			errs.Append(err)
			break
		}
		if bar != nil {
			bar.Add64(int64(n))
		}
	}
	errs.Append(bio.Close())
	if bar != nil {
		fmt.Fprintln(os.Stderr)
	}
	return errs.Err()
}

// mountInfoMode is the fixed, read-only file mode the FUSE adapter
// publishes for every mounted image, per the consumer contract.
const mountInfoMode = 0440

func mountInfo(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := handleSignals(ctx)
	defer cancel()
	cl := values.(*mountInfoFlags)

	header, bio, err := cloneimage.Open(ctx, args[0], append(optsFromCommonFlags(&cl.CommonFlags),
		cloneimage.RequireSeek(false))...)
	if err != nil {
		return err
	}
	if bio != nil {
		defer bio.Close()
	}

	info, err := file.Stat(ctx, args[0])
	if err != nil {
		return fmt.Errorf("cloneimage: stat %s: %w", args[0], err)
	}

	fmt.Printf("%s: size=%d mode=%#o mtime=%s\n",
		args[0], header.PartitionSize(), os.FileMode(mountInfoMode), info.ModTime().UTC().Format("2006-01-02T15:04:05Z"))
	return nil
}
