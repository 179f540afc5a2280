// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloudeng.io/cmdutil"
	"cloudeng.io/cmdutil/subcmd"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cosnicolaou/cloneimage"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
)

// CommonFlags are shared by every subcommand that opens an image.
type CommonFlags struct {
	IndexWindow   int `subcmd:"index-window,1024,'popcount index window, in blocks, for PC/PI images'"`
	CacheCapacity int `subcmd:"cache-capacity,128,'number of decoded blocks kept resident'"`
}

type inspectFlags struct {
	CommonFlags
}

type verifyFlags struct {
	CommonFlags
	ProgressBar bool `subcmd:"progress,true,display a progress bar"`
}

type catFlags struct {
	CommonFlags
	ProgressBar bool `subcmd:"progress,true,display a progress bar"`
}

type mountInfoFlags struct {
	CommonFlags
}

var cmdSet *subcmd.CommandSet

func init() {
	inspectCmd := subcmd.NewCommand("inspect",
		subcmd.MustRegisterFlagStruct(&inspectFlags{}, nil, nil),
		inspect, subcmd.ExactlyNumArguments(1))
	inspectCmd.Document(`open an image's header only and print its geometry. Images are read from the local filesystem.`)

	verifyCmd := subcmd.NewCommand("verify",
		subcmd.MustRegisterFlagStruct(&verifyFlags{}, nil, nil),
		verify, subcmd.ExactlyNumArguments(1))
	verifyCmd.Document(`open an image and run its structural checksum verification pass, reporting the first block that fails.`)

	catCmd := subcmd.NewCommand("cat",
		subcmd.MustRegisterFlagStruct(&catFlags{}, nil, nil),
		cat, subcmd.ExactlyNumArguments(1))
	catCmd.Document(`reconstruct the full logical partition to stdout, materialising blocks the image never stored as zeroes.`)

	mountInfoCmd := subcmd.NewCommand("mount-info",
		subcmd.MustRegisterFlagStruct(&mountInfoFlags{}, nil, nil),
		mountInfo, subcmd.ExactlyNumArguments(1))
	mountInfoCmd.Document(`print the (size, mode, mtime) triple a FUSE adapter would publish for this image, without mounting anything.`)

	cmdSet = subcmd.NewCommandSet(inspectCmd, verifyCmd, catCmd, mountInfoCmd)
	cmdSet.Document(`inspect, verify and reconstruct partition backup images. Images are read from the local filesystem.`)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

func printHeader(w io.Writer, path string, h *cloneimage.ImageHeader) {
	fmt.Fprintf(w, "%s: format=%s block_size=%d total_blocks=%d used_blocks=%d partition_size=%d fs_label=%q\n",
		path, h.Format, h.BlockSize, h.TotalBlocks, h.UsedBlocks, h.PartitionSize(), h.FSLabel)
}

func handleSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	cmdutil.HandleSignals(cancel, os.Interrupt)
	return ctx, cancel
}
