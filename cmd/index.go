package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"firestige.xyz/sessreplay/internal/metrics"
	"firestige.xyz/sessreplay/internal/replay"
)

var indexVerbose bool

var indexCmd = &cobra.Command{
	Use:   "index <replay>",
	Short: "Index a replay file and print its timeline",
	Long: `Scan a replay file once and print the number of frames, the number of
distinct timestamps and the total duration. With --verbose every timestamp
bucket is listed with its frame offsets.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIndex(appFs, args[0], indexVerbose, cmd.OutOrStdout())
	},
}

func init() {
	indexCmd.Flags().BoolVarP(&indexVerbose, "verbose", "v", false, "list every timestamp bucket")
}

func openIndex(fs afero.Fs, path string) (afero.File, *replay.Index, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open replay %s: %w", path, err)
	}
	idx, err := replay.BuildIndex(f)
	if err != nil {
		f.Close()
		metrics.FrameErrorsTotal.Inc()
		return nil, nil, fmt.Errorf("failed to index %s: %w", path, err)
	}
	return f, idx, nil
}

func runIndex(fs afero.Fs, path string, verbose bool, w io.Writer) error {
	f, idx, err := openIndex(fs, path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(w, "file:       %s\n", path)
	fmt.Fprintf(w, "frames:     %s\n", humanize.Comma(int64(idx.Frames())))
	fmt.Fprintf(w, "timestamps: %s\n", humanize.Comma(int64(idx.Len())))
	fmt.Fprintf(w, "duration:   %s\n", idx.Duration())
	if idx.Len() > 0 {
		fmt.Fprintf(w, "start:      %s\n", time.UnixMilli(idx.Base()).UTC().Format(time.RFC3339Nano))
	}

	if verbose {
		for _, ts := range idx.Timestamps() {
			fmt.Fprintf(w, "  +%-12s %v\n", time.Duration(ts)*time.Millisecond, idx.Offsets(ts))
		}
	}
	return nil
}
