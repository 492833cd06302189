package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"firestige.xyz/sessreplay/internal/capture"
	"firestige.xyz/sessreplay/internal/config"
	"firestige.xyz/sessreplay/internal/convert"
	"firestige.xyz/sessreplay/internal/metrics"
)

var (
	convertFormat  string
	convertOutDir  string
	convertWorkers int
)

// errNothingConverted makes the process exit non-zero when no session
// could be converted.
var errNothingConverted = errors.New("no session converted")

var convertCmd = &cobra.Command{
	Use:   "convert <input>",
	Short: "Convert a capture or replay file",
	Long: `Convert every eligible session of a capture into one artifact per session,
named YYYYMMDDHHMMSS_src-dst.<ext>. A .replay input is converted once into
<stem>.<ext> in the output format.

A session that fails is reported and the others are still converted; the exit
status is non-zero only when nothing could be converted.

Examples:
  sessreplay convert trace.pcapng -k sslkeylog.txt --out-dir replays/
  sessreplay convert replays/20240506070809_10.0.0.1-10.0.0.2.replay --format json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyConvertFlags(cmd, cfg); err != nil {
			return err
		}
		filter, err := parseFilter(srcAddrs, dstAddrs)
		if err != nil {
			return err
		}
		conv, err := newConverter(appFs, cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			defer srv.Stop(context.Background())
		}
		return runConvert(ctx, conv, args[0], filter, cmd.OutOrStdout())
	},
}

func init() {
	convertCmd.Flags().StringVarP(&convertFormat, "format", "f", "", "output format: replay/json/kafka")
	convertCmd.Flags().StringVarP(&convertOutDir, "out-dir", "o", "", "output directory")
	convertCmd.Flags().IntVarP(&convertWorkers, "workers", "w", 0, "sessions converted in parallel")
}

func applyConvertFlags(cmd *cobra.Command, c *config.Config) error {
	if cmd.Flags().Changed("format") {
		c.Output.Format = convertFormat
	}
	if cmd.Flags().Changed("out-dir") {
		c.Output.Dir = convertOutDir
	}
	if cmd.Flags().Changed("workers") {
		c.Reconstruct.Workers = convertWorkers
	}
	return c.ValidateAndApplyDefaults()
}

func isReplayFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".replay")
}

func runConvert(ctx context.Context, conv *convert.Converter, input string, filter capture.Filter, w io.Writer) error {
	if isReplayFile(input) {
		res, err := conv.ConvertReplay(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to convert %s: %w", input, err)
		}
		printResult(w, res)
		return nil
	}

	report, err := conv.ConvertCapture(ctx, input, filter)
	if err != nil {
		return fmt.Errorf("failed to read capture %s: %w", input, err)
	}
	for _, res := range report.Results {
		printResult(w, res)
	}
	for _, sk := range report.Skipped {
		fmt.Fprintf(w, "SKIP  %s: %v\n", sk.Key, sk.Reason)
	}
	ok, failed := len(report.Succeeded()), len(report.Failed())
	fmt.Fprintf(w, "\nrun %s: %d converted, %d failed, %d skipped\n", report.RunID, ok, failed, len(report.Skipped))
	if ok == 0 {
		return errNothingConverted
	}
	return nil
}

func printResult(w io.Writer, res convert.Result) {
	target := res.Output
	if target == "" {
		target = "-"
	}
	if res.Err != nil {
		fmt.Fprintf(w, "FAIL  %s (%s) -> %s: %v (%d event(s) kept)\n", res.Session, res.Kind, target, res.Err, res.Events)
		return
	}
	fmt.Fprintf(w, "OK    %s (%s) -> %s: %s event(s), %s\n", res.Session, res.Kind, target,
		humanize.Comma(int64(res.Events)), humanize.Bytes(uint64(res.Bytes)))
}
