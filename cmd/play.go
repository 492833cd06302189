package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"firestige.xyz/sessreplay/internal/config"
	"firestige.xyz/sessreplay/internal/playback"
	"firestige.xyz/sessreplay/internal/replay"
)

var (
	playSpeed float64
	playSeek  time.Duration
	playTick  time.Duration
)

var playCmd = &cobra.Command{
	Use:   "play <replay>",
	Short: "Play a replay file in real time and print each event",
	Long: `Drive a replay file through the playback scheduler and print every event
when its time is reached. Stops at the end of the file or on interrupt.

Examples:
  sessreplay play session.replay
  sessreplay play session.replay --speed 4 --seek 30s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("speed") {
			cfg.Playback.Speed = playSpeed
		}
		if cmd.Flags().Changed("tick") {
			cfg.Playback.Tick = playTick
		}
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), stopSignals...)
		defer stop()
		return runPlay(ctx, appFs, args[0], cfg.Playback, playSeek, cmd.OutOrStdout())
	},
}

// stopSignals end playback as a normal exit.
var stopSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func init() {
	playCmd.Flags().Float64Var(&playSpeed, "speed", 1, "playback speed multiplier")
	playCmd.Flags().DurationVar(&playSeek, "seek", 0, "start position")
	playCmd.Flags().DurationVar(&playTick, "tick", playback.DefaultTick, "scheduler tick interval")
}

func runPlay(ctx context.Context, fs afero.Fs, path string, pc config.PlaybackConfig, seek time.Duration, w io.Writer) error {
	f, idx, err := openIndex(fs, path)
	if err != nil {
		return err
	}
	defer f.Close()

	s := playback.New(idx,
		playback.WithTick(pc.Tick),
		playback.WithSpeed(pc.Speed),
		playback.WithNotifyBuffer(pc.NotifyBuffer),
		playback.WithCommandBuffer(pc.CommandBuffer),
		playback.WithObserver(playback.LogObserver{}),
	)
	s.Start(ctx)
	defer s.Wait()

	if idx.Len() > 0 {
		if seek > 0 {
			if err := s.Send(playback.SeekTo{At: seek}); err != nil && !errors.Is(err, playback.ErrClosed) {
				return err
			}
		}
		// ErrClosed means the run was interrupted already.
		if err := s.Send(playback.Play{}); err != nil && !errors.Is(err, playback.ErrClosed) {
			return err
		}
	}

	for n := range s.Notifications() {
		switch n := n.(type) {
		case playback.EventReached:
			for _, off := range n.Offsets {
				e, err := idx.ReadEventAt(off)
				if err != nil {
					_ = s.Send(playback.Terminate{})
					drain(s)
					return fmt.Errorf("failed to read event at offset %d: %w", off, err)
				}
				printEvent(w, n.Timestamp, e)
			}
		case playback.Clear:
			fmt.Fprintln(w, "-- clear --")
		case playback.StateChanged:
			if n.State == playback.Stopped {
				_ = s.Send(playback.Terminate{})
			}
		}
	}
	return nil
}

func drain(s *playback.Scheduler) {
	for range s.Notifications() {
	}
}

func printEvent(w io.Writer, ts int64, e replay.Event) {
	fmt.Fprintf(w, "+%-10s %-16s %s -> %s %s\n",
		time.Duration(ts)*time.Millisecond, e.Kind, e.Source, e.Destination, humanize.Bytes(uint64(len(e.Payload))))
}
