// Package convert turns captures and replay files into output artifacts.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/sessreplay/internal/capture"
	"firestige.xyz/sessreplay/internal/core"
	"firestige.xyz/sessreplay/internal/metrics"
	"firestige.xyz/sessreplay/internal/replay"
	"firestige.xyz/sessreplay/internal/secrets"
	"firestige.xyz/sessreplay/internal/sink"
)

const defaultWorkers = 4

// Options configures a Converter.
type Options struct {
	Fs        afero.Fs
	Secrets   *secrets.Database
	Format    sink.Format
	OutputDir string
	Workers   int
	Lookahead int
	// BootstrapMarker replaces the default plaintext passthrough prefix
	// when non-nil. An empty, non-nil marker disables passthrough.
	BootstrapMarker []byte
	Kafka           sink.KafkaConfig
	Logger          *slog.Logger
}

// Converter runs list and convert operations. It is safe to reuse
// across inputs.
type Converter struct {
	opts   Options
	logger *slog.Logger
}

// New validates opts and returns a Converter.
func New(opts Options) (*Converter, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Secrets == nil {
		opts.Secrets = secrets.Empty()
	}
	if opts.Format == 0 {
		opts.Format = sink.FormatReplay
	}
	if _, err := sink.ParseFormat(opts.Format.String()); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Format == sink.FormatKafka {
		if err := opts.Kafka.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{opts: opts, logger: logger}, nil
}

func (c *Converter) captureOptions(logger *slog.Logger) []capture.Option {
	opts := []capture.Option{capture.WithObserver(capture.LogObserver{Logger: logger})}
	if c.opts.Lookahead > 0 {
		opts = append(opts, capture.WithLookahead(c.opts.Lookahead))
	}
	if c.opts.BootstrapMarker != nil {
		opts = append(opts, capture.WithBootstrapMarker(c.opts.BootstrapMarker))
	}
	return opts
}

// List classifies the sessions of a capture without producing artifacts.
func (c *Converter) List(ctx context.Context, path string, filter capture.Filter) (*capture.Listing, error) {
	return capture.ListSessions(ctx, c.opts.Fs, path, c.opts.Secrets, filter, c.captureOptions(c.logger)...)
}

// ConvertCapture converts every eligible session of a capture. Session
// failures are reported in the Report; only a capture that cannot be read
// fails the call.
func (c *Converter) ConvertCapture(ctx context.Context, path string, filter capture.Filter) (*Report, error) {
	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID)
	started := time.Now()

	listing, err := capture.ListSessions(ctx, c.opts.Fs, path, c.opts.Secrets, filter, c.captureOptions(logger)...)
	if err != nil {
		return nil, err
	}
	for _, sk := range listing.Skipped {
		kind, outcome := "unknown", metrics.OutcomeUnsupported
		if errors.Is(sk.Reason, core.ErrMissingSecret) {
			kind, outcome = capture.KindTLS.String(), metrics.OutcomeSkipped
		}
		metrics.SessionsTotal.WithLabelValues(kind, outcome).Inc()
	}

	report := &Report{
		RunID:   runID,
		Input:   path,
		Results: make([]Result, len(listing.Sessions)),
		Skipped: listing.Skipped,
	}
	outputs := c.artifactNames(listing.Sessions)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, s := range listing.Sessions {
		g.Go(func() error {
			report.Results[i] = c.convertSession(gctx, s, outputs[i], runID, logger)
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("capture converted",
		"input", path,
		"sessions", len(report.Results),
		"succeeded", len(report.Succeeded()),
		"failed", len(report.Failed()),
		"skipped", len(report.Skipped),
		"elapsed", time.Since(started))
	return report, nil
}

// artifactNames assigns one output path per session. Sessions that would
// collide on the same name get a numeric suffix.
func (c *Converter) artifactNames(sessions []*capture.Session) []string {
	names := make([]string, len(sessions))
	if !c.opts.Format.WritesFile() {
		return names
	}
	seen := make(map[string]int, len(sessions))
	ext := c.opts.Format.Ext()
	for i, s := range sessions {
		name := sink.ArtifactName(s.Start, s.Initiator, s.Responder, c.opts.Format)
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(n) + ext
		} else {
			seen[name] = 1
		}
		names[i] = filepath.Join(c.opts.OutputDir, name)
	}
	return names
}

func (c *Converter) target(output, key, runID string) sink.Target {
	return sink.Target{
		Fs:      c.opts.Fs,
		Path:    output,
		Key:     key,
		Headers: map[string]string{"run_id": runID, "session": key},
		Kafka:   c.opts.Kafka,
	}
}

func (c *Converter) convertSession(ctx context.Context, s *capture.Session, output, runID string, logger *slog.Logger) Result {
	started := time.Now()
	kind := s.Kind.String()
	res := Result{Session: s.ID, Kind: kind, Output: output}
	log := logger.With("session", s.ID, "kind", kind)

	defer func() {
		outcome := metrics.OutcomeConverted
		if res.Err != nil {
			outcome = metrics.OutcomeFailed
			log.Error("session conversion failed", "events", res.Events, "error", res.Err)
		} else {
			log.Info("session converted", "events", res.Events, "bytes", res.Bytes, "output", output)
		}
		metrics.SessionsTotal.WithLabelValues(kind, outcome).Inc()
		metrics.SessionDurationSeconds.WithLabelValues(kind).Observe(time.Since(started).Seconds())
	}()

	out, err := sink.New(c.opts.Format, c.target(output, s.ID, runID))
	if err != nil {
		res.Err = err
		return res
	}

	streamErr := c.pump(ctx, s, out, &res)
	if err := out.Finalize(); err != nil && streamErr == nil {
		streamErr = err
	}
	res.Err = streamErr
	return res
}

// pump copies the session stream into out and closes it with a
// ConnectionClose event. A stream error truncates the output; events
// already consumed are kept.
func (c *Converter) pump(ctx context.Context, s *capture.Session, out sink.Sink, res *Result) error {
	stream := s.Stream()
	lastTs := s.Start.UnixMilli()
	var streamErr error
	for {
		if err := ctx.Err(); err != nil {
			streamErr = err
			break
		}
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		kind := replay.KindServerData
		if rec.Source == s.Initiator {
			kind = replay.KindClientData
		}
		e := replay.Event{
			Kind:        kind,
			TimestampMs: rec.TimestampMs,
			Source:      rec.Source,
			Destination: rec.Destination,
			Session:     s.ID,
			Payload:     rec.Payload,
		}
		if err := out.Consume(e); err != nil {
			return err
		}
		lastTs = rec.TimestampMs
		res.Events++
		res.Bytes += int64(len(rec.Payload))
		metrics.RecordsTotal.WithLabelValues(kind.String()).Inc()
		metrics.PayloadBytesTotal.WithLabelValues(s.Kind.String()).Add(float64(len(rec.Payload)))
	}

	closeEvent := replay.Event{
		Kind:        replay.KindConnectionClose,
		TimestampMs: lastTs,
		Source:      s.Initiator,
		Destination: s.Responder,
		Session:     s.ID,
	}
	if err := out.Consume(closeEvent); err != nil {
		return err
	}
	res.Events++
	metrics.RecordsTotal.WithLabelValues(replay.KindConnectionClose.String()).Inc()
	return streamErr
}

// ConvertReplay re-encodes a replay file into the configured format.
func (c *Converter) ConvertReplay(ctx context.Context, path string) (Result, error) {
	res := Result{Session: filepath.Base(path), Kind: "replay"}
	if c.opts.Format.WritesFile() {
		res.Output = filepath.Join(c.opts.OutputDir, sink.DerivedName(path, c.opts.Format))
		if filepath.Clean(res.Output) == filepath.Clean(path) {
			return res, fmt.Errorf("%w: output %s would overwrite the input", core.ErrConfigInvalid, res.Output)
		}
	}

	f, err := c.opts.Fs.Open(path)
	if err != nil {
		return res, fmt.Errorf("open replay %s: %w", path, err)
	}
	defer f.Close()

	idx, err := replay.BuildIndex(f)
	if err != nil {
		metrics.FrameErrorsTotal.Inc()
		return res, fmt.Errorf("index %s: %w", path, err)
	}

	out, err := sink.New(c.opts.Format, c.target(res.Output, res.Session, uuid.NewString()))
	if err != nil {
		return res, err
	}
	err = c.copyIndex(ctx, idx, out, &res)
	if ferr := out.Finalize(); err == nil {
		err = ferr
	}
	if err != nil {
		return res, err
	}
	c.logger.Info("replay converted", "input", path, "output", res.Output, "events", res.Events)
	return res, nil
}

func (c *Converter) copyIndex(ctx context.Context, idx *replay.Index, out sink.Sink, res *Result) error {
	for _, ts := range idx.Timestamps() {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := idx.Events(ts)
		if err != nil {
			metrics.FrameErrorsTotal.Inc()
			return err
		}
		for _, e := range events {
			if err := out.Consume(e); err != nil {
				return err
			}
			res.Events++
			res.Bytes += int64(len(e.Payload))
		}
	}
	return nil
}
