package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/sessreplay/internal/capture"
	"firestige.xyz/sessreplay/internal/convert"
)

var listOutput string

var listCmd = &cobra.Command{
	Use:   "list <capture>",
	Short: "List the sessions of a capture",
	Long: `Classify the sessions of a capture without producing any artifact.

Shows every reconstructable session and, separately, the sessions that were
skipped with the reason (missing TLS secret, unsupported transport).

Examples:
  sessreplay list trace.pcapng -k sslkeylog.txt
  sessreplay list trace.pcap --src 10.0.0.5 --output yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := parseFilter(srcAddrs, dstAddrs)
		if err != nil {
			return err
		}
		conv, err := newConverter(appFs, cfg)
		if err != nil {
			return err
		}
		return runList(cmd.Context(), conv, args[0], filter, listOutput, cmd.OutOrStdout())
	},
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "output format: table/yaml/json")
}

// sessionView is the printable form of a session.
type sessionView struct {
	ID           string    `json:"id" yaml:"id"`
	Kind         string    `json:"kind" yaml:"kind"`
	Start        time.Time `json:"start" yaml:"start"`
	Initiator    string    `json:"initiator" yaml:"initiator"`
	Responder    string    `json:"responder" yaml:"responder"`
	Packets      int       `json:"packets" yaml:"packets"`
	PayloadBytes int       `json:"payload_bytes" yaml:"payload_bytes"`
	ClientRandom string    `json:"client_random,omitempty" yaml:"client_random,omitempty"`
}

type skippedView struct {
	Session string `json:"session" yaml:"session"`
	Reason  string `json:"reason" yaml:"reason"`
}

type listView struct {
	Input    string        `json:"input" yaml:"input"`
	Sessions []sessionView `json:"sessions" yaml:"sessions"`
	Skipped  []skippedView `json:"skipped" yaml:"skipped"`
	Dropped  int           `json:"dropped_packets" yaml:"dropped_packets"`
}

func newListView(input string, l *capture.Listing) listView {
	v := listView{Input: input, Dropped: l.Dropped}
	for _, s := range l.Sessions {
		v.Sessions = append(v.Sessions, sessionView{
			ID:           s.ID,
			Kind:         s.Kind.String(),
			Start:        s.Start.UTC(),
			Initiator:    s.Initiator.String(),
			Responder:    s.Responder.String(),
			Packets:      len(s.Packets),
			PayloadBytes: s.PayloadBytes(),
			ClientRandom: s.ClientRandom,
		})
	}
	for _, sk := range l.Skipped {
		v.Skipped = append(v.Skipped, skippedView{Session: sk.Key, Reason: sk.Reason.Error()})
	}
	return v
}

func runList(ctx context.Context, conv *convert.Converter, input string, filter capture.Filter, output string, w io.Writer) error {
	listing, err := conv.List(ctx, input, filter)
	if err != nil {
		return fmt.Errorf("failed to read capture %s: %w", input, err)
	}
	view := newListView(input, listing)

	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(view)
	case "table", "":
		return printListTable(w, view)
	default:
		return fmt.Errorf("unsupported output: %s (must be table/yaml/json)", output)
	}
}

func printListTable(w io.Writer, v listView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tKIND\tSTART\tINITIATOR\tRESPONDER\tPACKETS\tPAYLOAD")
	for _, s := range v.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Kind, s.Start.Format(time.RFC3339), s.Initiator, s.Responder,
			humanize.Comma(int64(s.Packets)), humanize.Bytes(uint64(s.PayloadBytes)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d session(s), %d skipped", len(v.Sessions), len(v.Skipped))
	if v.Dropped > 0 {
		fmt.Fprintf(w, ", %s undecodable packet(s)", humanize.Comma(int64(v.Dropped)))
	}
	fmt.Fprintln(w)
	for _, sk := range v.Skipped {
		fmt.Fprintf(w, "  skipped %s: %s\n", sk.Session, sk.Reason)
	}
	return nil
}
