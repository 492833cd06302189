// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"net/netip"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"firestige.xyz/sessreplay/internal/capture"
	"firestige.xyz/sessreplay/internal/config"
	"firestige.xyz/sessreplay/internal/convert"
	"firestige.xyz/sessreplay/internal/log"
	"firestige.xyz/sessreplay/internal/secrets"
)

var (
	// Global flags
	configFile  string
	logLevel    string
	secretsFile string
	srcAddrs    []string
	dstAddrs    []string

	// appFs is replaced in tests.
	appFs afero.Fs = afero.NewOsFs()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sessreplay",
	Short: "sessreplay - reconstruct and replay application sessions from packet captures",
	Long: `sessreplay reconstructs application-layer sessions from a packet capture,
decrypting TLS with a key log when needed, and turns each session into a seekable
replay artifact that can be indexed, played back or converted to other formats.

Inputs:
  - pcap and pcapng captures (Ethernet, Linux SLL, raw IP, exported PDU)
  - NSS key log files (CLIENT_RANDOM lines) for TLS 1.0-1.2 sessions`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and SESSREPLAY_* env when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level override: debug/info/warn/error")
	rootCmd.PersistentFlags().StringVarP(&secretsFile, "secrets", "k", "",
		"TLS key log file (CLIENT_RANDOM lines)")
	rootCmd.PersistentFlags().StringSliceVar(&srcAddrs, "src", nil,
		"only sessions initiated by these addresses (repeatable)")
	rootCmd.PersistentFlags().StringSliceVar(&dstAddrs, "dst", nil,
		"only sessions towards these addresses (repeatable)")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(playCmd)
}

// cfg is the effective configuration after flags are applied.
var cfg *config.Config

// setup loads configuration, applies global flag overrides and initializes
// logging. Every failure here is a configuration error.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := loadConfig(appFs, configFile)
	if err != nil {
		return err
	}
	cfg = loaded
	return log.Init(cfg.Log)
}

func loadConfig(fs afero.Fs, path string) (*config.Config, error) {
	c, err := config.LoadFs(fs, path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if secretsFile != "" {
		c.Reconstruct.Secrets = secretsFile
	}
	if err := c.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseFilter(src, dst []string) (capture.Filter, error) {
	var f capture.Filter
	for _, s := range src {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return f, fmt.Errorf("invalid --src address %q: %w", s, err)
		}
		f.Sources = append(f.Sources, a.Unmap())
	}
	for _, s := range dst {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return f, fmt.Errorf("invalid --dst address %q: %w", s, err)
		}
		f.Destinations = append(f.Destinations, a.Unmap())
	}
	return f, nil
}

func loadSecrets(fs afero.Fs, path string) (*secrets.Database, error) {
	if path == "" {
		return secrets.Empty(), nil
	}
	return secrets.Load(fs, path)
}

// newConverter builds a converter from the effective configuration.
func newConverter(fs afero.Fs, c *config.Config) (*convert.Converter, error) {
	db, err := loadSecrets(fs, c.Reconstruct.Secrets)
	if err != nil {
		return nil, err
	}
	return convert.New(convert.Options{
		Fs:              fs,
		Secrets:         db,
		Format:          c.Output.SinkFormat(),
		OutputDir:       c.Output.Dir,
		Workers:         c.Reconstruct.Workers,
		Lookahead:       c.Reconstruct.Lookahead,
		BootstrapMarker: c.Reconstruct.BootstrapMarker(),
		Kafka:           c.Kafka,
	})
}
