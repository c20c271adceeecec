// Command tickring produces, inspects and follows memory-mapped tick rings.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/tickring/kernel/config"
	"github.com/nmxmxh/tickring/kernel/threads/codec"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are flags shared by every subcommand.
type rootOptions struct {
	configPath string
	path       string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "tickring",
		Short: "Single-writer, multi-reader snapshot ring over a memory-mapped file",
		Long: `tickring publishes periodic state snapshots into a fixed-slot ring file
that any number of readers can map and read without locks.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.path, "path", "", "ring file path (overrides config and "+config.EnvPath+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newProduceCmd(opts),
		newInspectCmd(opts),
		newTailCmd(opts),
		newArchiveCmd(opts),
	)
	return root
}

// load resolves the config file, environment and persistent flags.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.path != "" {
		cfg.Ring.Path = o.path
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

// parseLayout accepts a layout name or version number.
func parseLayout(name string) (uint32, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, v := range codec.SupportedVersions() {
		l, err := codec.LayoutFor(v)
		if err != nil {
			continue
		}
		if want == l.Name || want == fmt.Sprint(v) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown layout %q", name)
}
