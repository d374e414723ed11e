package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/localrivet/livegate/config"
	"github.com/localrivet/livegate/logx"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Start the configured providers and list the tools they declare",
	RunE:  runTools,
}

func runTools(cmd *cobra.Command, args []string) error {
	if configErr != nil {
		return fmt.Errorf("reading config: %w", configErr)
	}
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Providers.File == "" {
		return fmt.Errorf("no providers file configured (use --providers)")
	}
	logger, err := logx.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	specs, err := loadSpecs(cfg.Providers)
	if err != nil {
		return err
	}
	registry := newRegistry(cfg.Providers, logger, noop.NewTracerProvider().Tracer("noop"))
	defer func() { _ = registry.Shutdown() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Providers.MetadataTimeout*time.Duration(len(specs)+1))
	defer cancel()
	registry.Initialize(ctx, specs)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tDESCRIPTION")
	for _, tool := range registry.DescribeAll() {
		fmt.Fprintf(w, "%s\t%s\n", tool.Name, tool.Description)
	}
	return w.Flush()
}
