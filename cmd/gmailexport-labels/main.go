package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/gmailexport/internal/config"
	"github.com/joshsymonds/gmailexport/internal/export"
	"github.com/joshsymonds/gmailexport/internal/gmail"
	"github.com/joshsymonds/gmailexport/internal/runtime"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		runtime.DefaultLogger().Error("gmailexport-labels failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		all     bool
	)
	cmd := &cobra.Command{
		Use:           "gmailexport-labels",
		Short:         "List the account's labels with their ids",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg, all, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "config file (default ~/.gmail_export/config.yaml)")
	cmd.Flags().String("credentials-dir", config.DefaultDir, "directory holding credentials.json and token.json")
	cmd.Flags().BoolVar(&all, "all", false, "include system labels")
	return cmd
}

func run(cfg *config.Config, all bool, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := runtime.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	store := runtime.NewTokenStore(cfg.CredentialsDir, runtime.ConsolePrompt(os.Stdin, os.Stderr), logger)
	client, err := runtime.NewGmailClient(ctx, store)
	if err != nil {
		return fmt.Errorf("create gmail client: %w", err)
	}
	labels, err := client.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	return printLabels(out, export.UserLabels(labels, all))
}

func printLabels(out io.Writer, labels []gmail.Label) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE")
	for _, l := range labels {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", l.ID, l.Name, strings.ToLower(l.Type))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write labels: %w", err)
	}
	return nil
}
