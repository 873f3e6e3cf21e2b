package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/gmailexport/internal/config"
	"github.com/joshsymonds/gmailexport/internal/credential"
	"github.com/joshsymonds/gmailexport/internal/export"
	"github.com/joshsymonds/gmailexport/internal/graph"
	"github.com/joshsymonds/gmailexport/internal/mirror"
	"github.com/joshsymonds/gmailexport/internal/pdf"
	"github.com/joshsymonds/gmailexport/internal/rate"
	"github.com/joshsymonds/gmailexport/internal/runtime"
	"github.com/joshsymonds/gmailexport/internal/sanitize"
	"github.com/joshsymonds/gmailexport/internal/tablestore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		runtime.DefaultLogger().Error("gmailexport-export failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "gmailexport-export",
		Short:         "Export Gmail labels to eml, html, pdf and attachment files",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "config file (default ~/.gmail_export/config.yaml)")
	f.String("credentials-dir", config.DefaultDir, "directory holding credentials.json and token.json")
	f.String("export-path", "", "export root directory")
	f.String("timezone", "UTC", "timezone used in file names")
	f.StringSlice("format", []string{"eml"}, "formats to write: eml, html, pdf, attachments, inline")
	f.Bool("overwrite", false, "rewrite files that already exist")
	f.Int("rps", 5, "max Gmail requests per second")
	f.Int("page-size", 500, "Gmail list page size (<=500)")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("summary-json", "", "write the run summary as JSON to this relative path")
	f.Bool("mirror", false, "mirror the exported graph into the configured table store")
	f.String("mirror-backend", config.BackendAirtable, "airtable or sqlite")
	f.String("pdf-binary", "wkhtmltopdf", "wkhtmltopdf executable")
	return cmd
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := runtime.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store := runtime.NewTokenStore(cfg.CredentialsDir, runtime.ConsolePrompt(os.Stdin, os.Stderr), logger)
	client, err := runtime.NewGmailClient(ctx, store)
	if err != nil {
		return fmt.Errorf("create gmail client: %w", err)
	}

	var limiter rate.Limiter
	if cfg.RPS > 0 {
		bucket := rate.NewTokenBucket(cfg.RPS)
		defer bucket.Stop()
		limiter = bucket
	}

	labels, err := export.ResolveLabels(ctx, client, cfg.Labels)
	if err != nil {
		return fmt.Errorf("resolve labels: %w", err)
	}

	var prober sanitize.Prober
	if cfg.Probe.Enabled {
		p, err := sanitize.NewHTTPProber(cfg.Probe.Timeout, cfg.Probe.CacheSize, logger)
		if err != nil {
			return fmt.Errorf("create image prober: %w", err)
		}
		prober = p
	}
	converter := pdf.Runner{Binary: cfg.PDF.Binary, Timeout: cfg.PDF.Timeout, Logger: logger}
	svc := export.NewService(client, limiter, logger, sanitize.New(prober, logger), converter)

	g, sum, runErr := svc.Run(ctx, cfg.ExportOptions(labels))
	if err := export.PrintHuman(sum, os.Stdout); err != nil {
		return err
	}
	if cfg.SummaryJSON != "" {
		if err := export.WriteJSON(sum, cfg.SummaryJSON); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("run export: %w", runErr)
	}

	if cfg.Mirror.Enabled {
		if err := mirrorGraph(ctx, cfg, g, logger); err != nil {
			return err
		}
	}
	if n := sum.FailedLabels(); n > 0 {
		return fmt.Errorf("%d of %d labels failed", n, len(sum.Labels))
	}
	return nil
}

func mirrorGraph(ctx context.Context, cfg *config.Config, g *graph.Graph, logger *slog.Logger) error {
	store, closeFn, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	rep, err := mirror.NewReconciler(store, logger).Run(ctx, g)
	if err != nil {
		return fmt.Errorf("mirror graph: %w", err)
	}
	logger.Info("mirror finished",
		"labels_inserted", rep.Labels.Inserted,
		"threads_inserted", rep.Threads.Inserted,
		"emails_inserted", rep.Emails.Inserted,
		"emails_updated", rep.Emails.Updated,
		"messages_inserted", rep.Messages.Inserted,
		"messages_updated", rep.Messages.Updated,
	)
	return nil
}

// openStore opens the configured mirror backend behind the mirror rate limit.
func openStore(cfg *config.Config) (tablestore.Store, func() error, error) {
	limiter := rate.NewWindow(cfg.Mirror.Calls, cfg.Mirror.Window)
	switch cfg.Mirror.Backend {
	case config.BackendSQLite:
		db, err := tablestore.OpenSQLite(cfg.Mirror.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open mirror db: %w", err)
		}
		return tablestore.Limited{Store: db, Limiter: limiter}, db.Close, nil
	case config.BackendAirtable:
		vault, err := credential.Open(cfg.CredentialsDir)
		if err != nil {
			return nil, nil, err
		}
		key, err := vault.Resolve(cfg.Mirror.APIKey, credential.AirtableKey)
		if errors.Is(err, credential.ErrNotFound) {
			return nil, nil, errors.New("no airtable api key: set mirror.api_key or run gmailexport-auth --airtable-key")
		}
		if err != nil {
			return nil, nil, err
		}
		client := tablestore.NewAirtable(cfg.Mirror.BaseID, key, tablestore.WithLimiter(limiter))
		return client, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown mirror backend %q", cfg.Mirror.Backend)
	}
}
