package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/gmailexport/internal/config"
	"github.com/joshsymonds/gmailexport/internal/credential"
	"github.com/joshsymonds/gmailexport/internal/runtime"
)

type authFlags struct {
	cfgPath     string
	airtableKey bool
	forgetKey   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		runtime.DefaultLogger().Error("gmailexport-auth failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags authFlags
	cmd := &cobra.Command{
		Use:           "gmailexport-auth",
		Short:         "Authorize Gmail access and store optional mirror secrets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg, flags, cmd.InOrStdin(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&flags.cfgPath, "config", "", "config file (default ~/.gmail_export/config.yaml)")
	cmd.Flags().String("credentials-dir", config.DefaultDir, "directory holding credentials.json and token.json")
	cmd.Flags().BoolVar(&flags.airtableKey, "airtable-key", false, "read an Airtable API key from stdin and store it in the keyring")
	cmd.Flags().BoolVar(&flags.forgetKey, "forget-airtable-key", false, "remove the stored Airtable API key")
	return cmd
}

func run(cfg *config.Config, flags authFlags, in io.Reader, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := runtime.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	if flags.airtableKey || flags.forgetKey {
		vault, err := credential.Open(cfg.CredentialsDir)
		if err != nil {
			return err
		}
		if flags.forgetKey {
			if err := vault.Delete(credential.AirtableKey); err != nil {
				return err
			}
			logger.Info("removed airtable api key")
			return nil
		}
		fmt.Fprint(out, "Airtable API key: ")
		key, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read api key: %w", err)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("empty api key")
		}
		if err := vault.Set(credential.AirtableKey, key); err != nil {
			return err
		}
		logger.Info("stored airtable api key", "service", credential.ServiceName)
		return nil
	}

	if err := os.MkdirAll(cfg.CredentialsDir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	store := runtime.NewTokenStore(cfg.CredentialsDir, runtime.ConsolePrompt(in, out), logger)
	src, err := store.TokenSource(ctx)
	if err != nil {
		return err
	}
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	logger.Info("gmail access authorized", "dir", cfg.CredentialsDir, "expiry", tok.Expiry)
	return nil
}
