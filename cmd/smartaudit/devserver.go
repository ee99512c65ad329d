package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/devserver"
	"github.com/kingrea/SmartAudit/internal/logging"
)

func newDevServerCmd(global *globalOptions) *cobra.Command {
	var (
		addr      string
		fixtures  string
		scanPolls int
		outcome   string
	)
	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run a local stub of the audit pipeline service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := devserver.SettingsFromEnv()
			if addr != "" {
				host, port, err := parseAddr(addr)
				if err != nil {
					return err
				}
				settings.Host, settings.Port = host, port
			}
			if cmd.Flags().Changed("scan-polls") {
				settings.ScanPolls = scanPolls
			}
			if outcome != "" {
				settings.Outcome = audit.ParseRemoteStatus(outcome)
			}
			if fixtures != "" {
				settings.FixturesDir = fixtures
			}

			logDir := filepath.Join(os.TempDir(), "smartaudit-dev")
			logger, err := logging.New(logDir, "info", global.debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			opts := []devserver.Option{devserver.WithLogger(logger)}
			if settings.FixturesDir != "" {
				fx, err := devserver.LoadFixtures(settings.FixturesDir)
				if err != nil {
					return err
				}
				opts = append(opts, devserver.WithFixtures(fx))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			srv := devserver.NewServer(settings, opts...)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printInfo(out, "Stub pipeline listening on %s", srv.BaseURL())
			printInfo(out, "Logs: %s", logDir)
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address host:port (default 127.0.0.1:8000)")
	cmd.Flags().StringVar(&fixtures, "fixtures", "", "directory holding report.json, manuals/*.md, fixed.sol and report.pdf")
	cmd.Flags().IntVar(&scanPolls, "scan-polls", devserver.DefaultScanPolls, "status queries answered with scanning before the outcome")
	cmd.Flags().StringVar(&outcome, "outcome", "", "final job status: completed or error")
	return cmd
}

func parseAddr(addr string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid --addr port %q", rawPort)
	}
	return host, port, nil
}
