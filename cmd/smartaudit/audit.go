package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/upload"
	"github.com/kingrea/SmartAudit/internal/view"
	"github.com/kingrea/SmartAudit/internal/watch"
)

type auditOptions struct {
	tab      string
	watch    bool
	pdf      string
	noBanner bool
}

func newAuditCmd(global *globalOptions) *cobra.Command {
	opts := &auditOptions{}
	cmd := &cobra.Command{
		Use:   "audit <file.sol>",
		Short: "Upload a contract, wait for the pipeline and print the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, global, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.tab, "tab", string(view.TabFindings), "results tab to print (findings|logic|redteam|code|all)")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "re-audit whenever the file changes")
	cmd.Flags().StringVar(&opts.pdf, "pdf", "", "save the PDF report to this path after a completed audit")
	cmd.Flags().BoolVar(&opts.noBanner, "no-banner", false, "skip the ASCII banner")
	return cmd
}

func runAudit(cmd *cobra.Command, global *globalOptions, opts *auditOptions, path string) error {
	tabs, err := parseTabs(opts.tab)
	if err != nil {
		return err
	}
	if err := upload.CheckName(path); err != nil {
		return err
	}
	rt, err := newRuntime(global)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	if !opts.noBanner {
		printBanner(out)
	}

	submit := func(ctx context.Context) error {
		artifact, err := upload.FileArtifact(path)
		if err != nil {
			return err
		}
		_, err = rt.gateway.SubmitArtifact(ctx, artifact)
		return err
	}

	updates, unsubscribe := rt.ctrl.Subscribe()
	defer unsubscribe()

	if err := submit(ctx); err != nil {
		// Upload failures land the session in Failed and are printed below.
		// Anything rejected before a session began is returned here.
		if rt.ctrl.Snapshot().Phase == audit.PhaseIdle {
			return err
		}
		rt.logger.Warnw("submit failed", "path", path, "err", err)
	}

	if !opts.watch {
		snap, err := awaitTerminal(ctx, updates, out)
		if err != nil {
			return err
		}
		return finishAudit(ctx, rt, opts, tabs, snap, out)
	}

	watcher := watch.New(path, rt.ctrl, submit, watch.WithLogger(rt.logger))
	watchErr := make(chan error, 1)
	go func() { watchErr <- watcher.Run(ctx) }()
	printInfo(out, "Watching %s for changes (Ctrl+C to stop)", filepath.Base(path))
	for {
		snap, err := awaitTerminal(ctx, updates, out)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return <-watchErr
			}
			return err
		}
		if err := finishAudit(ctx, rt, opts, tabs, snap, out); err != nil {
			var exit *exitError
			if !errors.As(err, &exit) {
				return err
			}
		}
	}
}

// awaitTerminal prints progress until a session settles with its results
// loaded. Snapshots for an idle controller are skipped.
func awaitTerminal(ctx context.Context, updates <-chan audit.Snapshot, out io.Writer) (audit.Snapshot, error) {
	lastPhase := audit.Phase("")
	lastPolls := 0
	for {
		select {
		case <-ctx.Done():
			return audit.Snapshot{}, ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return audit.Snapshot{}, errors.New("session controller closed")
			}
			if snap.Phase == audit.PhaseIdle {
				lastPhase = snap.Phase
				continue
			}
			if snap.Phase != lastPhase {
				printPhase(out, snap)
				lastPhase = snap.Phase
			} else if snap.Phase == audit.PhaseScanning && snap.Polls != lastPolls {
				printPoll(out, snap)
			}
			lastPolls = snap.Polls
			if snap.Phase.IsTerminal() && !snap.Loading {
				return snap, nil
			}
		}
	}
}

func finishAudit(ctx context.Context, rt *runtime, opts *auditOptions, tabs []view.Tab, snap audit.Snapshot, out io.Writer) error {
	if rt.journey != nil {
		rt.journey.RecordSnapshot(snap)
	}
	if snap.Phase == audit.PhaseFailed {
		printFailure(out, snap)
		return &exitError{code: 1}
	}
	printResults(out, snap, tabs)
	if opts.pdf == "" {
		return nil
	}
	n, err := savePDF(ctx, rt.client, snap.SessionID(), opts.pdf)
	if err != nil {
		printWarn(out, "PDF download failed: %v", err)
		return nil
	}
	printInfo(out, "Saved PDF report to %s (%d bytes)", opts.pdf, n)
	return nil
}

func parseTabs(raw string) ([]view.Tab, error) {
	if raw == "all" {
		return view.Tabs(), nil
	}
	tab, err := view.ParseTab(raw)
	if err != nil {
		return nil, err
	}
	return []view.Tab{tab}, nil
}
