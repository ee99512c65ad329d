package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/SmartAudit/internal/config"
	"github.com/kingrea/SmartAudit/internal/logbook"
	"github.com/kingrea/SmartAudit/internal/logging"
	"github.com/kingrea/SmartAudit/internal/pipeline"
	"github.com/kingrea/SmartAudit/internal/results"
	"github.com/kingrea/SmartAudit/internal/session"
	"github.com/kingrea/SmartAudit/internal/tui"
	"github.com/kingrea/SmartAudit/internal/upload"
	"github.com/kingrea/SmartAudit/internal/view"
)

type globalOptions struct {
	project     string
	pipelineURL string
	debug       bool
}

// runtime is one fully wired client stack.
type runtime struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	client  *pipeline.Client
	ctrl    *session.Controller
	gateway *upload.Gateway
	journey *logbook.Logbook
}

func newRuntime(opts *globalOptions) (*runtime, error) {
	projectDir := opts.project
	if projectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		projectDir = cwd
	}
	if err := config.InitDir(projectDir); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", config.ProjectDirName, err)
	}
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.SetPipelineURL(opts.pipelineURL); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogsDir(), cfg.Project.Logging.Level, opts.debug || cfg.Project.Logging.Debug)
	if err != nil {
		return nil, err
	}
	client, err := pipeline.New(cfg.PipelineURL(),
		pipeline.WithTimeout(cfg.Project.Pipeline.RequestTimeout.Std()),
		pipeline.WithRetries(cfg.Project.Pipeline.Retries),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	agg := results.New(client, results.WithLogger(logger))
	ctrl := session.New(client, agg,
		session.WithInterval(cfg.Project.Polling.Interval.Std()),
		session.WithMaxFailures(cfg.Project.Polling.MaxFailures),
		session.WithMaxWait(cfg.Project.Polling.MaxWait.Std()),
		session.WithLogger(logger),
	)
	journey, err := logbook.New(cfg.JourneyLogPath())
	if err != nil {
		logger.Warnw("journey log unavailable", "err", err)
	}
	logger.Infow("smartaudit started", "project", projectDir, "pipeline", cfg.PipelineURL())
	return &runtime{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		ctrl:    ctrl,
		gateway: upload.NewGateway(ctrl, upload.WithMaxBytes(cfg.Project.Upload.MaxBytes), upload.WithLogger(logger)),
		journey: journey,
	}, nil
}

func (r *runtime) Close() {
	r.gateway.Wait()
	r.ctrl.Close()
	_ = r.logger.Sync()
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	var tabFlag, fileFlag string

	runTUI := func(cmd *cobra.Command, _ []string) error {
		tab, err := view.ParseTab(tabFlag)
		if err != nil {
			return err
		}
		rt, err := newRuntime(opts)
		if err != nil {
			return err
		}
		defer rt.Close()
		app := tui.NewApp(rt.ctrl, rt.gateway,
			tui.WithLogbook(rt.journey),
			tui.WithPDFDownloader(rt.client, rt.cfg.ReportsDir()),
			tui.WithArtifactPath(fileFlag),
			tui.WithTab(tab),
		)
		defer app.Close()
		p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("running TUI: %w", err)
		}
		return nil
	}

	root := &cobra.Command{
		Use:           "smartaudit",
		Short:         "SmartAudit - multi-agent smart contract auditing client",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runTUI,
	}
	root.PersistentFlags().StringVar(&opts.project, "project", "", "project directory holding .smartaudit (default: current directory)")
	root.PersistentFlags().StringVar(&opts.pipelineURL, "pipeline-url", "", "override the pipeline service base URL")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "verbose structured logging")

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive dashboard",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	}
	for _, c := range []*cobra.Command{root, tuiCmd} {
		c.Flags().StringVar(&tabFlag, "tab", string(view.TabFindings), "results tab shown first (findings|logic|redteam|code)")
		c.Flags().StringVarP(&fileFlag, "file", "f", "", "pre-fill the upload path")
	}

	root.AddCommand(
		tuiCmd,
		newAuditCmd(opts),
		newStatusCmd(opts),
		newPDFCmd(opts),
		newDevServerCmd(opts),
	)
	return root
}
