package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/SmartAudit/internal/pipeline"
)

func newStatusCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the pipeline's current job status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(global)
			if err != nil {
				return err
			}
			defer rt.Close()
			status, err := rt.client.Status(cmd.Context(), "")
			if err != nil {
				return err
			}
			printRemoteStatus(cmd.OutOrStdout(), rt.client.BaseURL(), rt.client.PDFURL(), status)
			return nil
		},
	}
}

func newPDFCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pdf <out.pdf>",
		Short: "Download the PDF report of the last completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(global)
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := savePDF(cmd.Context(), rt.client, "", args[0])
			if err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), "Saved PDF report to %s (%d bytes)", args[0], n)
			return nil
		},
	}
}

// savePDF writes the report to path, removing the file when the download fails.
func savePDF(ctx context.Context, client *pipeline.Client, sessionID, path string) (int64, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	n, err := client.DownloadPDF(ctx, sessionID, file)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return n, nil
}
