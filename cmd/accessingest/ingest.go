package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rpattn/accessingest/internal/app"
	"github.com/rpattn/accessingest/internal/domain"
	"github.com/rpattn/accessingest/internal/ingestion"

	"github.com/spf13/cobra"
)

type ingestOptions struct {
	policy     string
	quiet      bool
	reportPath string
}

func newIngestCmd(root *rootOptions) *cobra.Command {
	var opts ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Validate and upsert one CSV, XLSX or XLS export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.policy, "policy", "", "Conflict policy: skip-duplicates or overwrite-duplicates (required)")
	cmd.Flags().BoolVar(&opts.quiet, "quiet", false, "Do not draw the progress bar")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "Write the JSON report to this file instead of stdout")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func runIngest(cmd *cobra.Command, root *rootOptions, opts ingestOptions, path string) error {
	policy, err := domain.ParseConflictPolicy(opts.policy)
	if err != nil {
		return err
	}
	cfg, logger, err := root.loadWithLogger()
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	bar := newProgressBar(cmd.ErrOrStderr(), opts.quiet)
	report, err := a.Ingestion.Ingest(ctx, ingestion.Request{
		FileName: filepath.Base(path),
		Size:     info.Size(),
		Data:     file,
		Policy:   policy,
		Progress: bar.update,
	})
	bar.done()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.reportPath != "" {
		reportFile, createErr := os.Create(opts.reportPath)
		if createErr != nil {
			return fmt.Errorf("create report file: %w", createErr)
		}
		defer reportFile.Close()
		out = reportFile
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	fmt.Fprintln(cmd.ErrOrStderr(), report.Message)
	if !report.Success {
		return errIncomplete
	}
	return nil
}

// progressBar draws a single-line progress indicator.
type progressBar struct {
	mu      sync.Mutex
	w       io.Writer
	quiet   bool
	drawn   bool
	width   int
	last    int
	lastMsg string
}

func newProgressBar(w io.Writer, quiet bool) *progressBar {
	return &progressBar{w: w, quiet: quiet, width: 30, last: -1}
}

func (p *progressBar) update(percent int, message string) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent == p.last && message == p.lastMsg {
		return
	}
	p.last, p.lastMsg = percent, message
	filled := percent * p.width / 100
	fmt.Fprintf(p.w, "\r[%s%s] %3d%% %-40.40s", strings.Repeat("#", filled), strings.Repeat(" ", p.width-filled), percent, message)
	p.drawn = true
}

func (p *progressBar) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drawn {
		fmt.Fprintln(p.w)
	}
}
