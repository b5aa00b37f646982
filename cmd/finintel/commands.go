package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yourusername/finintel-client/internal/export"
	"github.com/yourusername/finintel-client/internal/uploader"
)

func newSubmitCommand(a *app) *cobra.Command {
	var xlsxPath string

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a document, poll its job until DONE and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			controller, err := a.controller()
			if err != nil {
				return err
			}

			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			display := uploader.NewTextDisplay(cmd.OutOrStdout(), nil)
			outcome, err := controller.HandleSubmission(cmd.Context(), uploader.Upload{
				Filename: filepath.Base(path),
				Reader:   f,
			}, display)
			if err != nil {
				return err
			}

			printSummary(cmd.OutOrStdout(), outcome.Result)
			if xlsxPath != "" {
				return writeXLSX(xlsxPath, outcome.Result)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&xlsxPath, "result-xlsx", "", "also write the result to this .xlsx file")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			controller, err := a.controller()
			if err != nil {
				return err
			}
			display := uploader.NewTextDisplay(cmd.OutOrStdout(), nil)
			if wait {
				_, err := controller.PollJob(cmd.Context(), args[0], display)
				return err
			}
			_, err = controller.CurrentStatus(cmd.Context(), args[0], display)
			return err
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "keep polling until the job finishes, then print the result")
	return cmd
}

func newResultCommand(a *app) *cobra.Command {
	var xlsxPath string

	cmd := &cobra.Command{
		Use:   "result <job-id>",
		Short: "Fetch and print the result of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			controller, err := a.controller()
			if err != nil {
				return err
			}
			display := uploader.NewTextDisplay(cmd.ErrOrStderr(), cmd.OutOrStdout())
			result, err := controller.ShowResult(cmd.Context(), args[0], display)
			if err != nil {
				return err
			}
			if xlsxPath != "" {
				return writeXLSX(xlsxPath, result)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also write the result to this .xlsx file")
	return cmd
}

// printSummary は結果に validation が含まれていれば集計を1行で出力します。
func printSummary(w io.Writer, result json.RawMessage) {
	summary, ok := export.Summarize(result)
	if !ok {
		return
	}
	_, _ = fmt.Fprintf(w, "Checks: %d passed, %d warnings, %d errors (of %d)\n",
		summary.Passed, summary.Warnings, summary.Errors, summary.TotalChecks)
}

func writeXLSX(path string, result json.RawMessage) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := export.WriteWorkbook(f, result); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
